package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/makeasinger/genqueue/internal/client"
	"github.com/makeasinger/genqueue/internal/model"
)

var errEngineDown = errors.New("engine is not reachable")

// Registrar is the part of the scheduler workers register with
type Registrar interface {
	Handle(jobType model.JobType, fn model.WorkFunc)
}

// GenerationWorker submits dispatched jobs to the engine. It returns as
// soon as the engine accepts the workflow; completion is left to the poller.
type GenerationWorker struct {
	engine    client.Engine
	workflows *WorkflowLibrary
}

// NewGenerationWorker creates a new generation worker
func NewGenerationWorker(engine client.Engine, workflows *WorkflowLibrary) *GenerationWorker {
	return &GenerationWorker{
		engine:    engine,
		workflows: workflows,
	}
}

// Register installs Process for every job type that has a workflow
func (w *GenerationWorker) Register(r Registrar) []model.JobType {
	types := w.workflows.Types()
	for _, t := range types {
		r.Handle(t, w.Process)
	}
	return types
}

// Process is a model.WorkFunc
func (w *GenerationWorker) Process(ctx context.Context, req model.WorkRequest) (*model.WorkResult, error) {
	if !w.engine.IsServiceUp(ctx) {
		return nil, errEngineDown
	}

	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if _, ok := params["job_id"]; !ok {
		params["job_id"] = req.JobID
	}

	workflow, err := w.workflows.Build(req.JobType, params)
	if err != nil {
		return &model.WorkResult{Permanent: true, Message: fmt.Sprintf("invalid request: %v", err)}, nil
	}

	log.Printf("Submitting %s job %s (attempt %d)", req.JobType, req.JobID, req.Attempt)
	res, err := w.engine.SubmitJob(ctx, workflow)
	if errors.Is(err, client.ErrRejected) {
		return &model.WorkResult{Permanent: true, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit workflow: %w", err)
	}
	if !res.Success {
		return &model.WorkResult{Message: res.Message}, nil
	}

	return &model.WorkResult{
		Pending:    true,
		ExternalID: res.ExternalID,
		Message:    fmt.Sprintf("submitted to engine as %s", res.ExternalID),
	}, nil
}
