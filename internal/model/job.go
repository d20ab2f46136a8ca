package model

import (
	"context"
	"time"
)

// Job represents one generation request tracked through its lifecycle
type Job struct {
	ID           string         `json:"jobId"`
	Type         JobType        `json:"jobType"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	Params       map[string]any `json:"params"`
	Status       JobStatus      `json:"status"`
	AttemptCount int            `json:"attemptCount"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	OutputRefs   []string       `json:"outputRefs"`
	Message      string         `json:"message,omitempty"`
	ExternalID   string         `json:"externalId,omitempty"` // engine correlation id
	Final        bool           `json:"final,omitempty"`      // failed without retry; recovery leaves it alone
	WorkFn       WorkFunc       `json:"-"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.OutputRefs != nil {
		c.OutputRefs = append([]string(nil), j.OutputRefs...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Date returns the calendar partition the job belongs to.
func (j *Job) Date(loc *time.Location) string {
	return j.SubmittedAt.In(loc).Format(DateLayout)
}

// DateLayout is the journal partition key format
const DateLayout = "2006-01-02"

// WorkRequest is what a work function receives when its job is dispatched
type WorkRequest struct {
	JobID   string
	JobType JobType
	Params  map[string]any
	Attempt int
}

// WorkResult is the structured outcome of a work function.
// Pending means the engine accepted the job under ExternalID but has not
// finished it yet; the job stays running until the poller resolves it.
type WorkResult struct {
	Success    bool
	Pending    bool
	Permanent  bool // failure must not be retried
	ExternalID string
	Message    string
	OutputRefs []string
}

// WorkFunc performs a job when it is dispatched
type WorkFunc func(ctx context.Context, req WorkRequest) (*WorkResult, error)

// EngineStatus is the engine's answer for one submitted workflow
type EngineStatus struct {
	State   EngineState `json:"status"`
	Outputs []string    `json:"outputs,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SubmitResult is the engine's answer to a workflow submission
type SubmitResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalJobId,omitempty"`
	Message    string `json:"message,omitempty"`
}
