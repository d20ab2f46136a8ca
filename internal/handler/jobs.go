package handler

import (
	"errors"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/genqueue/internal/model"
	"github.com/makeasinger/genqueue/internal/scheduler"
	"github.com/makeasinger/genqueue/pkg/response"
)

// JobScheduler is the part of the scheduler the HTTP layer drives.
type JobScheduler interface {
	Enqueue(jobID string, jobType model.JobType, params map[string]any, fn model.WorkFunc) (*model.EnqueueResponse, error)
	GetStatus(jobID string) (*model.JobStatusResponse, error)
	ListJobs(filter model.JobFilter) ([]model.JobSummary, error)
	UpdateStatus(jobID string, status model.JobStatus, message string, outputRefs []string) (*model.JobStatusResponse, error)
	GetQueueSnapshot(jobType model.JobType) model.QueueSnapshot
}

type JobHandler struct {
	scheduler JobScheduler
	validator *validator.Validate
}

func NewJobHandler(s JobScheduler, v *validator.Validate) *JobHandler {
	return &JobHandler{
		scheduler: s,
		validator: v,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.scheduler.Enqueue(req.JobID, req.JobType, req.Params, nil)
	if err != nil {
		return schedulerError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.scheduler.GetStatus(jobID)
	if err != nil {
		return schedulerError(c, err)
	}

	return response.OK(c, result)
}

// List handles GET /api/jobs?date=&status=&jobType=
func (h *JobHandler) List(c *fiber.Ctx) error {
	filter := model.JobFilter{
		Date:    c.Query("date"),
		Status:  model.JobStatus(c.Query("status")),
		JobType: model.JobType(c.Query("jobType")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return response.ValidationError(c, "Unknown status", fiber.Map{"status": string(filter.Status)})
	}
	if filter.JobType != "" && !slices.Contains(model.ValidJobTypes, filter.JobType) {
		return response.ValidationError(c, "Unknown job type", fiber.Map{"jobType": string(filter.JobType)})
	}

	jobs, err := h.scheduler.ListJobs(filter)
	if err != nil {
		return schedulerError(c, err)
	}

	return response.OK(c, jobs)
}

// UpdateStatus handles PUT /api/jobs/:jobId/status
func (h *JobHandler) UpdateStatus(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.UpdateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.scheduler.UpdateStatus(jobID, req.Status, req.Message, req.OutputRefs)
	if err != nil {
		return schedulerError(c, err)
	}

	return response.OK(c, result)
}

// Queue handles GET /api/queue?jobType=
func (h *JobHandler) Queue(c *fiber.Ctx) error {
	jobType := model.JobType(c.Query("jobType"))
	if jobType != "" && !slices.Contains(model.ValidJobTypes, jobType) {
		return response.ValidationError(c, "Unknown job type", fiber.Map{"jobType": string(jobType)})
	}
	return response.OK(c, h.scheduler.GetQueueSnapshot(jobType))
}

func schedulerError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, scheduler.ErrInvalidArgument), errors.Is(err, scheduler.ErrUnknownJobType):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, scheduler.ErrJobActive):
		return response.Conflict(c, "Job is already running")
	case errors.Is(err, scheduler.ErrQueueFull):
		return response.QueueFull(c)
	case errors.Is(err, scheduler.ErrStopped):
		return response.Error(c, fiber.StatusServiceUnavailable, response.CodeServiceError, "Scheduler is shutting down", nil)
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
