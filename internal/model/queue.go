package model

import "time"

// EnqueueRequest is the body of POST /api/jobs
type EnqueueRequest struct {
	JobID   string         `json:"jobId" validate:"omitempty,max=64"`
	JobType JobType        `json:"jobType" validate:"required,oneof=text_to_image image_to_image text_to_video image_to_video text_to_audio change_clothes change_face change_hair_style"`
	Params  map[string]any `json:"params"`
}

// EnqueueResponse acknowledges a submission
type EnqueueResponse struct {
	JobID                string    `json:"jobId"`
	Status               JobStatus `json:"status"`
	QueuePosition        int       `json:"queuePosition"`
	EstimatedWaitSeconds float64   `json:"estimatedWaitSeconds"`
}

// UpdateStatusRequest is the body of PUT /api/jobs/:jobId/status
type UpdateStatusRequest struct {
	Status     JobStatus `json:"status" validate:"required,oneof=queued running success failed"`
	Message    string    `json:"message" validate:"omitempty,max=2000"`
	OutputRefs []string  `json:"outputRefs" validate:"omitempty,dive,required"`
}

// JobStatusResponse describes a single job
type JobStatusResponse struct {
	JobID           string     `json:"jobId"`
	JobType         JobType    `json:"jobType"`
	Status          JobStatus  `json:"status"`
	QueuePosition   *int       `json:"queuePosition,omitempty"`
	SubmittedAt     time.Time  `json:"submittedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	AttemptCount    int        `json:"attemptCount"`
	OutputRefs      []string   `json:"outputRefs,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// JobSummary is one row of a job listing
type JobSummary struct {
	JobStatusResponse
	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
}

// JobFilter narrows a job listing; zero values match everything
type JobFilter struct {
	Date    string
	Status  JobStatus
	JobType JobType
}

// QueueSnapshot summarizes scheduler load
type QueueSnapshot struct {
	RunningCount         int     `json:"runningCount"`
	QueuedCount          int     `json:"queuedCount"`
	EstimatedWaitMinutes float64 `json:"estimatedWaitMinutes"`
	MaxConcurrent        int     `json:"maxConcurrent"`
}
