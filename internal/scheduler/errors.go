package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueFull is returned when a new job cannot be admitted.
	ErrQueueFull = errors.New("job queue is full")

	// ErrJobActive is returned when re-submitting a job that is currently running.
	ErrJobActive = errors.New("job is running")

	// ErrUnknownJobType is returned when no work function is registered for a job type.
	ErrUnknownJobType = errors.New("no work function registered for job type")

	// ErrInvalidArgument marks malformed calls such as an empty job type.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("scheduler stopped")
