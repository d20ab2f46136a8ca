// Package notify delivers terminal job outcomes outside the request path.
// The scheduler hands outcomes to a Notifier; the asynq-backed notifier
// turns them into tasks that the notify worker mails out.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/genqueue/internal/model"
)

// Task types and queue for outcome notifications
const (
	TaskTypeJobSucceeded = "notify:job_succeeded"
	TaskTypeJobFailed    = "notify:job_failed"
	Queue                = "notify"
)

// Event is the payload of a notification task
type Event struct {
	JobID      string        `json:"jobId"`
	JobType    model.JobType `json:"jobType"`
	Succeeded  bool          `json:"succeeded"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Message    string        `json:"message,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
}

// NewTask wraps ev in an asynq task of the matching type
func NewTask(ev Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	taskType := TaskTypeJobFailed
	if ev.Succeeded {
		taskType = TaskTypeJobSucceeded
	}
	return asynq.NewTask(taskType, data), nil
}

// ParseEvent decodes a task created by NewTask
func ParseEvent(t *asynq.Task) (Event, error) {
	var ev Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	if ev.JobID == "" {
		return Event{}, fmt.Errorf("notification without job id")
	}
	return ev, nil
}

// Enqueuer is the part of *asynq.Client the notifier uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier queues outcome notifications in Redis
type AsynqNotifier struct {
	client Enqueuer
	logger *slog.Logger
}

func NewAsynqNotifier(client Enqueuer, logger *slog.Logger) *AsynqNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqNotifier{client: client, logger: logger}
}

func (n *AsynqNotifier) NotifySuccess(ctx context.Context, jobID string, jobType model.JobType, startedAt, finishedAt time.Time) error {
	return n.enqueue(ctx, Event{
		JobID:      jobID,
		JobType:    jobType,
		Succeeded:  true,
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
	})
}

func (n *AsynqNotifier) NotifyFailure(ctx context.Context, jobID string, jobType model.JobType, message string, attempts int) error {
	return n.enqueue(ctx, Event{
		JobID:    jobID,
		JobType:  jobType,
		Message:  message,
		Attempts: attempts,
	})
}

func (n *AsynqNotifier) enqueue(ctx context.Context, ev Event) error {
	task, err := NewTask(ev)
	if err != nil {
		return err
	}
	info, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(Queue),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	n.logger.Debug("notification queued", "job_id", ev.JobID, "task_id", info.ID, "type", task.Type())
	return nil
}

// LogNotifier only logs outcomes; used when Redis is unavailable
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifySuccess(_ context.Context, jobID string, jobType model.JobType, startedAt, finishedAt time.Time) error {
	n.logger.Info("job succeeded", "job_id", jobID, "job_type", jobType, "duration", finishedAt.Sub(startedAt))
	return nil
}

func (n *LogNotifier) NotifyFailure(_ context.Context, jobID string, jobType model.JobType, message string, attempts int) error {
	n.logger.Warn("job failed", "job_id", jobID, "job_type", jobType, "attempts", attempts, "message", message)
	return nil
}
