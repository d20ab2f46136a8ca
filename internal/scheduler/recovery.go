package scheduler

import (
	"context"
	"sort"

	"github.com/makeasinger/genqueue/internal/model"
)

// RecoveryReport lists what the startup scan did, by job id.
type RecoveryReport struct {
	Requeued   []string // queued, or running but never handed to the engine
	Reattached []string // running on the engine, polled for the remaining time
	Retried    []string // failed or timed out with attempts left, queued again
	Failed     []string // terminal failures; notification re-sent
	Untouched  []string // succeeded, or failed with retries ruled out
}

// recoverJobs reconciles today's journaled jobs with the fresh process.
// It runs before the dispatcher starts.
func (s *Scheduler) recoverJobs(ctx context.Context, jobs []*model.Job) *RecoveryReport {
	report := &RecoveryReport{}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})

	for _, job := range jobs {
		if ctx.Err() != nil {
			s.logger.Warn("recovery interrupted", "error", ctx.Err())
			break
		}
		s.recoverJob(job, report)
	}
	return report
}

func (s *Scheduler) recoverJob(job *model.Job, report *RecoveryReport) {
	mu := s.store.lockFor(job.ID)
	mu.Lock()

	if current, ok := s.store.get(job.ID); !ok || current != job {
		mu.Unlock()
		return
	}
	if fn, ok := s.handler(job.Type); ok {
		job.WorkFn = fn
	} else {
		s.logger.Warn("no work function registered for recovered job", "job_id", job.ID, "job_type", job.Type)
		job.WorkFn = missingHandler(job.Type)
	}

	var fx *transitionEffects
	switch job.Status {
	case model.JobStatusSuccess:
		report.Untouched = append(report.Untouched, job.ID)

	case model.JobStatusQueued:
		s.queue.requeue(job)
		report.Requeued = append(report.Requeued, job.ID)

	case model.JobStatusFailed:
		if job.Final {
			report.Untouched = append(report.Untouched, job.ID)
		} else if job.AttemptCount <= s.cfg.MaxRetries {
			job.Status = model.JobStatusQueued
			job.SubmittedAt = s.now()
			job.FinishedAt = nil
			job.StartedAt = nil
			job.Message = "recovered after restart, retrying"
			s.queue.requeue(job)
			report.Retried = append(report.Retried, job.ID)
		} else {
			report.Failed = append(report.Failed, job.ID)
			fx = &transitionEffects{snapshot: job.Clone(), notifyFailure: true}
		}

	case model.JobStatusRunning:
		fx = s.recoverRunningLocked(job, report)

	default:
		s.logger.Warn("recovered job has unknown status", "job_id", job.ID, "status", job.Status)
	}
	mu.Unlock()

	if fx != nil {
		s.apply(*fx)
	}
}

func (s *Scheduler) recoverRunningLocked(job *model.Job, report *RecoveryReport) *transitionEffects {
	requeue := func(msg string) *transitionEffects {
		if job.AttemptCount > s.cfg.MaxRetries {
			fx := s.failLocked(job, "interrupted by restart", false)
			report.Failed = append(report.Failed, job.ID)
			return &fx
		}
		job.Status = model.JobStatusQueued
		job.StartedAt = nil
		job.FinishedAt = nil
		job.ExternalID = ""
		job.Message = msg
		s.queue.requeue(job)
		report.Requeued = append(report.Requeued, job.ID)
		return nil
	}

	if job.StartedAt == nil {
		return requeue("recovered after restart, waiting to run")
	}

	elapsed := s.now().Sub(*job.StartedAt)
	if elapsed > s.cfg.ExecutionTimeout {
		fx := s.failLocked(job, "timed out while the scheduler was down", false)
		if job.Status == model.JobStatusQueued {
			report.Retried = append(report.Retried, job.ID)
		} else {
			report.Failed = append(report.Failed, job.ID)
		}
		return &fx
	}

	if job.ExternalID == "" {
		return requeue("recovered after restart, resubmitting")
	}

	s.store.markRunning(job.ID, job.Type)
	s.poller.Track(job.ID, job.AttemptCount, job.ExternalID, s.now().Add(s.cfg.ExecutionTimeout-elapsed))
	report.Reattached = append(report.Reattached, job.ID)
	return nil
}
