package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/makeasinger/genqueue/internal/model"
)

// attemptOutcome is what one invocation of a work function produced.
type attemptOutcome struct {
	result   *model.WorkResult
	err      error
	timedOut bool
}

type executionRunner struct {
	s       *Scheduler
	timeout time.Duration
}

// run executes one attempt and hands the outcome to the scheduler.
func (r *executionRunner) run(req model.WorkRequest, fn model.WorkFunc) {
	out := r.invoke(req, fn)
	r.s.finishAttempt(req.JobID, req.Attempt, out)
}

// invoke waits at most timeout for fn. The work context is cancelled on
// timeout, but a work function that ignores it keeps running detached.
func (r *executionRunner) invoke(req model.WorkRequest, fn model.WorkFunc) attemptOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.s.logger.Error("work function panicked", "job_id", req.JobID, "panic", p, "stack", string(debug.Stack()))
				done <- attemptOutcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := fn(ctx, req)
		done <- attemptOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
			out.timedOut = true
		}
		return out
	case <-ctx.Done():
		return attemptOutcome{timedOut: true}
	}
}

// finishAttempt applies an attempt's outcome. Outcomes for an attempt that
// is no longer current are dropped.
func (s *Scheduler) finishAttempt(jobID string, attempt int, out attemptOutcome) {
	mu := s.store.lockFor(jobID)
	mu.Lock()

	job, ok := s.store.get(jobID)
	if !ok || job.Status != model.JobStatusRunning || job.AttemptCount != attempt {
		mu.Unlock()
		s.logger.Debug("dropping stale attempt outcome", "job_id", jobID, "attempt", attempt)
		return
	}

	var fx transitionEffects
	switch {
	case out.timedOut:
		fx = s.failLocked(job, fmt.Sprintf("timed out after %s", s.cfg.ExecutionTimeout), false)
	case out.err != nil:
		fx = s.failLocked(job, out.err.Error(), false)
	case out.result == nil:
		fx = s.failLocked(job, "work function returned no result", false)
	case out.result.Pending:
		if out.result.ExternalID == "" {
			fx = s.failLocked(job, "engine accepted the job without an id", false)
			break
		}
		job.ExternalID = out.result.ExternalID
		job.Message = out.result.Message
		if job.Message == "" {
			job.Message = "submitted to engine, waiting for completion"
		}
		s.poller.Track(job.ID, attempt, job.ExternalID, s.now().Add(s.cfg.ExecutionTimeout))
		fx.snapshot = job.Clone()
	case out.result.Success:
		fx = s.succeedLocked(job, out.result.OutputRefs, out.result.Message)
	default:
		msg := out.result.Message
		if msg == "" {
			msg = "work function reported failure"
		}
		fx = s.failLocked(job, msg, out.result.Permanent)
	}
	mu.Unlock()

	s.apply(fx)
}

// finishPoll resolves a job the poller was tracking.
func (s *Scheduler) finishPoll(res PollResult) {
	mu := s.store.lockFor(res.JobID)
	mu.Lock()

	job, ok := s.store.get(res.JobID)
	if !ok || job.Status != model.JobStatusRunning || job.AttemptCount != res.Attempt || job.ExternalID != res.ExternalID {
		mu.Unlock()
		s.logger.Debug("dropping stale poll result", "job_id", res.JobID, "external_id", res.ExternalID)
		return
	}

	var fx transitionEffects
	switch res.State {
	case PollDone:
		fx = s.succeedLocked(job, res.Outputs, res.Message)
	case PollTimeout:
		fx = s.failLocked(job, "engine did not finish before the deadline", false)
	default:
		msg := res.Message
		if msg == "" {
			msg = "engine reported an error"
		}
		fx = s.failLocked(job, msg, false)
	}
	mu.Unlock()

	s.apply(fx)
}

// transitionEffects are the side effects of a transition, run after the
// job lock is released.
type transitionEffects struct {
	snapshot      model.Job
	notifySuccess bool
	notifyFailure bool
}

func (s *Scheduler) apply(fx transitionEffects) {
	s.afterTransition(fx.snapshot)
	if fx.notifySuccess {
		s.notifySuccess(fx.snapshot)
	}
	if fx.notifyFailure {
		s.notifyFailure(fx.snapshot)
	}
	s.dispatcher.wake()
}

// succeedLocked marks job successful. Caller holds the job lock.
func (s *Scheduler) succeedLocked(job *model.Job, outputs []string, message string) transitionEffects {
	now := s.now()
	job.Status = model.JobStatusSuccess
	job.FinishedAt = &now
	job.OutputRefs = append([]string{}, outputs...)
	job.Message = message
	if job.Message == "" {
		job.Message = "completed"
	}
	s.store.clearRunning(job.ID)
	if job.StartedAt != nil {
		s.estimator.Observe(job.Type, now.Sub(*job.StartedAt).Seconds())
	}

	s.logger.Info("job succeeded", "job_id", job.ID, "job_type", job.Type, "attempt", job.AttemptCount, "outputs", len(job.OutputRefs))
	return transitionEffects{snapshot: job.Clone(), notifySuccess: true}
}

// failLocked applies the retry policy to a failed attempt: re-queue with a
// fresh submission time while attempts remain, otherwise fail for good.
// Caller holds the job lock.
func (s *Scheduler) failLocked(job *model.Job, reason string, permanent bool) transitionEffects {
	now := s.now()
	s.store.clearRunning(job.ID)
	s.poller.Untrack(job.ID)
	job.ExternalID = ""

	if !permanent && job.AttemptCount <= s.cfg.MaxRetries {
		job.Status = model.JobStatusQueued
		job.SubmittedAt = now
		job.StartedAt = nil
		job.FinishedAt = nil
		job.Message = fmt.Sprintf("attempt %d failed: %s; retrying", job.AttemptCount, reason)
		s.queue.requeue(job)

		s.logger.Warn("job attempt failed, retrying", "job_id", job.ID, "attempt", job.AttemptCount, "reason", reason)
		return transitionEffects{snapshot: job.Clone()}
	}

	job.Status = model.JobStatusFailed
	job.FinishedAt = &now
	job.Final = permanent
	if permanent {
		job.Message = reason
	} else {
		job.Message = fmt.Sprintf("failed after %d attempts: %s", job.AttemptCount, reason)
	}

	s.logger.Error("job failed", "job_id", job.ID, "job_type", job.Type, "attempts", job.AttemptCount, "reason", reason)
	return transitionEffects{snapshot: job.Clone(), notifyFailure: true}
}
