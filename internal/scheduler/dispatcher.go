package scheduler

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/makeasinger/genqueue/internal/model"
)

// dispatcher moves jobs from the queue to running while fewer than
// MaxConcurrent are running. It is the only goroutine that pops the queue.
type dispatcher struct {
	s        *Scheduler
	interval time.Duration
	wakeCh   chan struct{}
}

func newDispatcher(s *Scheduler) *dispatcher {
	return &dispatcher{
		s:        s,
		interval: s.cfg.DispatchInterval,
		wakeCh:   make(chan struct{}, 1),
	}
}

// wake nudges the loop after a slot frees up.
func (d *dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(stop <-chan struct{}) {
	d.s.logger.Info("dispatcher started", "max_concurrent", d.s.cfg.MaxConcurrent)
	for {
		select {
		case <-stop:
			d.s.logger.Info("dispatcher stopped")
			return
		default:
		}
		d.iterate(stop)
	}
}

// iterate runs one admission step. A panic is logged and the loop goes on.
func (d *dispatcher) iterate(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			d.s.logger.Error("dispatcher iteration panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if d.s.store.runningCount() >= d.s.cfg.MaxConcurrent {
		timer := time.NewTimer(d.interval)
		defer timer.Stop()
		select {
		case <-stop:
		case <-d.wakeCh:
		case <-timer.C:
		}
		return
	}

	job, ok := d.s.queue.Pop(d.interval)
	if !ok {
		return
	}
	d.dispatch(job)
}

func (d *dispatcher) dispatch(job *model.Job) {
	s := d.s
	mu := s.store.lockFor(job.ID)
	mu.Lock()

	current, ok := s.store.get(job.ID)
	if !ok || current != job || job.Status != model.JobStatusQueued {
		// entry went stale between push and pop
		mu.Unlock()
		return
	}
	if s.store.runningCount() >= s.cfg.MaxConcurrent {
		s.queue.requeue(job)
		mu.Unlock()
		return
	}

	var req model.WorkRequest
	var fn model.WorkFunc
	var snap model.Job
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("failed to start job", "job_id", job.ID, "panic", r)
				now := s.now()
				job.Status = model.JobStatusFailed
				job.FinishedAt = &now
				job.Message = fmt.Sprintf("scheduler fault: %v", r)
				s.store.clearRunning(job.ID)
				fn = nil
			}
		}()

		now := s.now()
		job.Status = model.JobStatusRunning
		job.StartedAt = &now
		job.FinishedAt = nil
		job.ExternalID = ""
		job.AttemptCount++
		job.Message = fmt.Sprintf("running, attempt %d of %d", job.AttemptCount, s.cfg.MaxRetries+1)
		s.queue.Remove(job.ID)
		s.store.markRunning(job.ID, job.Type)

		fn = job.WorkFn
		if fn == nil {
			fn = missingHandler(job.Type)
		}
		req = model.WorkRequest{
			JobID:   job.ID,
			JobType: job.Type,
			Params:  copyParams(job.Params),
			Attempt: job.AttemptCount,
		}
	}()
	snap = job.Clone()
	mu.Unlock()

	s.afterTransition(snap)
	if fn == nil {
		s.notifyFailure(snap)
		return
	}

	s.logger.Info("job dispatched", "job_id", snap.ID, "job_type", snap.Type, "attempt", snap.AttemptCount)
	go s.runner.run(req, fn)
}
