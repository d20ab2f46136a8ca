// Package scheduler runs generation jobs against an external engine: a
// priority queue feeds a concurrency-bounded dispatcher, attempts run under
// a timeout with a retry ceiling, engine-side work is tracked by a
// completion poller, and every transition is journaled for crash recovery.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/genqueue/internal/config"
	"github.com/makeasinger/genqueue/internal/journal"
	"github.com/makeasinger/genqueue/internal/model"
)

// Engine is the part of the external engine the poller needs.
type Engine interface {
	FetchStatus(ctx context.Context, externalID string) (*model.EngineStatus, error)
}

// Notifier receives terminal outcomes. Calls are fire-and-forget.
type Notifier interface {
	NotifySuccess(ctx context.Context, jobID string, jobType model.JobType, startedAt, finishedAt time.Time) error
	NotifyFailure(ctx context.Context, jobID string, jobType model.JobType, message string, attempts int) error
}

// Observer is told about every job transition. JobChanged must not block.
type Observer interface {
	JobChanged(job model.Job)
}

// PartitionArchiver copies a closed journal partition to long-term storage.
type PartitionArchiver interface {
	Archive(ctx context.Context, date string) error
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

func WithArchiver(a PartitionArchiver) Option {
	return func(s *Scheduler) { s.archiver = a }
}

// WithClock replaces time.Now; tests use it to pin partition dates.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocation sets the time zone used for date partitions (default Local).
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithCacheSize bounds the number of older partitions kept for queries.
func WithCacheSize(n int) Option {
	return func(s *Scheduler) { s.cacheSize = n }
}

// Scheduler is the single context object shared by all subcomponents.
type Scheduler struct {
	cfg     config.SchedulerConfig
	pollCfg config.PollerConfig

	store      *JobStore
	queue      *PriorityQueue
	estimator  *Estimator
	dispatcher *dispatcher
	runner     *executionRunner
	poller     *CompletionPoller

	regMu    sync.RWMutex
	registry map[model.JobType]model.WorkFunc

	notifier  Notifier
	observers []Observer
	archiver  PartitionArchiver
	logger    *slog.Logger
	now       func() time.Time
	loc       *time.Location
	cacheSize int

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler. Nothing runs until Start.
func New(cfg config.SchedulerConfig, pollCfg config.PollerConfig, j journal.Journal, engine Engine, opts ...Option) (*Scheduler, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: journal is required", ErrInvalidArgument)
	}
	def := config.DefaultSchedulerConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}

	s := &Scheduler{
		cfg:       cfg,
		pollCfg:   pollCfg,
		queue:     NewPriorityQueue(cfg.QueueSize),
		estimator: NewEstimator(),
		registry:  make(map[model.JobType]model.WorkFunc),
		logger:    slog.Default(),
		now:       time.Now,
		loc:       time.Local,
		cacheSize: 1024,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	store, err := newJobStore(j, s.cacheSize, s.loc, s.now, s.logger.With("component", "store"))
	if err != nil {
		return nil, err
	}
	s.store = store
	s.dispatcher = newDispatcher(s)
	s.runner = &executionRunner{s: s, timeout: cfg.ExecutionTimeout}
	s.poller = NewCompletionPoller(pollCfg, engine, s.finishPoll, s.now, s.logger.With("component", "poller"))
	return s, nil
}

// Handle registers the work function used for jobType when Enqueue is
// called without one and when recovery re-queues a journaled job.
func (s *Scheduler) Handle(jobType model.JobType, fn model.WorkFunc) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.registry[jobType] = fn
}

func (s *Scheduler) handler(jobType model.JobType) (model.WorkFunc, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	fn, ok := s.registry[jobType]
	return fn, ok
}

// Start loads today's and yesterday's partitions, recovers interrupted
// jobs, then starts the dispatcher, saver and rotation loops. Yesterday's
// jobs are recovered only when they were still queued or running.
func (s *Scheduler) Start(ctx context.Context) (*RecoveryReport, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: scheduler already started", ErrInvalidArgument)
	}

	yesterdays, err := s.store.loadPartition(s.store.yesterday())
	if err != nil {
		s.logger.Warn("could not load yesterday's partition", "error", err)
	}
	todays, err := s.store.loadPartition(s.store.today())
	if err != nil {
		s.logger.Warn("could not load today's partition", "error", err)
	}

	pending := make([]*model.Job, 0, len(todays))
	for _, job := range yesterdays {
		if !job.Status.IsTerminal() {
			pending = append(pending, job)
		}
	}
	pending = append(pending, todays...)

	report := s.recoverJobs(ctx, pending)
	s.logger.Info("recovery complete",
		"requeued", len(report.Requeued),
		"reattached", len(report.Reattached),
		"retried", len(report.Retried),
		"failed", len(report.Failed),
		"untouched", len(report.Untouched),
	)

	s.store.startSaver()
	s.store.saveAsync()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatcher.run(s.stopCh)
	}()
	go func() {
		defer s.wg.Done()
		s.rotationLoop(s.stopCh)
	}()
	return report, nil
}

// Stop halts dispatching and polling and flushes the journal. Attempts
// already running are abandoned; recovery picks them up on the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
		s.poller.Stop()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("timed out waiting for scheduler loops", "error", ctx.Err())
		}

		if ferr := s.store.close(); ferr != nil {
			err = fmt.Errorf("failed to flush journal: %w", ferr)
		}
		s.logger.Info("scheduler stopped", "queued", s.queue.Len())
	})
	return err
}

// Enqueue admits a job. An empty jobID creates a new job; a known jobID is
// re-submitted in place with merged params and a fresh submission time.
// A nil fn is resolved through Handle.
func (s *Scheduler) Enqueue(jobID string, jobType model.JobType, params map[string]any, fn model.WorkFunc) (*model.EnqueueResponse, error) {
	if s.stopped.Load() {
		return nil, ErrStopped
	}
	if jobType == "" {
		return nil, fmt.Errorf("%w: job type is required", ErrInvalidArgument)
	}
	if fn == nil {
		registered, ok := s.handler(jobType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
		}
		fn = registered
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	mu := s.store.lockFor(jobID)
	mu.Lock()

	now := s.now()
	position := queuePosition(s.queue.CountByType(jobType))
	wait := s.estimator.EstimateWait(jobType, position, params)
	message := fmt.Sprintf("queued, estimated wait %s", formatWait(wait))

	job, exists := s.store.get(jobID)
	if exists {
		if job.Status == model.JobStatusRunning {
			mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrJobActive, jobID)
		}
		prev := job.Clone()

		if job.Params == nil {
			job.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			job.Params[k] = v
		}
		if job.Status.IsTerminal() {
			job.AttemptCount = 0
			job.OutputRefs = []string{}
		}
		job.Type = jobType
		job.SubmittedAt = now
		job.Status = model.JobStatusQueued
		job.StartedAt = nil
		job.FinishedAt = nil
		job.ExternalID = ""
		job.Final = false
		job.Message = message
		job.WorkFn = fn

		if err := s.queue.Push(job); err != nil {
			*job = prev
			mu.Unlock()
			return nil, err
		}
	} else {
		job = &model.Job{
			ID:          jobID,
			Type:        jobType,
			SubmittedAt: now,
			Params:      copyParams(params),
			Status:      model.JobStatusQueued,
			OutputRefs:  []string{},
			Message:     message,
			WorkFn:      fn,
		}
		if err := s.queue.Push(job); err != nil {
			mu.Unlock()
			return nil, err
		}
		s.store.put(job)
	}
	snap := job.Clone()
	mu.Unlock()

	s.logger.Debug("job enqueued", "job_id", jobID, "job_type", jobType, "resubmitted", exists, "position", position)
	s.afterTransition(snap)
	s.dispatcher.wake()

	return &model.EnqueueResponse{
		JobID:                jobID,
		Status:               model.JobStatusQueued,
		QueuePosition:        position,
		EstimatedWaitSeconds: wait,
	}, nil
}

// GetStatus reports one job from memory.
func (s *Scheduler) GetStatus(jobID string) (*model.JobStatusResponse, error) {
	job, ok := s.store.snapshot(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	resp := s.statusOf(job)
	return &resp, nil
}

func (s *Scheduler) statusOf(job model.Job) model.JobStatusResponse {
	resp := model.JobStatusResponse{
		JobID:        job.ID,
		JobType:      job.Type,
		Status:       job.Status,
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		AttemptCount: job.AttemptCount,
		OutputRefs:   job.OutputRefs,
		Message:      job.Message,
	}
	if job.Status == model.JobStatusQueued {
		pos := queuePosition(s.queue.CountByType(job.Type))
		resp.QueuePosition = &pos
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		d := math.Round(job.FinishedAt.Sub(*job.StartedAt).Seconds()*10) / 10
		resp.DurationSeconds = &d
	}
	return resp
}

// GetQueueSnapshot summarizes load overall, or for one job type when
// jobType is non-empty.
func (s *Scheduler) GetQueueSnapshot(jobType model.JobType) model.QueueSnapshot {
	var running, queued int
	var avg float64
	if jobType == "" {
		running = s.store.runningCount()
		queued = s.queue.Len()
		avg = s.estimator.MeanAverage()
	} else {
		running = s.store.runningCountByType(jobType)
		queued = s.queue.CountByType(jobType)
		avg = s.estimator.Average(jobType)
	}
	return model.QueueSnapshot{
		RunningCount:         running,
		QueuedCount:          queued,
		EstimatedWaitMinutes: math.Round(float64(queued)*avg/60*10) / 10,
		MaxConcurrent:        s.cfg.MaxConcurrent,
	}
}

// ListJobs returns jobs matching filter, newest first. An empty date lists
// everything in memory; other dates are read from the journal.
func (s *Scheduler) ListJobs(filter model.JobFilter) ([]model.JobSummary, error) {
	var jobs []model.Job
	if filter.Date == "" {
		jobs = s.store.snapshotAll()
	} else {
		byID, err := s.store.loadForDate(filter.Date)
		if err != nil {
			return nil, err
		}
		jobs = make([]model.Job, 0, len(byID))
		for _, job := range byID {
			jobs = append(jobs, job)
		}
	}

	out := make([]model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && job.Type != filter.JobType {
			continue
		}
		summary := model.JobSummary{JobStatusResponse: s.statusOf(job)}
		summary.Prompt, _ = job.Params["prompt"].(string)
		summary.NegativePrompt, _ = job.Params["negative_prompt"].(string)
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// UpdateStatus forces a job into status. It bypasses the retry policy and
// sends no notifications; it exists for finalizers outside the runner.
func (s *Scheduler) UpdateStatus(jobID string, status model.JobStatus, message string, outputRefs []string) (*model.JobStatusResponse, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}

	mu := s.store.lockFor(jobID)
	mu.Lock()
	job, ok := s.store.get(jobID)
	if !ok {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	now := s.now()
	old := job.Status
	job.Status = status
	job.Final = status == model.JobStatusFailed
	if message != "" {
		job.Message = message
	}
	if outputRefs != nil {
		job.OutputRefs = append([]string(nil), outputRefs...)
	}

	switch status {
	case model.JobStatusRunning:
		if old != model.JobStatusRunning {
			job.StartedAt = &now
			job.FinishedAt = nil
			s.queue.Remove(jobID)
			s.store.markRunning(jobID, job.Type)
		}
	case model.JobStatusQueued:
		job.StartedAt = nil
		job.FinishedAt = nil
		job.ExternalID = ""
		s.poller.Untrack(jobID)
		s.store.clearRunning(jobID)
		if job.WorkFn == nil {
			if fn, ok := s.handler(job.Type); ok {
				job.WorkFn = fn
			} else {
				job.WorkFn = missingHandler(job.Type)
			}
		}
		s.queue.requeue(job)
	default:
		if old != status || job.FinishedAt == nil {
			job.FinishedAt = &now
		}
		s.poller.Untrack(jobID)
		s.queue.Remove(jobID)
		s.store.clearRunning(jobID)
	}
	snap := job.Clone()
	mu.Unlock()

	s.logger.Info("job status updated", "job_id", jobID, "from", old, "to", status)
	s.afterTransition(snap)
	s.dispatcher.wake()

	resp := s.statusOf(snap)
	return &resp, nil
}

// afterTransition persists and publishes a change. Called without locks.
func (s *Scheduler) afterTransition(snap model.Job) {
	s.store.saveAsync()
	for _, o := range s.observers {
		s.publish(o, snap)
	}
}

func (s *Scheduler) publish(o Observer, snap model.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "job_id", snap.ID, "panic", r)
		}
	}()
	o.JobChanged(snap)
}

func (s *Scheduler) notifySuccess(job model.Job) {
	if s.notifier == nil || job.StartedAt == nil || job.FinishedAt == nil {
		return
	}
	go func() {
		defer s.recoverNotify(job.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.NotifySuccess(ctx, job.ID, job.Type, *job.StartedAt, *job.FinishedAt); err != nil {
			s.logger.Warn("success notification failed", "job_id", job.ID, "error", err)
		}
	}()
}

func (s *Scheduler) notifyFailure(job model.Job) {
	if s.notifier == nil {
		return
	}
	go func() {
		defer s.recoverNotify(job.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.NotifyFailure(ctx, job.ID, job.Type, job.Message, job.AttemptCount); err != nil {
			s.logger.Warn("failure notification failed", "job_id", job.ID, "error", err)
		}
	}()
}

func (s *Scheduler) recoverNotify(jobID string) {
	if r := recover(); r != nil {
		s.logger.Error("notifier panicked", "job_id", jobID, "panic", r)
	}
}

func missingHandler(jobType model.JobType) model.WorkFunc {
	return func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
		return &model.WorkResult{
			Permanent: true,
			Message:   fmt.Sprintf("%v: %s", ErrUnknownJobType, jobType),
		}, nil
	}
}

func copyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatWait(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.0fs", math.Ceil(seconds))
	}
	return fmt.Sprintf("%.1f min", seconds/60)
}
