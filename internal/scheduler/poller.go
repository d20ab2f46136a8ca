package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/makeasinger/genqueue/internal/config"
	"github.com/makeasinger/genqueue/internal/model"
)

type PollState int

const (
	PollDone PollState = iota
	PollFailed
	PollTimeout
)

// PollResult is how a tracked job ended on the engine.
type PollResult struct {
	JobID      string
	ExternalID string
	Attempt    int
	State      PollState
	Outputs    []string
	Message    string
}

// minPollDelay keeps a timer from firing in a tight loop right at the deadline.
const minPollDelay = 5 * time.Millisecond

type pollTarget struct {
	jobID      string
	externalID string
	attempt    int
	deadline   time.Time
	interval   time.Duration
	failures   int
	timer      *time.Timer
}

// CompletionPoller checks engine-side jobs on a growing interval until they
// finish, fail, or pass their deadline. It holds no scheduler slot while
// waiting; each tracked job costs one timer.
type CompletionPoller struct {
	cfg      config.PollerConfig
	engine   Engine
	finalize func(PollResult)
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	targets map[string]*pollTarget
	stopped bool
}

// NewCompletionPoller returns a poller that reports every outcome to finalize.
func NewCompletionPoller(cfg config.PollerConfig, engine Engine, finalize func(PollResult), now func() time.Time, logger *slog.Logger) *CompletionPoller {
	def := config.DefaultPollerConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.GrowthFactor < 1 {
		cfg.GrowthFactor = 1
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionPoller{
		cfg:      cfg,
		engine:   engine,
		finalize: finalize,
		now:      now,
		logger:   logger,
		targets:  make(map[string]*pollTarget),
	}
}

// Track starts polling externalID on behalf of jobID. Tracking a job that
// is already tracked replaces the earlier target.
func (p *CompletionPoller) Track(jobID string, attempt int, externalID string, deadline time.Time) {
	t := &pollTarget{
		jobID:      jobID,
		externalID: externalID,
		attempt:    attempt,
		deadline:   deadline,
		interval:   p.cfg.InitialInterval,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if old, ok := p.targets[jobID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	p.targets[jobID] = t
	p.scheduleLocked(t, p.boundedDelay(t, t.interval))

	p.logger.Debug("tracking engine job", "job_id", jobID, "external_id", externalID, "deadline", deadline)
}

// Untrack stops polling for jobID, if tracked.
func (p *CompletionPoller) Untrack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.targets[jobID]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(p.targets, jobID)
	}
}

// Active returns the number of tracked jobs.
func (p *CompletionPoller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

// Stop cancels every timer. Tracked jobs stay running in the journal.
func (p *CompletionPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.targets {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(p.targets, id)
	}
}

func (p *CompletionPoller) scheduleLocked(t *pollTarget, delay time.Duration) {
	t.timer = time.AfterFunc(delay, func() { p.check(t) })
}

// boundedDelay clips delay so the next check lands no later than just past
// the deadline.
func (p *CompletionPoller) boundedDelay(t *pollTarget, delay time.Duration) time.Duration {
	if remaining := t.deadline.Sub(p.now()) + minPollDelay; remaining < delay {
		delay = remaining
	}
	if delay < minPollDelay {
		delay = minPollDelay
	}
	return delay
}

func (p *CompletionPoller) current(t *pollTarget) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped && p.targets[t.jobID] == t
}

func (p *CompletionPoller) check(t *pollTarget) {
	if !p.current(t) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll check panicked", "job_id", t.jobID, "panic", r, "stack", string(debug.Stack()))
			p.finish(t, PollResult{State: PollFailed, Message: "poller fault"})
		}
	}()

	if p.now().After(t.deadline) {
		p.logger.Warn("engine job passed its deadline", "job_id", t.jobID, "external_id", t.externalID)
		p.finish(t, PollResult{State: PollTimeout})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	status, err := p.engine.FetchStatus(ctx, t.externalID)
	cancel()

	if err != nil || status == nil {
		t.failures++
		p.logger.Warn("engine status check failed", "job_id", t.jobID, "external_id", t.externalID, "failures", t.failures, "error", err)
		if t.failures >= p.cfg.MaxConsecutiveFailures {
			p.finish(t, PollResult{State: PollFailed, Message: "engine unreachable while waiting for completion"})
			return
		}
		p.reschedule(t)
		return
	}

	switch status.State {
	case model.EngineStateDone:
		p.finish(t, PollResult{State: PollDone, Outputs: status.Outputs, Message: status.Message})
	case model.EngineStateError:
		p.finish(t, PollResult{State: PollFailed, Message: status.Message})
	default:
		t.failures = 0
		p.reschedule(t)
	}
}

func (p *CompletionPoller) reschedule(t *pollTarget) {
	next := time.Duration(float64(t.interval) * p.cfg.GrowthFactor)
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	t.interval = next

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.targets[t.jobID] != t {
		return
	}
	p.scheduleLocked(t, p.boundedDelay(t, next))
}

// finish untracks t and reports res. finalize runs without p.mu held.
func (p *CompletionPoller) finish(t *pollTarget, res PollResult) {
	p.mu.Lock()
	if p.targets[t.jobID] != t {
		p.mu.Unlock()
		return
	}
	delete(p.targets, t.jobID)
	p.mu.Unlock()

	res.JobID = t.jobID
	res.ExternalID = t.externalID
	res.Attempt = t.attempt
	p.finalize(res)
}
