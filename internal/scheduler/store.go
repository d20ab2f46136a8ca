package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/makeasinger/genqueue/internal/journal"
	"github.com/makeasinger/genqueue/internal/model"
)

// JobStore owns the in-memory job table and its journal. Live *model.Job
// values returned by get may only be read or written under the job's
// stripe lock; everything handed outside the package is a Clone.
type JobStore struct {
	locks stripedLocks

	mu   sync.RWMutex
	jobs map[string]*model.Job

	runMu   sync.Mutex
	running map[string]model.JobType

	journal journal.Journal
	cache   *ristretto.Cache
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger

	saveMu    sync.Mutex
	carryDay  string
	carried   map[string]struct{} // ids written into carryDay's partition from older dates
	saveCh    chan struct{}
	closeCh   chan struct{}
	saverDone chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newJobStore(j journal.Journal, cacheSize int, loc *time.Location, now func() time.Time, logger *slog.Logger) (*JobStore, error) {
	s := &JobStore{
		jobs:      make(map[string]*model.Job),
		running:   make(map[string]model.JobType),
		carried:   make(map[string]struct{}),
		journal:   j,
		loc:       loc,
		now:       now,
		logger:    logger,
		saveCh:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		saverDone: make(chan struct{}),
	}

	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(cacheSize) * 10,
			MaxCost:     int64(cacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create partition cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *JobStore) lockFor(id string) *sync.Mutex {
	return s.locks.forJob(id)
}

func (s *JobStore) get(id string) (*model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *JobStore) put(job *model.Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
}

// snapshot returns a consistent copy of one job.
func (s *JobStore) snapshot(id string) (model.Job, bool) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, ok := s.get(id)
	if !ok {
		return model.Job{}, false
	}
	return job.Clone(), true
}

// snapshotAll copies every job, each under its own stripe lock.
func (s *JobStore) snapshotAll() []model.Job {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.snapshot(id); ok {
			out = append(out, job)
		}
	}
	return out
}

func (s *JobStore) markRunning(id string, t model.JobType) {
	s.runMu.Lock()
	s.running[id] = t
	s.runMu.Unlock()
}

func (s *JobStore) clearRunning(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

func (s *JobStore) isRunning(id string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *JobStore) runningCount() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.running)
}

func (s *JobStore) runningCountByType(t model.JobType) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	n := 0
	for _, jt := range s.running {
		if jt == t {
			n++
		}
	}
	return n
}

func (s *JobStore) dayStart(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

func (s *JobStore) today() string {
	return s.now().In(s.loc).Format(model.DateLayout)
}

func (s *JobStore) yesterday() string {
	return s.dayStart(s.now()).AddDate(0, 0, -1).Format(model.DateLayout)
}

// isHotDate reports whether date is served from memory rather than the journal.
func (s *JobStore) isHotDate(date string) bool {
	return date == s.today() || date == s.yesterday()
}

// startSaver launches the background writer behind saveAsync.
func (s *JobStore) startSaver() {
	s.startOnce.Do(func() {
		go s.saveLoop()
	})
}

func (s *JobStore) saveLoop() {
	defer close(s.saverDone)
	for {
		select {
		case <-s.saveCh:
			if err := s.flush(); err != nil {
				s.logger.Error("journal save failed", "error", err)
			}
		case <-s.closeCh:
			return
		}
	}
}

// saveAsync requests a save without blocking. Requests arriving while a
// save is in flight collapse into one follow-up save.
func (s *JobStore) saveAsync() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// flush writes every in-memory job into its date partition. Queued jobs
// from earlier days are also carried into today's partition so the next
// startup still finds them; once carried, a job keeps being written there
// until the day changes.
func (s *JobStore) flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	today := s.today()
	if s.carryDay != today {
		s.carryDay = today
		s.carried = make(map[string]struct{})
	}

	byDate := make(map[string][]model.Job)
	for _, job := range s.snapshotAll() {
		date := job.Date(s.loc)
		byDate[date] = append(byDate[date], job)
		if date == today {
			continue
		}
		_, wasCarried := s.carried[job.ID]
		if job.Status == model.JobStatusQueued || wasCarried {
			s.carried[job.ID] = struct{}{}
			byDate[today] = append(byDate[today], job)
		}
	}

	var firstErr error
	for date, jobs := range byDate {
		if err := s.journal.Merge(date, jobs); err != nil {
			s.logger.Error("failed to merge journal partition", "date", date, "jobs", len(jobs), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s.cache != nil {
			s.cache.Del(date)
		}
	}
	return firstErr
}

// close stops the saver and performs a final synchronous save.
func (s *JobStore) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		// saver never started
		s.startOnce.Do(func() { close(s.saverDone) })
		<-s.saverDone
		err = s.flush()
		if s.cache != nil {
			s.cache.Close()
		}
	})
	return err
}

// loadPartition reads one date from the journal into memory. Jobs already
// in memory are replaced by the loaded record. Returns the loaded jobs.
func (s *JobStore) loadPartition(date string) ([]*model.Job, error) {
	records, err := s.journal.Load(date)
	if err != nil {
		return nil, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.carryDay != date {
		s.carryDay = date
		s.carried = make(map[string]struct{})
	}

	loaded := make([]*model.Job, 0, len(records))
	for i := range records {
		job := records[i]
		if job.ID == "" || job.Type == "" {
			s.logger.Warn("skipping malformed journal record", "date", date, "index", i)
			continue
		}
		if job.OutputRefs == nil {
			job.OutputRefs = []string{}
		}
		if job.Date(s.loc) != date {
			s.carried[job.ID] = struct{}{}
		}
		s.put(&job)
		loaded = append(loaded, &job)
	}
	return loaded, nil
}

// loadForDate returns the jobs submitted on date. Today and yesterday come
// from memory; older dates are read from the journal through the cache.
func (s *JobStore) loadForDate(date string) (map[string]model.Job, error) {
	if _, err := time.ParseInLocation(model.DateLayout, date, s.loc); err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidArgument, date)
	}

	if s.isHotDate(date) {
		out := make(map[string]model.Job)
		for _, job := range s.snapshotAll() {
			if job.Date(s.loc) == date {
				out[job.ID] = job
			}
		}
		return out, nil
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(date); ok {
			return cloneJobMap(v.(map[string]model.Job)), nil
		}
	}

	records, err := s.journal.Load(date)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Job, len(records))
	for _, job := range records {
		out[job.ID] = job
	}

	if s.cache != nil {
		s.cache.Set(date, cloneJobMap(out), 1)
		s.cache.Wait()
	}
	return out, nil
}

// evict drops terminal jobs submitted before cutoff from memory and returns
// the affected dates, oldest first.
func (s *JobStore) evict(cutoff time.Time) []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	dates := make(map[string]struct{})
	for _, id := range ids {
		mu := s.lockFor(id)
		mu.Lock()
		job, ok := s.get(id)
		if ok && job.Status.IsTerminal() && job.SubmittedAt.Before(cutoff) {
			dates[job.Date(s.loc)] = struct{}{}
			s.mu.Lock()
			delete(s.jobs, id)
			s.mu.Unlock()
		}
		mu.Unlock()
	}

	out := make([]string, 0, len(dates))
	for d := range dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func cloneJobMap(in map[string]model.Job) map[string]model.Job {
	out := make(map[string]model.Job, len(in))
	for id, job := range in {
		out[id] = job.Clone()
	}
	return out
}
