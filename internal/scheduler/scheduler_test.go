package scheduler_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/makeasinger/genqueue/internal/config"
	"github.com/makeasinger/genqueue/internal/journal"
	"github.com/makeasinger/genqueue/internal/model"
	"github.com/makeasinger/genqueue/internal/scheduler"
)

type harness struct {
	sched    *scheduler.Scheduler
	journal  *journal.FileJournal
	engine   *fakeEngine
	notifier *fakeNotifier
	observer *recordingObserver
}

func testConfig() (config.SchedulerConfig, config.PollerConfig) {
	return config.SchedulerConfig{
			MaxConcurrent:    2,
			MaxRetries:       2,
			ExecutionTimeout: 2 * time.Second,
			QueueSize:        100,
			DispatchInterval: 5 * time.Millisecond,
			RotationInterval: time.Hour,
		}, config.PollerConfig{
			InitialInterval:        10 * time.Millisecond,
			MaxInterval:            40 * time.Millisecond,
			GrowthFactor:           1.5,
			MaxConsecutiveFailures: 3,
			RequestTimeout:         time.Second,
		}
}

func newHarness(cfg config.SchedulerConfig, pollCfg config.PollerConfig, engine *fakeEngine, opts ...scheduler.Option) *harness {
	j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
	Expect(err).NotTo(HaveOccurred())
	return newHarnessWithJournal(j, cfg, pollCfg, engine, opts...)
}

func newHarnessWithJournal(j *journal.FileJournal, cfg config.SchedulerConfig, pollCfg config.PollerConfig, engine *fakeEngine, opts ...scheduler.Option) *harness {
	if engine == nil {
		engine = newFakeEngine(alwaysPending)
	}
	h := &harness{
		journal:  j,
		engine:   engine,
		notifier: &fakeNotifier{},
		observer: &recordingObserver{},
	}
	opts = append([]scheduler.Option{
		scheduler.WithLogger(testLogger()),
		scheduler.WithNotifier(h.notifier),
		scheduler.WithObserver(h.observer),
	}, opts...)

	sched, err := scheduler.New(cfg, pollCfg, j, engine, opts...)
	Expect(err).NotTo(HaveOccurred())
	h.sched = sched

	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return h
}

func (h *harness) start() *scheduler.RecoveryReport {
	report, err := h.sched.Start(context.Background())
	Expect(err).NotTo(HaveOccurred())
	return report
}

func (h *harness) status(id string) func() model.JobStatus {
	return func() model.JobStatus {
		st, err := h.sched.GetStatus(id)
		if err != nil {
			return ""
		}
		return st.Status
	}
}

func (h *harness) mustStatus(id string) *model.JobStatusResponse {
	st, err := h.sched.GetStatus(id)
	Expect(err).NotTo(HaveOccurred())
	return st
}

func succeed(context.Context, model.WorkRequest) (*model.WorkResult, error) {
	return &model.WorkResult{Success: true, OutputRefs: []string{"out/result.png"}}, nil
}

func fail(context.Context, model.WorkRequest) (*model.WorkResult, error) {
	return nil, errors.New("engine busy")
}

func submitToEngine(_ context.Context, req model.WorkRequest) (*model.WorkResult, error) {
	return &model.WorkResult{Pending: true, ExternalID: "ext-" + req.JobID}, nil
}

var _ = Describe("Scheduler", func() {
	Describe("Enqueue", func() {
		It("acknowledges with a position and an estimate", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, map[string]any{"prompt": "a cat"}, succeed)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.JobID).NotTo(BeEmpty())
			Expect(resp.Status).To(Equal(model.JobStatusQueued))
			Expect(resp.QueuePosition).To(Equal(1))
			Expect(resp.EstimatedWaitSeconds).To(BeNumerically(">", 0))

			st := h.mustStatus(resp.JobID)
			Expect(st.Status).To(Equal(model.JobStatusQueued))
			Expect(st.QueuePosition).NotTo(BeNil())
		})

		It("rejects a job type with no registered work function", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)

			_, err := h.sched.Enqueue("", model.JobTypeChangeFace, nil, nil)
			Expect(err).To(MatchError(scheduler.ErrUnknownJobType))

			_, err = h.sched.Enqueue("", "", nil, succeed)
			Expect(err).To(MatchError(scheduler.ErrInvalidArgument))
		})

		It("runs the registered work function when none is passed", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			h.sched.Handle(model.JobTypeTextToAudio, succeed)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToAudio, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusSuccess))
			Expect(h.mustStatus(resp.JobID).OutputRefs).To(Equal([]string{"out/result.png"}))
		})

		It("refuses new jobs once the queue is full", func() {
			cfg, pollCfg := testConfig()
			cfg.QueueSize = 1
			h := newHarness(cfg, pollCfg, nil)

			_, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).To(MatchError(scheduler.ErrQueueFull))
		})

		It("merges a re-submission into the existing job", func() {
			cfg, pollCfg := testConfig()
			clock := &manualClock{now: time.Now()}
			h := newHarness(cfg, pollCfg, nil, scheduler.WithClock(clock.Now))
			first := clock.Now()

			_, err := h.sched.Enqueue("job-1", model.JobTypeTextToImage, map[string]any{"prompt": "a cat"}, succeed)
			Expect(err).NotTo(HaveOccurred())

			clock.Set(first.Add(time.Second))
			_, err = h.sched.Enqueue("job-1", model.JobTypeTextToImage, map[string]any{"seed": 7}, succeed)
			Expect(err).NotTo(HaveOccurred())

			jobs, err := h.sched.ListJobs(model.JobFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].SubmittedAt).To(BeTemporally("==", first.Add(time.Second)))
			Expect(jobs[0].Prompt).To(Equal("a cat"))
			Expect(h.sched.GetQueueSnapshot("").QueuedCount).To(Equal(1))

			Expect(h.sched.Stop(context.Background())).To(Succeed())
			records, err := h.journal.Load(first.Format(model.DateLayout))
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Params).To(HaveKeyWithValue("prompt", "a cat"))
			Expect(records[0].Params).To(HaveKeyWithValue("seed", BeNumerically("==", 7)))
			Expect(records[0].Status).To(Equal(model.JobStatusQueued))
		})

		It("refuses to re-submit a running job", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			release := make(chan struct{})
			blocking := func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				<-release
				return &model.WorkResult{Success: true}, nil
			}
			h.start()

			_, err := h.sched.Enqueue("busy", model.JobTypeTextToImage, nil, blocking)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status("busy")).Should(Equal(model.JobStatusRunning))

			_, err = h.sched.Enqueue("busy", model.JobTypeTextToImage, nil, blocking)
			Expect(err).To(MatchError(scheduler.ErrJobActive))

			close(release)
			Eventually(h.status("busy")).Should(Equal(model.JobStatusSuccess))
		})

		It("fails fast after Stop", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			Expect(h.sched.Stop(context.Background())).To(Succeed())

			_, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).To(MatchError(scheduler.ErrStopped))
		})
	})

	Describe("Dispatching", func() {
		It("never runs more than MaxConcurrent jobs at once", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			var current, peak int32
			work := func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return &model.WorkResult{Success: true}, nil
			}

			stopSampling := make(chan struct{})
			var sampledMax int32
			go func() {
				for {
					select {
					case <-stopSampling:
						return
					default:
					}
					if n := int32(h.sched.GetQueueSnapshot("").RunningCount); n > atomic.LoadInt32(&sampledMax) {
						atomic.StoreInt32(&sampledMax, n)
					}
					time.Sleep(time.Millisecond)
				}
			}()

			const total = 30
			ids := make([]string, total)
			var wg sync.WaitGroup
			for i := 0; i < total; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, work)
					Expect(err).NotTo(HaveOccurred())
					ids[i] = resp.JobID
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				Eventually(h.status(id), 5*time.Second).Should(Equal(model.JobStatusSuccess))
			}
			close(stopSampling)

			Expect(atomic.LoadInt32(&peak)).To(BeNumerically("<=", cfg.MaxConcurrent))
			Expect(atomic.LoadInt32(&sampledMax)).To(BeNumerically("<=", cfg.MaxConcurrent))
			Expect(h.sched.GetQueueSnapshot("")).To(Equal(model.QueueSnapshot{MaxConcurrent: cfg.MaxConcurrent}))
		})

		It("publishes every transition to observers", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusSuccess))

			Eventually(func() []model.JobStatus { return h.observer.For(resp.JobID) }).Should(ConsistOf(
				model.JobStatusQueued, model.JobStatusRunning, model.JobStatusSuccess,
			))
			statuses := h.observer.For(resp.JobID)
			Expect(statuses[len(statuses)-1]).To(Equal(model.JobStatusSuccess))
		})
	})

	Describe("Retry policy", func() {
		It("fails a job for good after exactly MaxRetries+1 attempts", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			var calls int32
			work := func(ctx context.Context, req model.WorkRequest) (*model.WorkResult, error) {
				atomic.AddInt32(&calls, 1)
				return fail(ctx, req)
			}

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, work)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusFailed))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(cfg.MaxRetries + 1)))

			st := h.mustStatus(resp.JobID)
			Expect(st.AttemptCount).To(Equal(cfg.MaxRetries + 1))
			Expect(st.Message).To(ContainSubstring("engine busy"))
			Expect(st.FinishedAt).NotTo(BeNil())

			Eventually(h.notifier.Sent).Should(ConsistOf(notification{
				jobID:    resp.JobID,
				message:  st.Message,
				attempts: cfg.MaxRetries + 1,
			}))
		})

		It("does not retry a permanent failure", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			var calls int32
			work := func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				atomic.AddInt32(&calls, 1)
				return &model.WorkResult{Permanent: true, Message: "prompt rejected"}, nil
			}

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, work)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusFailed))
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
			Expect(h.mustStatus(resp.JobID).Message).To(Equal("prompt rejected"))
		})

		It("treats a timed-out attempt as a failure", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxRetries = 0
			cfg.ExecutionTimeout = 50 * time.Millisecond
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			cooperative := func(ctx context.Context, _ model.WorkRequest) (*model.WorkResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			stubborn := func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				time.Sleep(300 * time.Millisecond)
				return &model.WorkResult{Success: true}, nil
			}

			a, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, cooperative)
			Expect(err).NotTo(HaveOccurred())
			b, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, stubborn)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(a.JobID)).Should(Equal(model.JobStatusFailed))
			Eventually(h.status(b.JobID)).Should(Equal(model.JobStatusFailed))
			Expect(h.mustStatus(a.JobID).Message).To(ContainSubstring("timed out"))
			Expect(h.mustStatus(b.JobID).Message).To(ContainSubstring("timed out"))

			// the late result of the abandoned attempt is ignored
			Consistently(h.status(b.JobID), 400*time.Millisecond).Should(Equal(model.JobStatusFailed))
		})

		It("turns a panicking work function into a failed job", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxRetries = 0
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				panic("nil workflow")
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusFailed))
			Expect(h.mustStatus(resp.JobID).Message).To(ContainSubstring("panic: nil workflow"))
			Expect(h.sched.GetQueueSnapshot("").RunningCount).To(Equal(0))
		})

		It("runs a failing job before a later one, then lets the later one through", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxConcurrent = 1
			cfg.MaxRetries = 2
			h := newHarness(cfg, pollCfg, nil)

			var mu sync.Mutex
			var order []string
			record := func(id string, res *model.WorkResult, err error) model.WorkFunc {
				return func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
					mu.Lock()
					order = append(order, id)
					mu.Unlock()
					return res, err
				}
			}

			_, err := h.sched.Enqueue("A", model.JobTypeTextToImage, nil, record("A", nil, errors.New("always fails")))
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(time.Millisecond)
			_, err = h.sched.Enqueue("B", model.JobTypeTextToImage, nil, record("B", &model.WorkResult{Success: true}, nil))
			Expect(err).NotTo(HaveOccurred())
			h.start()

			Eventually(h.status("A")).Should(Equal(model.JobStatusFailed))
			Eventually(h.status("B")).Should(Equal(model.JobStatusSuccess))

			mu.Lock()
			defer mu.Unlock()
			Expect(order[0]).To(Equal("A"))
			Expect(order).To(HaveLen(4))
			Expect(countOf(order, "A")).To(Equal(3))
			Expect(countOf(order, "B")).To(Equal(1))

			Expect(h.mustStatus("A").AttemptCount).To(Equal(3))
			Expect(h.mustStatus("B").AttemptCount).To(Equal(1))

			snap := h.sched.GetQueueSnapshot("")
			Expect(snap.RunningCount).To(Equal(0))
			Expect(snap.QueuedCount).To(Equal(0))
		})
	})

	Describe("Completion polling", func() {
		It("keeps a submitted job running until the engine reports done", func() {
			cfg, pollCfg := testConfig()
			engine := newFakeEngine(func(_ string, call int) (*model.EngineStatus, error) {
				if call < 3 {
					return &model.EngineStatus{State: model.EngineStatePending}, nil
				}
				return &model.EngineStatus{State: model.EngineStateDone, Outputs: []string{"renders/a.mp4"}}, nil
			})
			h := newHarness(cfg, pollCfg, engine)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToVideo, nil, submitToEngine)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusSuccess))
			st := h.mustStatus(resp.JobID)
			Expect(st.OutputRefs).To(Equal([]string{"renders/a.mp4"}))
			Expect(st.AttemptCount).To(Equal(1))
			Expect(engine.Calls("ext-" + resp.JobID)).To(Equal(3))
			Eventually(h.notifier.Sent).Should(ConsistOf(notification{jobID: resp.JobID, success: true}))
		})

		It("holds the concurrency slot while polling", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxConcurrent = 1
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			first, err := h.sched.Enqueue("", model.JobTypeTextToVideo, nil, submitToEngine)
			Expect(err).NotTo(HaveOccurred())
			second, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int { return h.engine.Calls("ext-" + first.JobID) }).Should(BeNumerically(">=", 2))
			Consistently(h.status(second.JobID), 100*time.Millisecond).Should(Equal(model.JobStatusQueued))
			Expect(h.sched.GetQueueSnapshot("").RunningCount).To(Equal(1))
		})

		It("fails a job the engine never finishes once its deadline passes", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxRetries = 0
			cfg.ExecutionTimeout = 300 * time.Millisecond
			h := newHarness(cfg, pollCfg, nil)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToVideo, nil, submitToEngine)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID), 2*time.Second).Should(Equal(model.JobStatusFailed))
			st := h.mustStatus(resp.JobID)
			Expect(st.Message).To(ContainSubstring("deadline"))
			elapsed := st.FinishedAt.Sub(*st.StartedAt)
			Expect(elapsed).To(BeNumerically(">=", cfg.ExecutionTimeout))
			Expect(elapsed).To(BeNumerically("<", cfg.ExecutionTimeout+pollCfg.MaxInterval+200*time.Millisecond))

			calls := h.engine.Calls("ext-" + resp.JobID)
			Consistently(func() int { return h.engine.Calls("ext-" + resp.JobID) }, 150*time.Millisecond).Should(Equal(calls))
		})

		It("gives up after consecutive engine errors", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxRetries = 0
			engine := newFakeEngine(func(string, int) (*model.EngineStatus, error) {
				return nil, errors.New("connection refused")
			})
			h := newHarness(cfg, pollCfg, engine)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, submitToEngine)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusFailed))
			Expect(engine.Calls("ext-" + resp.JobID)).To(Equal(pollCfg.MaxConsecutiveFailures))
			Expect(h.mustStatus(resp.JobID).Message).To(ContainSubstring("engine unreachable"))
		})

		It("retries when the engine reports an error", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxRetries = 1
			engine := newFakeEngine(func(string, int) (*model.EngineStatus, error) {
				return &model.EngineStatus{State: model.EngineStateError, Message: "out of memory"}, nil
			})
			h := newHarness(cfg, pollCfg, engine)
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeImageToImage, nil, submitToEngine)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusFailed))
			st := h.mustStatus(resp.JobID)
			Expect(st.AttemptCount).To(Equal(2))
			Expect(st.Message).To(ContainSubstring("out of memory"))
		})
	})

	Describe("UpdateStatus", func() {
		It("moves a queued job straight to a terminal status", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())

			st, err := h.sched.UpdateStatus(resp.JobID, model.JobStatusSuccess, "finished elsewhere", []string{"x.png"})
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Status).To(Equal(model.JobStatusSuccess))
			Expect(st.FinishedAt).NotTo(BeNil())
			Expect(st.OutputRefs).To(Equal([]string{"x.png"}))
			Expect(h.sched.GetQueueSnapshot("").QueuedCount).To(Equal(0))
		})

		It("reports unknown jobs and statuses", func() {
			cfg, pollCfg := testConfig()
			h := newHarness(cfg, pollCfg, nil)

			_, err := h.sched.UpdateStatus("missing", model.JobStatusFailed, "", nil)
			Expect(err).To(MatchError(scheduler.ErrJobNotFound))

			_, err = h.sched.GetStatus("missing")
			Expect(err).To(MatchError(scheduler.ErrJobNotFound))

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.sched.UpdateStatus(resp.JobID, "paused", "", nil)
			Expect(err).To(MatchError(scheduler.ErrInvalidArgument))
		})
	})

	Describe("Recovery", func() {
		It("re-queues, re-attaches or fails each journaled job by its state", func() {
			cfg, pollCfg := testConfig()
			cfg.MaxConcurrent = 1
			cfg.MaxRetries = 3
			cfg.ExecutionTimeout = time.Minute

			j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
			Expect(err).NotTo(HaveOccurred())

			now := time.Now()
			at := func(offset time.Duration) *time.Time {
				t := now.Add(offset)
				return &t
			}
			record := func(id string, secondsAgo int, status model.JobStatus, attempts int) model.Job {
				return model.Job{
					ID:           id,
					Type:         model.JobTypeTextToImage,
					SubmittedAt:  now.Add(-time.Duration(secondsAgo) * time.Second),
					Status:       status,
					AttemptCount: attempts,
					OutputRefs:   []string{},
				}
			}

			queued := record("queued", 9, model.JobStatusQueued, 0)
			runNoExt := record("running-no-ext", 8, model.JobStatusRunning, 1)
			runNoExt.StartedAt = at(-5 * time.Second)
			runExt := record("running-ext", 7, model.JobStatusRunning, 1)
			runExt.StartedAt = at(-5 * time.Second)
			runExt.ExternalID = "ext-running"
			runNoStart := record("running-no-start", 6, model.JobStatusRunning, 0)
			runExpired := record("running-expired", 5, model.JobStatusRunning, 1)
			runExpired.StartedAt = at(-2 * time.Hour)
			runExpired.ExternalID = "ext-expired"
			failedUnder := record("failed-under", 4, model.JobStatusFailed, 1)
			failedUnder.FinishedAt = at(-time.Second)
			failedOver := record("failed-over", 3, model.JobStatusFailed, 4)
			failedOver.FinishedAt = at(-time.Second)
			failedOver.Message = "failed after 4 attempts"
			done := record("success", 2, model.JobStatusSuccess, 1)
			done.StartedAt = at(-3 * time.Second)
			done.FinishedAt = at(-2 * time.Second)

			Expect(j.Merge(now.Format(model.DateLayout), []model.Job{
				queued, runNoExt, runExt, runNoStart, runExpired, failedUnder, failedOver, done,
			})).To(Succeed())

			h := newHarnessWithJournal(j, cfg, pollCfg, nil)
			h.sched.Handle(model.JobTypeTextToImage, succeed)
			report := h.start()

			Expect(report.Requeued).To(Equal([]string{"queued", "running-no-ext", "running-no-start"}))
			Expect(report.Reattached).To(Equal([]string{"running-ext"}))
			Expect(report.Retried).To(Equal([]string{"running-expired", "failed-under"}))
			Expect(report.Failed).To(Equal([]string{"failed-over"}))
			Expect(report.Untouched).To(Equal([]string{"success"}))

			// the re-attached job holds the only slot, so nothing else starts
			Eventually(func() int { return h.engine.Calls("ext-running") }).Should(BeNumerically(">=", 1))
			snap := h.sched.GetQueueSnapshot("")
			Expect(snap.RunningCount).To(Equal(1))
			Expect(snap.QueuedCount).To(Equal(5))

			Expect(h.mustStatus("running-ext").Status).To(Equal(model.JobStatusRunning))
			Expect(h.mustStatus("success").Status).To(Equal(model.JobStatusSuccess))
			Expect(h.mustStatus("failed-over").Status).To(Equal(model.JobStatusFailed))
			Expect(h.mustStatus("running-no-start").Status).To(Equal(model.JobStatusQueued))
			Expect(h.mustStatus("running-expired").AttemptCount).To(Equal(1))

			Eventually(h.notifier.Sent).Should(ConsistOf(notification{
				jobID:    "failed-over",
				message:  "failed after 4 attempts",
				attempts: 4,
			}))
		})

		It("leaves a failure that ruled out retries alone after a restart", func() {
			cfg, pollCfg := testConfig()
			j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
			Expect(err).NotTo(HaveOccurred())

			var calls int32
			rejected := func(context.Context, model.WorkRequest) (*model.WorkResult, error) {
				atomic.AddInt32(&calls, 1)
				return &model.WorkResult{Permanent: true, Message: "engine rejected workflow"}, nil
			}

			first := newHarnessWithJournal(j, cfg, pollCfg, nil)
			first.sched.Handle(model.JobTypeTextToImage, rejected)
			_, err = first.sched.Enqueue("manual", model.JobTypeTextToImage, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = first.sched.UpdateStatus("manual", model.JobStatusFailed, "cancelled by operator", nil)
			Expect(err).NotTo(HaveOccurred())
			first.start()

			_, err = first.sched.Enqueue("perm", model.JobTypeTextToImage, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(first.status("perm")).Should(Equal(model.JobStatusFailed))
			Eventually(first.notifier.Sent).Should(HaveLen(1))
			Expect(first.sched.Stop(context.Background())).To(Succeed())

			second := newHarnessWithJournal(j, cfg, pollCfg, nil)
			second.sched.Handle(model.JobTypeTextToImage, rejected)
			report := second.start()

			Expect(report.Retried).To(BeEmpty())
			Expect(report.Failed).To(BeEmpty())
			Expect(report.Untouched).To(ConsistOf("manual", "perm"))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(1)))
			Expect(second.notifier.Sent()).To(BeEmpty())
			Expect(second.mustStatus("perm").Status).To(Equal(model.JobStatusFailed))
			Expect(second.mustStatus("manual").Message).To(Equal("cancelled by operator"))
		})

		It("recovers jobs left queued or running late yesterday", func() {
			cfg, pollCfg := testConfig()
			day := time.Date(2026, 5, 11, 0, 5, 0, 0, time.Local)
			clock := &manualClock{now: day}
			lateYesterday := day.Add(-10 * time.Minute)

			j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Merge(lateYesterday.Format(model.DateLayout), []model.Job{
				{ID: "late-queued", Type: model.JobTypeTextToImage, SubmittedAt: lateYesterday, Status: model.JobStatusQueued, OutputRefs: []string{}},
				{ID: "late-running", Type: model.JobTypeTextToImage, SubmittedAt: lateYesterday.Add(time.Second), Status: model.JobStatusRunning, AttemptCount: 1, OutputRefs: []string{}},
				{ID: "late-done", Type: model.JobTypeTextToImage, SubmittedAt: lateYesterday.Add(2 * time.Second), Status: model.JobStatusSuccess, AttemptCount: 1, OutputRefs: []string{}},
			})).To(Succeed())

			h := newHarnessWithJournal(j, cfg, pollCfg, nil, scheduler.WithClock(clock.Now))
			h.sched.Handle(model.JobTypeTextToImage, succeed)
			report := h.start()

			Expect(report.Requeued).To(Equal([]string{"late-queued", "late-running"}))
			Expect(report.Untouched).To(BeEmpty())
			Eventually(h.status("late-queued")).Should(Equal(model.JobStatusSuccess))
			Eventually(h.status("late-running")).Should(Equal(model.JobStatusSuccess))
			Expect(h.mustStatus("late-done").Status).To(Equal(model.JobStatusSuccess))

			_, err = h.sched.Enqueue("late-running", model.JobTypeTextToImage, nil, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("starts with an unreadable partition for today", func() {
			cfg, pollCfg := testConfig()
			j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
			Expect(err).NotTo(HaveOccurred())

			today := time.Now().Format(model.DateLayout)
			Expect(os.WriteFile(j.Path(today), []byte("[{\"jobId\": trunc"), 0o644)).To(Succeed())

			h := newHarnessWithJournal(j, cfg, pollCfg, nil)
			h.sched.Handle(model.JobTypeTextToImage, succeed)
			report := h.start()
			Expect(report.Requeued).To(BeEmpty())
			Expect(report.Untouched).To(BeEmpty())

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusSuccess))

			Expect(h.sched.Stop(context.Background())).To(Succeed())
			records, err := j.Load(today)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(resp.JobID))
		})
	})

	Describe("Rotation", func() {
		It("moves old finished jobs out of memory and archives their partition", func() {
			cfg, pollCfg := testConfig()
			day := time.Date(2026, 5, 10, 10, 0, 0, 0, time.Local)
			clock := &manualClock{now: day}
			archiver := &fakeArchiver{}
			h := newHarness(cfg, pollCfg, nil, scheduler.WithClock(clock.Now), scheduler.WithArchiver(archiver))
			h.start()

			resp, err := h.sched.Enqueue("", model.JobTypeTextToImage, map[string]any{"prompt": "old"}, succeed)
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.status(resp.JobID)).Should(Equal(model.JobStatusSuccess))

			clock.Set(day.AddDate(0, 0, 1))
			Expect(h.sched.Rotate(context.Background())).To(BeEmpty())

			clock.Set(day.AddDate(0, 0, 3))
			date := day.Format(model.DateLayout)
			Expect(h.sched.Rotate(context.Background())).To(Equal([]string{date}))
			Expect(archiver.Dates()).To(Equal([]string{date}))

			_, err = h.sched.GetStatus(resp.JobID)
			Expect(err).To(MatchError(scheduler.ErrJobNotFound))

			jobs, err := h.sched.ListJobs(model.JobFilter{Date: date})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].JobID).To(Equal(resp.JobID))
			Expect(jobs[0].Status).To(Equal(model.JobStatusSuccess))
			Expect(jobs[0].Prompt).To(Equal("old"))

			_, err = h.sched.ListJobs(model.JobFilter{Date: "10/05/2026"})
			Expect(err).To(MatchError(scheduler.ErrInvalidArgument))
		})

		It("carries still-queued jobs into today's partition for the next start", func() {
			cfg, pollCfg := testConfig()
			day := time.Date(2026, 5, 10, 23, 0, 0, 0, time.Local)
			clock := &manualClock{now: day}

			j, err := journal.NewFileJournal(GinkgoT().TempDir(), testLogger())
			Expect(err).NotTo(HaveOccurred())

			// never started, so the job cannot leave the queue
			first := newHarnessWithJournal(j, cfg, pollCfg, nil, scheduler.WithClock(clock.Now))
			resp, err := first.sched.Enqueue("stuck", model.JobTypeTextToImage, nil, succeed)
			Expect(err).NotTo(HaveOccurred())

			next := day.AddDate(0, 0, 2)
			clock.Set(next)
			Expect(first.sched.Rotate(context.Background())).To(BeEmpty())
			Expect(first.sched.Stop(context.Background())).To(Succeed())

			records, err := j.Load(next.Format(model.DateLayout))
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(resp.JobID))
			Expect(records[0].SubmittedAt.Equal(day)).To(BeTrue())

			second := newHarnessWithJournal(j, cfg, pollCfg, nil, scheduler.WithClock(clock.Now))
			second.sched.Handle(model.JobTypeTextToImage, succeed)
			report := second.start()
			Expect(report.Requeued).To(Equal([]string{"stuck"}))
			Eventually(second.status("stuck")).Should(Equal(model.JobStatusSuccess))
		})
	})
})

type fakeArchiver struct {
	mu    sync.Mutex
	dates []string
}

func (a *fakeArchiver) Archive(_ context.Context, date string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dates = append(a.dates, date)
	return nil
}

func (a *fakeArchiver) Dates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dates...)
}

func countOf(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}
