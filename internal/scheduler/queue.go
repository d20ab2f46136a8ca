package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/makeasinger/genqueue/internal/model"
)

type queueItem struct {
	job         *model.Job
	jobType     model.JobType
	submittedAt time.Time
	seq         uint64
	index       int
}

// itemHeap orders by submission time; seq breaks ties so no two items compare equal.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].submittedAt.Equal(h[j].submittedAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].submittedAt.Before(h[j].submittedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue holds jobs waiting for a dispatch slot, earliest submission
// first. A job id is present at most once; pushing a present id re-keys it.
// Per-type counters answer position queries without walking the heap.
type PriorityQueue struct {
	mu      sync.Mutex
	items   itemHeap
	byID    map[string]*queueItem
	counts  map[model.JobType]int
	seq     uint64
	maxSize int
	signal  chan struct{}
}

// NewPriorityQueue returns a queue admitting at most maxSize jobs (0 = unbounded).
func NewPriorityQueue(maxSize int) *PriorityQueue {
	return &PriorityQueue{
		byID:    make(map[string]*queueItem),
		counts:  make(map[model.JobType]int),
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
}

// Push admits job keyed by its current SubmittedAt. The caller must hold
// the job's lock. Returns ErrQueueFull when a new job exceeds capacity.
func (q *PriorityQueue) Push(job *model.Job) error {
	return q.push(job, false)
}

// requeue is Push without the capacity check; retries are never refused.
func (q *PriorityQueue) requeue(job *model.Job) {
	_ = q.push(job, true)
}

func (q *PriorityQueue) push(job *model.Job, force bool) error {
	q.mu.Lock()
	q.seq++
	if item, ok := q.byID[job.ID]; ok {
		q.counts[item.jobType]--
		item.jobType = job.Type
		item.submittedAt = job.SubmittedAt
		item.seq = q.seq
		item.job = job
		q.counts[item.jobType]++
		heap.Fix(&q.items, item.index)
		q.mu.Unlock()
		q.notify()
		return nil
	}

	if !force && q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}

	item := &queueItem{
		job:         job,
		jobType:     job.Type,
		submittedAt: job.SubmittedAt,
		seq:         q.seq,
	}
	heap.Push(&q.items, item)
	q.byID[job.ID] = item
	q.counts[item.jobType]++
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *PriorityQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the earliest job without waiting.
func (q *PriorityQueue) TryPop() (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	q.forget(item)
	return item.job, true
}

// Pop removes the earliest job, waiting up to timeout for one to arrive.
func (q *PriorityQueue) Pop(timeout time.Duration) (*model.Job, bool) {
	if job, ok := q.TryPop(); ok {
		return job, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if job, ok := q.TryPop(); ok {
				return job, true
			}
		case <-timer.C:
			return q.TryPop()
		}
	}
}

// Remove drops the job with id if queued.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	q.forget(item)
	return true
}

// forget drops bookkeeping for an item already removed from the heap.
func (q *PriorityQueue) forget(item *queueItem) {
	delete(q.byID, item.job.ID)
	if q.counts[item.jobType] > 0 {
		q.counts[item.jobType]--
	}
}

// Contains reports whether id is waiting in the queue.
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of waiting jobs.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CountByType returns the number of waiting jobs of type t.
func (q *PriorityQueue) CountByType(t model.JobType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[t]
}

// Drain empties the queue and returns its jobs in priority order.
func (q *PriorityQueue) Drain() []*model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*model.Job, 0, len(q.items))
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		q.forget(item)
		jobs = append(jobs, item.job)
	}
	return jobs
}
