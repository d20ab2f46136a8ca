package scheduler

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// stripedLocks guards per-job mutations with a fixed set of mutexes keyed
// by a hash of the job id. Never hold two stripes at once: distinct jobs
// may share a stripe.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (l *stripedLocks) forJob(id string) *sync.Mutex {
	return &l.mu[xxhash.Sum64String(id)%lockStripes]
}
