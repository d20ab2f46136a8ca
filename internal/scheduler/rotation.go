package scheduler

import (
	"context"
	"time"
)

func (s *Scheduler) rotationLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Rotate(context.Background())
		}
	}
}

// Rotate flushes the journal, drops terminal jobs submitted before
// yesterday from memory and archives their partitions. It returns the
// dates that were rotated out.
func (s *Scheduler) Rotate(ctx context.Context) []string {
	if err := s.store.flush(); err != nil {
		s.logger.Error("skipping rotation, journal flush failed", "error", err)
		return nil
	}

	cutoff := s.store.dayStart(s.now()).AddDate(0, 0, -1)
	dates := s.store.evict(cutoff)
	if len(dates) == 0 {
		return nil
	}
	s.logger.Info("rotated journal partitions out of memory", "dates", dates)

	if s.archiver == nil {
		return dates
	}
	for _, date := range dates {
		if err := s.archiver.Archive(ctx, date); err != nil {
			s.logger.Error("failed to archive partition", "date", date, "error", err)
		}
	}
	return dates
}
