// Package journal persists job records partitioned by calendar day.
//
// Each partition holds the jobs submitted on that date as a JSON array
// sorted by submission time. Writers never replace a partition blindly:
// Merge reads the stored records, overlays the new ones by job id
// (last write wins) and rewrites the partition.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/makeasinger/genqueue/internal/model"
)

// ErrCorrupt is returned when a stored partition cannot be decoded.
var ErrCorrupt = errors.New("journal partition corrupt")

// Journal is a day-partitioned durable store of job records.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Load returns the records of one partition. A missing partition is
	// not an error and yields no records.
	Load(date string) ([]model.Job, error)

	// Merge overlays jobs onto the partition for date.
	Merge(date string, jobs []model.Job) error

	// Export returns the encoded partition, or nil when it does not exist.
	Export(date string) ([]byte, error)

	// Close releases the underlying resources.
	Close() error
}

// mergeRecords overlays incoming onto existing by job id and returns the
// result ordered by submission time.
func mergeRecords(existing, incoming []model.Job) []model.Job {
	byID := make(map[string]model.Job, len(existing)+len(incoming))
	for _, j := range existing {
		byID[j.ID] = j
	}
	for _, j := range incoming {
		byID[j.ID] = j
	}

	merged := make([]model.Job, 0, len(byID))
	for _, j := range byID {
		merged = append(merged, j)
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].SubmittedAt.Equal(merged[b].SubmittedAt) {
			return merged[a].ID < merged[b].ID
		}
		return merged[a].SubmittedAt.Before(merged[b].SubmittedAt)
	})
	return merged
}

func decode(data []byte) ([]model.Job, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var jobs []model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return jobs, nil
}

func encode(jobs []model.Job) ([]byte, error) {
	return json.MarshalIndent(jobs, "", "  ")
}
