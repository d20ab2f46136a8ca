package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/makeasinger/genqueue/internal/model"
)

// FileJournal stores one JSON file per date under a directory.
type FileJournal struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileJournal creates the directory if needed.
func NewFileJournal(dir string, logger *slog.Logger) (*FileJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &FileJournal{dir: dir, logger: logger}, nil
}

// Path returns the file backing the partition for date.
func (f *FileJournal) Path(date string) string {
	return filepath.Join(f.dir, "jobs_"+date+".json")
}

func (f *FileJournal) Load(date string) ([]model.Job, error) {
	data, err := f.Export(date)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (f *FileJournal) Export(date string) ([]byte, error) {
	data, err := os.ReadFile(f.Path(date))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", date, err)
	}
	return data, nil
}

func (f *FileJournal) Merge(date string, jobs []model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.Load(date)
	if err != nil {
		// An unreadable partition is replaced by what we hold in memory
		f.logger.Warn("discarding unreadable journal partition",
			slog.String("date", date), slog.Any("error", err))
		existing = nil
	}

	data, err := encode(mergeRecords(existing, jobs))
	if err != nil {
		return fmt.Errorf("failed to encode journal %s: %w", date, err)
	}

	tmp, err := os.CreateTemp(f.dir, "jobs_"+date+"_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp journal: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write journal %s: %w", date, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close journal %s: %w", date, err)
	}
	if err := os.Rename(tmp.Name(), f.Path(date)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace journal %s: %w", date, err)
	}
	return nil
}

func (f *FileJournal) Close() error { return nil }
