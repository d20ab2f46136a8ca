package journal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Uploader stores an object and returns its public location.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Archiver copies closed partitions to object storage.
type Archiver struct {
	journal Journal
	storage Uploader
	prefix  string
	logger  *slog.Logger
}

// NewArchiver returns an archiver writing under prefix (e.g. "journal").
func NewArchiver(j Journal, storage Uploader, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{journal: j, storage: storage, prefix: prefix, logger: logger}
}

// Archive uploads the partition for date. Missing partitions are skipped.
func (a *Archiver) Archive(ctx context.Context, date string) error {
	data, err := a.journal.Export(date)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	key := fmt.Sprintf("%s/jobs_%s.json", a.prefix, date)
	url, err := a.storage.Upload(ctx, key, bytes.NewReader(data), "application/json")
	if err != nil {
		return fmt.Errorf("failed to archive journal %s: %w", date, err)
	}

	a.logger.Info("journal partition archived", slog.String("date", date), slog.String("url", url))
	return nil
}
