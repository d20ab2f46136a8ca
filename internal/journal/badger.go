package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/makeasinger/genqueue/internal/model"
)

const badgerKeyPrefix = "journal/"

// BadgerJournal keeps each partition as a single value keyed by date.
type BadgerJournal struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerJournal opens (or creates) a BadgerDB directory.
func NewBadgerJournal(dir string, logger *slog.Logger) (*BadgerJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger has its own logger interface

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerJournal{db: db, logger: logger}, nil
}

func partitionKey(date string) []byte {
	return []byte(badgerKeyPrefix + date)
}

func (b *BadgerJournal) Load(date string) ([]model.Job, error) {
	data, err := b.Export(date)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (b *BadgerJournal) Export(date string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(partitionKey(date))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", date, err)
	}
	return data, nil
}

func (b *BadgerJournal) Merge(date string, jobs []model.Job) error {
	return b.retryUpdate(context.Background(), func(txn *badger.Txn) error {
		var existing []model.Job
		item, err := txn.Get(partitionKey(date))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if existing, err = decode(raw); err != nil {
				b.logger.Warn("discarding unreadable journal partition",
					slog.String("date", date), slog.Any("error", err))
				existing = nil
			}
		}

		data, err := encode(mergeRecords(existing, jobs))
		if err != nil {
			return err
		}
		return txn.Set(partitionKey(date), data)
	})
}

// retryUpdate retries an update on transaction conflicts.
func (b *BadgerJournal) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 20
	const retryDelay = 2 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("journal update failed after %d retries: %w", maxRetries, lastErr)
}

func (b *BadgerJournal) Close() error {
	return b.db.Close()
}
