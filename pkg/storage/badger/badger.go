// Package badger provides a Badger-based archive and dead-letter store.
package badger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	InMemory          bool
}

// BadgerStorage implements storage.ArchiveStore and storage.DeadLetterStore.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

const sep = "\x00"

// Key generation functions
func archivePrefix(seasonID string) []byte {
	if seasonID == "" {
		return []byte("archive" + sep)
	}
	return []byte("archive" + sep + seasonID + sep)
}

func archiveKey(k schedule.RecordKey) []byte {
	return []byte(strings.Join([]string{"archive", k.SeasonID, k.OwnerID, k.ItemID}, sep))
}

func deadLetterPrefix() []byte {
	return []byte("deadletter" + sep)
}

func deadLetterKey(id string) []byte {
	return []byte("deadletter" + sep + id)
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// PutArchive writes archive records. Keys are deterministic so rewrites are idempotent.
func (b *BadgerStorage) PutArchive(ctx context.Context, records []schedule.ArchiveRecord) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range records {
		data, err := serialize(r)
		if err != nil {
			return err
		}
		if err := wb.Set(archiveKey(r.Key()), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// GetArchive retrieves an archive record by key.
func (b *BadgerStorage) GetArchive(ctx context.Context, key schedule.RecordKey) (*schedule.ArchiveRecord, error) {
	var rec schedule.ArchiveRecord

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return &storage.NotFoundError{
					EntityType: "archive_record",
					ID:         key.SeasonID + "/" + key.OwnerID + "/" + key.ItemID,
				}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListArchive lists archive records of a season in key order.
func (b *BadgerStorage) ListArchive(ctx context.Context, seasonID string, limit int) ([]schedule.ArchiveRecord, error) {
	var out []schedule.ArchiveRecord
	err := b.scanArchive(seasonID, func(rec schedule.ArchiveRecord, _ []byte) bool {
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// CountArchive counts archive records of a season.
func (b *BadgerStorage) CountArchive(ctx context.Context, seasonID string) (int64, error) {
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = archivePrefix(seasonID)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// FlagEligible marks records archived before cutoff as eligible for deletion.
func (b *BadgerStorage) FlagEligible(ctx context.Context, cutoff time.Time) (int, error) {
	var flagged []schedule.ArchiveRecord
	err := b.scanArchive("", func(rec schedule.ArchiveRecord, _ []byte) bool {
		if !rec.EligibleForDeletion && rec.ArchivedAt.Before(cutoff) {
			rec.EligibleForDeletion = true
			flagged = append(flagged, rec)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(flagged) == 0 {
		return 0, nil
	}
	if err := b.PutArchive(ctx, flagged); err != nil {
		return 0, err
	}
	return len(flagged), nil
}

// PurgeEligible deletes flagged records of a season.
func (b *BadgerStorage) PurgeEligible(ctx context.Context, seasonID string) (int, error) {
	var keys [][]byte
	err := b.scanArchive(seasonID, func(rec schedule.ArchiveRecord, key []byte) bool {
		if rec.EligibleForDeletion {
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *BadgerStorage) scanArchive(seasonID string, fn func(rec schedule.ArchiveRecord, key []byte) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = archivePrefix(seasonID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec schedule.ArchiveRecord
			if err := item.Value(func(val []byte) error {
				return deserialize(val, &rec)
			}); err != nil {
				return err
			}
			if !fn(rec, item.KeyCopy(nil)) {
				return nil
			}
		}
		return nil
	})
}

// PutDeadLetter stores a failed batch.
func (b *BadgerStorage) PutDeadLetter(ctx context.Context, dl storage.DeadLetter) error {
	data, err := serialize(dl)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deadLetterKey(dl.ID), data)
	})
}

// ListDeadLetters lists failed batches oldest first.
func (b *BadgerStorage) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	var out []storage.DeadLetter
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadLetterPrefix()

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var dl storage.DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &dl)
			}); err != nil {
				return err
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDeadLetter removes a failed batch.
func (b *BadgerStorage) DeleteDeadLetter(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(deadLetterKey(id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return &storage.NotFoundError{EntityType: "dead_letter", ID: id}
			}
			return err
		}
		return txn.Delete(deadLetterKey(id))
	})
}

// CountDeadLetters returns the number of stored failed batches.
func (b *BadgerStorage) CountDeadLetters(ctx context.Context) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadLetterPrefix()
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close runs value log GC and closes the database.
func (b *BadgerStorage) Close() error {
	if !b.config.InMemory {
		for {
			if err := b.db.RunValueLogGC(0.5); err != nil {
				break
			}
		}
	}
	return b.db.Close()
}

var (
	_ storage.ArchiveStore    = (*BadgerStorage)(nil)
	_ storage.DeadLetterStore = (*BadgerStorage)(nil)
)
