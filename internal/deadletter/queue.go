// Package deadletter keeps records that could not be persisted so they can be inspected and replayed.
package deadletter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("dead letter not found")

var keyPrefix = []byte("dlq/")

type Entry struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	EntityID  string    `json:"entity_id,omitempty"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Options struct {
	Dir      string
	InMemory bool
}

// Queue is a badger-backed FIFO keyed by arrival time.
type Queue struct {
	db *badger.DB
}

func Open(opts Options) (*Queue, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory || opts.Dir == "" {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(32 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20)
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open dead letter queue: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Put stores e, assigning ID and At when unset.
func (q *Queue) Put(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.At, e.ID), val)
	})
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (q *Queue) List(_ context.Context, limit int) ([]Entry, error) {
	out := []Entry{}
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (q *Queue) Len(_ context.Context) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *Queue) Delete(_ context.Context, e Entry) error {
	key := entryKey(e.At, e.ID)
	return q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Replay hands every entry to fn in order and removes the ones fn accepted.
// It stops at the first context cancellation and reports how many entries were replayed.
func (q *Queue) Replay(ctx context.Context, fn func(context.Context, Entry) error) (int, error) {
	entries, err := q.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	replayed := 0
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := fn(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.ID, err))
			continue
		}
		if err := q.Delete(ctx, e); err != nil && !errors.Is(err, ErrNotFound) {
			return replayed, err
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func entryKey(at time.Time, id string) []byte {
	key := make([]byte, 0, len(keyPrefix)+8+1+len(id))
	key = append(key, keyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	key = append(key, '/')
	return append(key, id...)
}
