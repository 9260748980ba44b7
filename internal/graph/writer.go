package graph

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/event"
	"github.com/bader1919/smart-home-analytics-ai/internal/observability"
)

const lockStripes = 64

// Mirror receives every newly stored numeric state (e.g. a time-series sink).
type Mirror interface {
	Mirror(ctx context.Context, e Entity, s State) error
}

type WriterOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Mirror      Mirror
}

// Writer turns validated records into graph writes.
type Writer struct {
	store Store
	opts  WriterOptions

	locks   [lockStripes]sync.Mutex
	lastSeq atomic.Int64
}

// Result describes the outcome of one UpsertState call.
type Result struct {
	Entity    Entity
	State     State
	Created   bool
	Duplicate bool
	Late      bool
	Attempts  int
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &Writer{store: store, opts: opts}
}

// UpsertState records rec: entity upsert with its room edges (serialized per entity), then the state.
// Transient conflicts are retried; anything that still fails is returned wrapping ErrPersistence.
func (w *Writer) UpsertState(ctx context.Context, rec event.Record) (Result, error) {
	incoming := Entity{
		ID:         rec.EntityID,
		Type:       rec.Type,
		Name:       rec.Name(),
		Room:       rec.Room(),
		Attributes: rec.Attributes,
		LastValue:  rec.Value,
	}

	res := Result{}
	mu := w.lockFor(rec.EntityID)
	mu.Lock()
	var change EntityChange
	attempts, err := w.retry(ctx, "upsert entity", func(ctx context.Context) error {
		var err error
		change, err = w.store.UpsertEntity(ctx, incoming, rec.Timestamp)
		return err
	})
	res.Attempts += attempts
	mu.Unlock()
	if err != nil {
		return res, err
	}

	res.Entity = change.Entity
	res.Created = change.Created
	st := State{
		EntityID:   rec.EntityID,
		TS:         rec.Timestamp,
		EventID:    rec.EventID,
		Seq:        w.nextSeq(),
		Value:      rec.Value,
		Attributes: rec.Attributes,
		Late:       change.Entity.LastStateAt.After(rec.Timestamp),
	}
	if f, ok := rec.Numeric(); ok {
		st.Numeric = &f
	}

	var inserted bool
	attempts, err = w.retry(ctx, "append state", func(ctx context.Context) error {
		var err error
		inserted, err = w.store.AppendState(ctx, st)
		return err
	})
	res.Attempts += attempts
	if err != nil {
		return res, err
	}
	res.State = st
	res.Late = st.Late
	res.Duplicate = !inserted
	if res.Duplicate {
		observability.StatesDuplicate.Inc()
		return res, nil
	}
	observability.StatesStored.Inc()
	if st.Late {
		observability.StatesLate.Inc()
	}

	if w.opts.Mirror != nil && st.Numeric != nil {
		if err := w.opts.Mirror.Mirror(ctx, change.Entity, st); err != nil {
			slog.Warn("state mirror failed", "entity_id", st.EntityID, "error", err)
		}
	}
	return res, nil
}

// UpdateEntity merges in into the stored entity as an observation at observedAt, under the same
// per-entity lock and retry policy as UpsertState. No state is appended.
func (w *Writer) UpdateEntity(ctx context.Context, in Entity, observedAt time.Time) (EntityChange, error) {
	mu := w.lockFor(in.ID)
	mu.Lock()
	defer mu.Unlock()
	var change EntityChange
	_, err := w.retry(ctx, "update entity", func(ctx context.Context) error {
		var err error
		change, err = w.store.UpsertEntity(ctx, in, observedAt)
		return err
	})
	return change, err
}

// retry runs fn until it succeeds, fails permanently, or MaxAttempts conflicts happened.
// Each attempt runs detached from ctx cancellation; ctx is only consulted between attempts.
func (w *Writer) retry(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	delay := w.opts.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(context.WithoutCancel(ctx))
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return attempt, fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
		}
		observability.WriteRetries.WithLabelValues(op).Inc()
		if attempt >= w.opts.MaxAttempts {
			return attempt, fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrPersistence, op, attempt, err)
		}
		slog.Debug("graph write conflict, retrying", "op", op, "attempt", attempt, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, fmt.Errorf("%w: %s: %w", ErrPersistence, op, ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if delay > w.opts.MaxDelay {
			delay = w.opts.MaxDelay
		}
	}
}

func (w *Writer) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &w.locks[h.Sum32()%lockStripes]
}

// nextSeq hands out strictly increasing ingestion sequence numbers.
func (w *Writer) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := w.lastSeq.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if w.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}
