// Package query answers read-only analytics questions from cached or freshly computed reports.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/cache"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned with an empty result when a device or room has no data.
var ErrNotFound = graph.ErrNotFound

var ErrNarratorUnavailable = errors.New("narrative generation not configured")

var ErrSearchUnavailable = errors.New("semantic search not configured")

// Default result limits per operation.
const (
	LimitEnergy        = 20
	LimitRelationships = 15
	LimitAutomations   = 10
	LimitAnomalies     = 10
	LimitRoom          = 15
)

type Reader interface {
	Entity(ctx context.Context, id string) (graph.Entity, error)
	Entities(ctx context.Context, f graph.EntityFilter) ([]graph.Entity, error)
	Edges(ctx context.Context, entityID string) ([]graph.Edge, error)
	History(ctx context.Context, q graph.HistoryQuery) (graph.StatePage, error)
}

type Analyzer interface {
	Run(ctx context.Context, w inference.Window) (inference.Report, error)
}

type Narrator interface {
	AnalyzePatterns(ctx context.Context, summary string) ([]string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Options struct {
	TTL      time.Duration
	Narrator Narrator
	Embedder Embedder
	Now      func() time.Time
}

// Facade never writes to the graph; it only reads and fills the report cache.
type Facade struct {
	store    Reader
	engine   Analyzer
	cache    cache.Cache
	ttl      time.Duration
	narrator Narrator
	embedder Embedder
	now      func() time.Time
	group    singleflight.Group
}

func New(store Reader, engine Analyzer, c cache.Cache, opts Options) *Facade {
	if c == nil {
		c = cache.NewMemory()
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Facade{store: store, engine: engine, cache: c, ttl: opts.TTL, narrator: opts.Narrator, embedder: opts.Embedder, now: opts.Now}
}

// Result is the envelope every operation returns.
type Result[T any] struct {
	Timeframe   string    `json:"timeframe"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`
	Items       []T       `json:"items"`
}

func newResult[T any](rep inference.Report) Result[T] {
	return Result[T]{
		Timeframe:   rep.Window.Name,
		From:        rep.Window.From,
		To:          rep.Window.To,
		GeneratedAt: rep.GeneratedAt,
		Items:       []T{},
	}
}

func reportKey(name string) string {
	return "report:" + strings.ReplaceAll(name, " ", "_")
}

// Report returns the cached report for tf, computing and caching it on a miss.
func (f *Facade) Report(ctx context.Context, tf string) (inference.Report, error) {
	period, err := ParseTimeframe(tf)
	if err != nil {
		return inference.Report{}, err
	}
	key := reportKey(period.Name)
	if rep, ok, err := cache.GetJSON[inference.Report](ctx, f.cache, key); err != nil {
		slog.Warn("report cache read failed", "key", key, "error", err)
	} else if ok {
		return rep, nil
	}

	// The shared computation outlives any single caller; each caller still stops waiting on its own ctx.
	ch := f.group.DoChan(key, func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		now := f.now().UTC()
		rep, err := f.engine.Run(runCtx, period.At(now))
		if err != nil {
			return inference.Report{}, err
		}
		rep.GeneratedAt = now
		if err := cache.SetJSON(runCtx, f.cache, key, rep, f.ttl); err != nil {
			slog.Warn("report cache write failed", "key", key, "error", err)
		}
		return rep, nil
	})
	select {
	case <-ctx.Done():
		return inference.Report{}, fmt.Errorf("compute report %q: %w", period.Name, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return inference.Report{}, fmt.Errorf("compute report %q: %w", period.Name, r.Err)
		}
		return r.Val.(inference.Report), nil
	}
}

// Publish stores a report produced by the scheduler.
func (f *Facade) Publish(ctx context.Context, rep inference.Report) error {
	return cache.SetJSON(ctx, f.cache, reportKey(rep.Window.Name), rep, f.ttl)
}

// Entities lists graph entities, optionally filtered.
func (f *Facade) Entities(ctx context.Context, room string, types []string) ([]graph.Entity, error) {
	return f.store.Entities(ctx, graph.EntityFilter{Room: room, Types: types})
}

// History pages through one entity's states.
func (f *Facade) History(ctx context.Context, q graph.HistoryQuery) (graph.StatePage, error) {
	if _, err := f.store.Entity(ctx, q.EntityID); err != nil {
		return graph.StatePage{States: []graph.State{}}, err
	}
	return f.store.History(ctx, q)
}

// resolveEntity matches an entity id or display name, case-insensitively.
func (f *Facade) resolveEntity(ctx context.Context, device string) (graph.Entity, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return graph.Entity{}, fmt.Errorf("device %q: %w", device, ErrNotFound)
	}
	if e, err := f.store.Entity(ctx, device); err == nil {
		return e, nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return graph.Entity{}, err
	}
	all, err := f.store.Entities(ctx, graph.EntityFilter{})
	if err != nil {
		return graph.Entity{}, err
	}
	for _, e := range all {
		if strings.EqualFold(e.ID, device) || strings.EqualFold(e.Name, device) {
			return e, nil
		}
	}
	return graph.Entity{}, fmt.Errorf("device %q: %w", device, ErrNotFound)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func truncate[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
