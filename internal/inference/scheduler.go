package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	"github.com/robfig/cron/v3"
)

// Publisher receives every finished report (the query cache).
type Publisher interface {
	Publish(ctx context.Context, r Report) error
}

type EdgeWriter interface {
	UpsertEdge(ctx context.Context, e graph.Edge) error
}

type Broadcaster interface {
	Broadcast(kind string, payload any)
}

type SchedulerOptions struct {
	// Spec is a standard cron expression or descriptor such as "@every 1h".
	Spec        string
	Periods     []Period
	Location    *time.Location
	Publisher   Publisher
	Edges       EdgeWriter
	Broadcaster Broadcaster
	// Prepare runs before each analysis, e.g. entity enrichment. Its error is logged only.
	Prepare func(ctx context.Context) error
	Now     func() time.Time
}

// Scheduler runs the engine over its periods on a cron schedule. Runs never overlap.
type Scheduler struct {
	engine *Engine
	opts   SchedulerOptions
	cron   *cron.Cron

	runMu sync.Mutex
}

func NewScheduler(engine *Engine, opts SchedulerOptions) (*Scheduler, error) {
	if opts.Spec == "" {
		opts.Spec = "@every 1h"
	}
	if _, err := cron.ParseStandard(opts.Spec); err != nil {
		return nil, fmt.Errorf("inference schedule %q: %w", opts.Spec, err)
	}
	if len(opts.Periods) == 0 {
		return nil, errors.New("inference schedule: no periods configured")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := cron.New(cron.WithLocation(opts.Location), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{engine: engine, opts: opts, cron: c}, nil
}

// Start schedules runs until ctx is done. The first run happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.Spec, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduled inference failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("initial inference failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	slog.Info("inference scheduler started", "spec", s.opts.Spec, "periods", len(s.opts.Periods))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce analyzes every period, then publishes each report, persists the energy hints of the
// longest period as AFFECTS_ENERGY edges weighted by their supporting count, and broadcasts a
// summary.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.opts.Prepare != nil {
		if err := s.opts.Prepare(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("pre-inference step failed", "error", err)
		}
	}

	now := s.opts.Now().UTC()
	windows := make([]Window, 0, len(s.opts.Periods))
	longest := 0
	for i, p := range s.opts.Periods {
		windows = append(windows, p.At(now))
		if p.Length > s.opts.Periods[longest].Length {
			longest = i
		}
	}

	reports, runErr := s.engine.RunWindows(ctx, windows)
	for i := range reports {
		reports[i].GeneratedAt = now
		rep := reports[i]
		if s.opts.Publisher != nil {
			if err := s.opts.Publisher.Publish(ctx, rep); err != nil {
				slog.Warn("report publish failed", "window", rep.Window.Name, "error", err)
			}
		}
		if i == longest {
			s.persistHints(ctx, rep, now)
		}
		if s.opts.Broadcaster != nil {
			s.opts.Broadcaster.Broadcast("inference.report", Summarize(rep))
		}
	}
	return reports, runErr
}

func (s *Scheduler) persistHints(ctx context.Context, rep Report, now time.Time) {
	if s.opts.Edges == nil {
		return
	}
	for _, h := range rep.EnergyHints {
		e := graph.Edge{FromID: h.ActuatorID, ToID: h.MeterID, Type: graph.EdgeAffectsEnergy, Weight: float64(h.Count), UpdatedAt: now}
		if err := s.opts.Edges.UpsertEdge(ctx, e); err != nil {
			slog.Warn("energy edge write failed", "from", e.FromID, "to", e.ToID, "error", err)
		}
	}
}

// Summary is the compact form of a report sent to live subscribers.
type Summary struct {
	Window       Window    `json:"window"`
	GeneratedAt  time.Time `json:"generated_at"`
	States       int       `json:"states"`
	Correlations int       `json:"correlations"`
	Suggestions  int       `json:"suggestions"`
	Anomalies    int       `json:"anomalies"`
	EnergyHints  int       `json:"energy_hints"`
}

func Summarize(r Report) Summary {
	return Summary{
		Window:       r.Window,
		GeneratedAt:  r.GeneratedAt,
		States:       r.States,
		Correlations: len(r.Correlations),
		Suggestions:  len(r.Suggestions),
		Anomalies:    len(r.Waste) + len(r.Outliers),
		EnergyHints:  len(r.EnergyHints),
	}
}
