package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader is the read-only slice of graph.Store the engine needs.
type Reader interface {
	Entities(ctx context.Context, f graph.EntityFilter) ([]graph.Entity, error)
	States(ctx context.Context, q graph.StateQuery) ([]graph.State, error)
}

type Engine struct {
	store  Reader
	params Params
}

func NewEngine(store Reader, p Params) *Engine {
	return &Engine{store: store, params: p.withDefaults()}
}

func (e *Engine) Params() Params { return e.params }

// Run reads the window snapshot and analyzes it. It never writes to the store.
func (e *Engine) Run(ctx context.Context, w Window) (Report, error) {
	ctx, span := otel.Tracer("analytics/inference").Start(ctx, "inference.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("window.name", w.Name),
		attribute.String("window.from", w.From.Format(time.RFC3339)),
		attribute.String("window.to", w.To.Format(time.RFC3339)),
	)
	start := time.Now()

	// States are read before entities so every state's entity is in the snapshot.
	states, err := e.store.States(ctx, graph.StateQuery{From: w.From, To: w.To})
	if err != nil {
		return e.fail(span, w, fmt.Errorf("read states: %w", err))
	}
	entities, err := e.store.Entities(ctx, graph.EntityFilter{})
	if err != nil {
		return e.fail(span, w, fmt.Errorf("read entities: %w", err))
	}

	rep := Analyze(w, entities, states, e.params)
	observability.InferenceRuns.WithLabelValues(w.Name, "ok").Inc()
	observability.InferenceDuration.WithLabelValues(w.Name).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("states", rep.States),
		attribute.Int("correlations", len(rep.Correlations)),
		attribute.Int("suggestions", len(rep.Suggestions)),
	)
	slog.Debug("inference run complete", "window", w.Name, "states", rep.States, "correlations", len(rep.Correlations),
		"suggestions", len(rep.Suggestions), "waste", len(rep.Waste), "outliers", len(rep.Outliers), "took", time.Since(start))
	return rep, nil
}

func (e *Engine) fail(span trace.Span, w Window, err error) (Report, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observability.InferenceRuns.WithLabelValues(w.Name, "error").Inc()
	return Report{}, err
}

// RunWindows runs each window in turn, checking for cancellation between windows.
// Reports finished before a cancellation are returned with the context error.
func (e *Engine) RunWindows(ctx context.Context, ws []Window) ([]Report, error) {
	out := make([]Report, 0, len(ws))
	for _, w := range ws {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rep, err := e.Run(ctx, w)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// Analyze is the pure core of Run: the same inputs always produce the same report.
func Analyze(w Window, entities []graph.Entity, states []graph.State, p Params) Report {
	p = p.withDefaults()
	s := newSnapshot(w, entities, states)

	rep := Report{Window: w, Entities: len(s.entities), States: len(states)}
	rep.Params.CorrelationThresholdSec = p.CorrelationThreshold.Seconds()
	rep.Params.MinSupport = p.MinSupport
	rep.Params.WasteThresholdSec = p.WasteThreshold.Seconds()

	rep.Correlations = correlate(s, p)
	rep.Suggestions = suggest(s, rep.Correlations, p)
	rep.Cycles = cycles(s, p)
	rep.Waste = presenceWaste(s, p)
	rep.EnergyHints = energyHints(s, p)
	rep.Outliers = outliers(s, p)
	rep.Usage = usage(s)
	return rep
}
