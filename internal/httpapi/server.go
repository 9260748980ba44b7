package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/deadletter"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/llm"
	"github.com/bader1919/smart-home-analytics-ai/internal/observability"
	"github.com/bader1919/smart-home-analytics-ai/internal/query"
	"github.com/bader1919/smart-home-analytics-ai/internal/timeseries"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type DeadLetters interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Len(ctx context.Context) (int, error)
	Replay(ctx context.Context, fn func(context.Context, deadletter.Entry) error) (int, error)
}

type Rollups interface {
	Rollup(ctx context.Context, entityID string, from, to time.Time, width time.Duration) ([]timeseries.Bucket, error)
}

type Options struct {
	Facade      *query.Facade
	DeadLetters DeadLetters
	// Replay re-ingests one dead letter; nil disables the replay endpoint.
	Replay  func(context.Context, deadletter.Entry) error
	Rollups Rollups

	Hub     http.Handler
	MCP     http.Handler
	Metrics http.Handler
	Tracer  trace.Tracer

	// PublicKey enables RS256 bearer auth on /api/analytics when set.
	PublicKey      *rsa.PublicKey
	AllowedOrigins []string

	InsightsRPS   float64
	InsightsBurst int

	// Checks are reported by the health endpoint; "graph" failing makes it 503.
	Checks map[string]func(context.Context) error
}

type Server struct {
	opts     Options
	insights *rate.Limiter
}

func NewServer(opts Options) *Server {
	if opts.InsightsRPS <= 0 {
		opts.InsightsRPS = 0.5
	}
	if opts.InsightsBurst <= 0 {
		opts.InsightsBurst = 2
	}
	return &Server{opts: opts, insights: rate.NewLimiter(rate.Limit(opts.InsightsRPS), opts.InsightsBurst)}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.opts.Tracer, "analytics"))
	}
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.Hub != nil {
		r.Get("/ws/analytics", s.opts.Hub.ServeHTTP)
	}

	r.Get("/api/analytics/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		if s.opts.PublicKey != nil {
			r.Use(JWTAuthMiddlewareRS256(s.opts.PublicKey))
		}
		if s.opts.MCP != nil {
			r.Handle("/mcp", s.opts.MCP)
		}
		r.Route("/api/analytics", func(r chi.Router) {
			r.Get("/timeframes", s.handleTimeframes)
			r.Get("/energy", s.handleEnergy)
			r.Get("/devices/{device}/relationships", s.handleRelationships)
			r.Get("/automations", s.handleAutomations)
			r.Get("/anomalies", s.handleAnomalies)
			r.Get("/rooms/{room}", s.handleRoom)
			r.Get("/insights", s.handleInsights)
			r.Get("/entities", s.handleEntities)
			r.Get("/entities/search", s.handleSearch)
			r.Get("/entities/{id}/states", s.handleStates)
			r.Get("/entities/{id}/rollup", s.handleRollup)
			r.Get("/deadletter", s.handleDeadLetterList)
			r.Post("/deadletter/replay", s.handleDeadLetterReplay)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			if name == "graph" {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func (s *Server) handleTimeframes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"default": query.DefaultTimeframe, "timeframes": query.Timeframes()})
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Facade.EnergyInsights(r.Context(), timeframe(r), limit)
	s.respond(w, res, err)
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Facade.DeviceRelationships(r.Context(), chi.URLParam(r, "device"), timeframe(r), limit)
	s.respond(w, res, err)
}

func (s *Server) handleAutomations(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Facade.AutomationSuggestions(r.Context(), timeframe(r), limit)
	s.respond(w, res, err)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Facade.Anomalies(r.Context(), timeframe(r), limit)
	s.respond(w, res, err)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Facade.RoomAnalysis(r.Context(), chi.URLParam(r, "room"), timeframe(r), limit)
	s.respond(w, res, err)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	if !s.insights.Allow() {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	res, err := s.opts.Facade.Narrative(r.Context(), timeframe(r))
	s.respond(w, res, err)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var types []string
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		types = strings.Split(v, ",")
	}
	ents, err := s.opts.Facade.Entities(r.Context(), strings.TrimSpace(q.Get("room")), types)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	if ents == nil {
		ents = []graph.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ents})
}

// handleSearch shares the insights limiter; both call the language model.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	if !s.insights.Allow() {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	items, err := s.opts.Facade.SearchEntities(r.Context(), q, limit)
	s.respond(w, map[string]any{"query": q, "items": items}, err)
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	cursor, err := graph.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	page, err := s.opts.Facade.History(r.Context(), graph.HistoryQuery{
		EntityID: chi.URLParam(r, "id"),
		From:     from,
		To:       to,
		Limit:    limit,
		Cursor:   cursor,
		Desc:     strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc"),
	})
	if page.States == nil {
		page.States = []graph.State{}
	}
	s.respond(w, page, err)
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rollups == nil {
		writeError(w, http.StatusNotImplemented, "time-series mirror not configured")
		return
	}
	q := r.URL.Query()
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	width := time.Hour
	if v := strings.TrimSpace(q.Get("width")); v != "" {
		if width, err = time.ParseDuration(v); err != nil || width <= 0 {
			writeError(w, http.StatusBadRequest, "invalid width")
			return
		}
	}
	id := chi.URLParam(r, "id")
	buckets, err := s.opts.Rollups.Rollup(r.Context(), id, from, to, width)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "from": from, "to": to, "items": buckets})
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "items": []deadletter.Entry{}})
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = 100
	}
	items, err := s.opts.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	n, err := s.opts.DeadLetters.Len(r.Context())
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n, "items": items})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil || s.opts.Replay == nil {
		writeError(w, http.StatusNotImplemented, "replay not configured")
		return
	}
	n, err := s.opts.DeadLetters.Replay(r.Context(), s.opts.Replay)
	if err != nil {
		slog.Warn("dead letter replay stopped", "replayed", n, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"replayed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

// respond writes v, mapping errors. Not-found answers 200 with the empty result.
func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, query.ErrNotFound):
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, query.ErrInvalidTimeframe):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrNarratorUnavailable), errors.Is(err, query.ErrSearchUnavailable), errors.Is(err, llm.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		slog.Error("analytics request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func timeframe(r *http.Request) string {
	return r.URL.Query().Get("timeframe")
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}
