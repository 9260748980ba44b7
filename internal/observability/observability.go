package observability

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)

	IngestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_ingest_records_total",
			Help: "Records seen by the ingestor by source and outcome.",
		},
		[]string{"source", "result"},
	)
	StatesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analytics_states_stored_total",
		Help: "State nodes appended to the graph.",
	})
	StatesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analytics_states_duplicate_total",
		Help: "Redelivered records that matched an existing state.",
	})
	StatesLate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analytics_states_late_total",
		Help: "States stored behind their entity's latest timestamp.",
	})
	WriteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_graph_write_retries_total",
			Help: "Graph write attempts retried after a transient conflict.",
		},
		[]string{"op"},
	)
	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analytics_dead_letters_total",
		Help: "Records parked in the dead letter queue.",
	})
	InferenceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_inference_runs_total",
			Help: "Inference window runs by outcome.",
		},
		[]string{"window", "result"},
	)
	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_inference_duration_seconds",
			Help:    "Wall time of one inference window run.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"window"},
	)
)

func init() {
	prometheus.MustRegister(
		requestCounter,
		IngestRecords,
		StatesStored,
		StatesDuplicate,
		StatesLate,
		WriteRetries,
		DeadLetters,
		InferenceRuns,
		InferenceDuration,
	)
}

// SetupObservability installs the global tracer and meter providers. Traces are exported over
// OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise spans stay in-process.
func SetupObservability(serviceName string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Error("failed to create prometheus exporter", "error", err)
		os.Exit(1)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("failed to create otel resource", "error", err)
		os.Exit(1)
	}

	var tp *trace.TracerProvider
	if strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != "" {
		exp, err := otlptracehttp.New(context.Background())
		if err != nil {
			slog.Error("failed to create otlp exporter", "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
		_ = meterProvider.Shutdown(context.Background())
	}
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())
			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.status
			span.SetAttributes(attribute.Int("http.status_code", status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(status)).Inc()
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
