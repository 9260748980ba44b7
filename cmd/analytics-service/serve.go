package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/bus"
	"github.com/bader1919/smart-home-analytics-ai/internal/deadletter"
	"github.com/bader1919/smart-home-analytics-ai/internal/enrich"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/httpapi"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
	"github.com/bader1919/smart-home-analytics-ai/internal/ingest"
	"github.com/bader1919/smart-home-analytics-ai/internal/mcptools"
	"github.com/bader1919/smart-home-analytics-ai/internal/observability"
	"github.com/bader1919/smart-home-analytics-ai/internal/query"
	"github.com/bader1919/smart-home-analytics-ai/internal/realtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSources(); err != nil {
		return err
	}
	periods, err := parsePeriods(cfg.InferencePeriods)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownObs, promHandler, tracer := observability.SetupObservability("analytics-service")
	defer shutdownObs()

	gs, err := openGraph(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = gs.Close(context.Background()) }()

	checks := map[string]func(context.Context) error{"graph": gs.Ping}
	writerOpts := graph.WriterOptions{}
	var rollups httpapi.Rollups
	if m := openMirror(ctx, cfg); m != nil {
		defer func() { _ = m.Close() }()
		writerOpts.Mirror = m
		rollups = m
		checks["timescale"] = m.Ping
	}
	writer := graph.NewWriter(gs, writerOpts)

	dlq, err := deadletter.Open(deadletter.Options{Dir: cfg.DeadLetterDir})
	if err != nil {
		return err
	}
	defer func() { _ = dlq.Close() }()

	hub := realtime.NewHub(cfg.AllowedOrigins, "inference.report")
	defer hub.Close()

	ing := &ingest.Ingestor{
		Writer:      writer,
		DeadLetter:  dlq,
		StatePrefix: cfg.MQTTStatePrefix,
		OnStored: func(r graph.Result) {
			if r.Created {
				hub.Broadcast("entity.created", r.Entity)
			}
		},
	}

	reportCache, closeCache := openCache(ctx, cfg)
	defer closeCache()

	engine := inference.NewEngine(gs, inferenceParams(cfg))
	qopts := query.Options{TTL: cfg.ReportTTL}
	narrator := openNarrator(cfg)
	var prepare func(context.Context) error
	if narrator != nil {
		qopts.Narrator = narrator
		if cfg.OllamaEmbed != "" {
			qopts.Embedder = narrator
		}
		if cfg.EnrichEntities {
			enricher := enrich.New(gs, writer, narrator, cfg.EnrichLimit)
			prepare = func(ctx context.Context) error {
				_, err := enricher.Run(ctx)
				return err
			}
		}
	}
	facade := query.New(gs, engine, reportCache, qopts)

	sched, err := inference.NewScheduler(engine, inference.SchedulerOptions{
		Spec:        cfg.InferenceSchedule,
		Periods:     periods,
		Location:    cfg.Location(),
		Publisher:   facade,
		Edges:       gs,
		Broadcaster: hub,
		Prepare:     prepare,
	})
	if err != nil {
		return err
	}

	probe(ctx, cfg, narrator)

	apiOpts := httpapi.Options{
		Facade:         facade,
		DeadLetters:    dlq,
		Replay:         ing.Replay,
		Rollups:        rollups,
		Hub:            hub,
		MCP:            mcptools.Handler(mcptools.NewServer(facade, version)),
		Metrics:        promHandler,
		Tracer:         tracer,
		AllowedOrigins: cfg.AllowedOrigins,
		InsightsRPS:    cfg.InsightsRPS,
		InsightsBurst:  cfg.InsightsBurst,
		Checks:         checks,
	}
	if path := strings.TrimSpace(cfg.JWTPublicKeyPath); path != "" {
		key, err := httpapi.LoadRSAPublicKey(path)
		if err != nil {
			return err
		}
		apiOpts.PublicKey = key
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(apiOpts).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	disp := bus.NewDispatcher(ctx, cfg.DispatchBuffer, ing.HandleMessage)
	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		src, err := bus.NewKafkaSource(bus.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID, Topics: cfg.KafkaTopics})
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		g.Go(func() error { return src.Run(gctx, disp) })
		slog.Info("kafka consumer started", "brokers", cfg.KafkaBrokers, "topics", cfg.KafkaTopics)
	}
	if cfg.MQTTBrokerURL != "" {
		mq, err := bus.ConnectMQTT(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			return err
		}
		defer mq.Close()
		topic := strings.TrimRight(cfg.MQTTStatePrefix, "/") + "/#"
		g.Go(func() error { return mq.Run(gctx, topic, disp) })
	}

	if err := sched.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		slog.Info("analytics-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	sched.Stop()
	// drain messages already queued so their offsets get committed
	disp.Close()
	slog.Info("analytics-service stopped")
	return err
}
