package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/bus"
	"github.com/bader1919/smart-home-analytics-ai/internal/cache"
	"github.com/bader1919/smart-home-analytics-ai/internal/config"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
	"github.com/bader1919/smart-home-analytics-ai/internal/llm"
	"github.com/bader1919/smart-home-analytics-ai/internal/neo4jstore"
	"github.com/bader1919/smart-home-analytics-ai/internal/query"
	"github.com/bader1919/smart-home-analytics-ai/internal/store"
	"github.com/bader1919/smart-home-analytics-ai/internal/timeseries"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// loadConfig loads, sets up logging and validates the storage settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openGraph(ctx context.Context, cfg *config.Config) (graph.Store, error) {
	if cfg.GraphBackend == config.BackendNeo4j {
		s, err := neo4jstore.Connect(ctx, neo4jstore.Config{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUsername,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("neo4j connect: %w", err)
		}
		slog.Info("graph backend ready", "backend", "neo4j", "uri", cfg.Neo4jURI)
		return s, nil
	}

	var (
		db  *gorm.DB
		err error
	)
	if cfg.SQLDriver == config.DriverSQLite {
		db, err = store.OpenSQLite(cfg.SQLitePath)
	} else {
		db, err = store.OpenPostgres(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresSSLMode)
	}
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	repo, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	slog.Info("graph backend ready", "backend", cfg.SQLDriver)
	return repo, nil
}

// openMirror returns nil when no DSN is set or the database is unreachable.
func openMirror(ctx context.Context, cfg *config.Config) *timeseries.Mirror {
	if strings.TrimSpace(cfg.TimescaleDSN) == "" {
		return nil
	}
	m, err := timeseries.Open(ctx, cfg.TimescaleDSN)
	if err != nil {
		slog.Warn("timescale mirror disabled", "error", err)
		return nil
	}
	return m
}

// openCache prefers Redis so reports survive restarts and are shared between replicas.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func()) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return cache.NewMemory(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0})
	rc := cache.NewRedis(rdb, "analytics:")
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		slog.Warn("redis unavailable, using in-memory report cache", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return cache.NewMemory(), func() {}
	}
	slog.Info("connected to redis", "addr", cfg.RedisAddr)
	return rc, func() { _ = rdb.Close() }
}

func openNarrator(cfg *config.Config) *llm.OllamaClient {
	if strings.TrimSpace(cfg.OllamaBaseURL) == "" {
		return nil
	}
	return llm.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaTimeout).WithEmbedModel(cfg.OllamaEmbed)
}

func inferenceParams(cfg *config.Config) inference.Params {
	p := inference.DefaultParams()
	p.CorrelationThreshold = cfg.CorrelationThreshold
	p.MinSupport = cfg.MinSupport
	p.WasteThreshold = cfg.WasteThreshold
	p.Location = cfg.Location()
	return p
}

func parsePeriods(names []string) ([]inference.Period, error) {
	out := make([]inference.Period, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		p, err := query.ParseTimeframe(n)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

// probe logs the reachability of optional services; the service keeps running without them.
func probe(ctx context.Context, cfg *config.Config, narrator *llm.OllamaClient) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	results := map[string]error{}
	if len(cfg.KafkaBrokers) > 0 {
		results["kafka"] = bus.ProbeKafka(ctx, cfg.KafkaBrokers)
	}
	if narrator != nil {
		ok, err := narrator.Available(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("ollama at %s did not answer /api/tags", cfg.OllamaBaseURL)
		}
		results["ollama"] = err
	}
	for name, err := range results {
		if err != nil {
			slog.Warn("service unavailable", "service", name, "error", err)
			continue
		}
		slog.Info("service available", "service", name)
	}
	return results
}
