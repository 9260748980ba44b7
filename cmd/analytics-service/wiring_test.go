package main

import (
	"context"
	"testing"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/config"
)

func TestParsePeriodsDedupes(t *testing.T) {
	ps, err := parsePeriods([]string{"last 24 hours", "LAST 24 HOURS", "last 7 days"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ps) != 2 || ps[1].Length != 7*24*time.Hour {
		t.Fatalf("unexpected periods %+v", ps)
	}
	if _, err := parsePeriods([]string{"last fortnight"}); err == nil {
		t.Fatal("expected invalid timeframe")
	}
}

func TestInferenceParamsFromConfig(t *testing.T) {
	cfg := &config.Config{CorrelationThreshold: time.Minute, MinSupport: 3, WasteThreshold: time.Hour, Timezone: "UTC"}
	p := inferenceParams(cfg)
	if p.CorrelationThreshold != time.Minute || p.MinSupport != 3 || p.WasteThreshold != time.Hour || p.Location != time.UTC {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.OutlierZ != 3 {
		t.Fatalf("outlier default lost: %v", p.OutlierZ)
	}
}

func TestOpenGraphSQLiteAndCacheFallback(t *testing.T) {
	cfg := &config.Config{GraphBackend: config.BackendSQL, SQLDriver: config.DriverSQLite, SQLitePath: "file:wiring_test?mode=memory&cache=shared"}
	gs, err := openGraph(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}
	defer gs.Close(context.Background())
	if err := gs.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	c, closeCache := openCache(context.Background(), cfg)
	defer closeCache()
	if c == nil {
		t.Fatal("expected in-memory cache without REDIS_ADDR")
	}
	if openMirror(context.Background(), cfg) != nil {
		t.Fatal("mirror must stay disabled without a DSN")
	}
	if openNarrator(cfg) != nil {
		t.Fatal("narrator must stay disabled without a base URL")
	}
}
