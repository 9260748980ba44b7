package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
)

func TestRollupQueryUsesTimeBucketOnHypertables(t *testing.T) {
	if q := rollupQuery(true); !strings.Contains(q, "time_bucket($1::interval, ts)") {
		t.Fatalf("expected time_bucket, got %s", q)
	}
	if q := rollupQuery(false); strings.Contains(q, "time_bucket") {
		t.Fatalf("plain tables cannot use time_bucket: %s", q)
	}
}

func TestIntervalLiteral(t *testing.T) {
	if got := intervalLiteral(90 * time.Minute); got != "5400 seconds" {
		t.Fatalf("unexpected interval %q", got)
	}
}

func TestMirrorSkipsNonNumericStates(t *testing.T) {
	m := &Mirror{}
	// A nil db would panic if the insert were attempted.
	if err := m.Mirror(context.Background(), graph.Entity{ID: "light.a"}, graph.State{EntityID: "light.a", Value: "on"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenReportsDriverErrors(t *testing.T) {
	orig := sqlOpen
	t.Cleanup(func() { sqlOpen = orig })
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") }
	if _, err := Open(context.Background(), "postgres://x"); err == nil || !strings.Contains(err.Error(), "open timescale") {
		t.Fatalf("expected open error, got %v", err)
	}
}
