// Package timeseries mirrors numeric states into a TimescaleDB hypertable for dashboarding.
package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const ddl = `CREATE TABLE IF NOT EXISTS entity_measurements (
	entity_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	event_id TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	room TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity_id, ts, event_id)
)`

// Mirror implements graph.Mirror.
type Mirror struct {
	db         *sql.DB
	hypertable bool
}

var sqlOpen = sql.Open

func Open(ctx context.Context, dsn string) (*Mirror, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping timescale: %w", err)
	}
	m := &Mirror{db: db}
	if err := m.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) ensureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure measurements table: %w", err)
	}
	// Plain PostgreSQL lacks the extension; the table then works without chunking.
	if _, err := m.db.ExecContext(ctx, `SELECT create_hypertable('entity_measurements', 'ts', if_not_exists => TRUE)`); err != nil {
		slog.Warn("timescale hypertable unavailable, using plain table", "error", err)
		return nil
	}
	m.hypertable = true
	return nil
}

func (m *Mirror) Mirror(ctx context.Context, e graph.Entity, s graph.State) error {
	if s.Numeric == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO entity_measurements (entity_id, ts, event_id, value, entity_type, room)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		s.EntityID, s.TS.UTC(), s.EventID, *s.Numeric, e.Type, e.Room)
	return err
}

// Bucket is an aggregate of one entity's readings over an interval.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
	Min   float64   `json:"min"`
	Avg   float64   `json:"avg"`
	Max   float64   `json:"max"`
}

// Rollup aggregates readings in [from, to) into buckets of the given width.
func (m *Mirror) Rollup(ctx context.Context, entityID string, from, to time.Time, width time.Duration) ([]Bucket, error) {
	if width <= 0 {
		width = time.Hour
	}
	rows, err := m.db.QueryContext(ctx, rollupQuery(m.hypertable), intervalLiteral(width), entityID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("rollup %s: %w", entityID, err)
	}
	defer func() { _ = rows.Close() }()
	out := []Bucket{}
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Start, &b.Count, &b.Min, &b.Avg, &b.Max); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func rollupQuery(hypertable bool) string {
	bucket := "to_timestamp(floor(extract(epoch FROM ts) / extract(epoch FROM $1::interval)) * extract(epoch FROM $1::interval))"
	if hypertable {
		bucket = "time_bucket($1::interval, ts)"
	}
	return `SELECT ` + bucket + ` AS bucket, count(*), min(value), avg(value), max(value)
FROM entity_measurements
WHERE entity_id = $2 AND ts >= $3 AND ts < $4
GROUP BY bucket ORDER BY bucket`
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}

func (m *Mirror) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

var _ graph.Mirror = (*Mirror)(nil)
