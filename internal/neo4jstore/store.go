// Package neo4jstore persists the entity graph in Neo4j.
package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Config struct {
	URI                     string
	Username                string
	Password                string
	Database                string
	MaxConnectionPoolSize   int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration
}

// Store implements graph.Store on Neo4j.
//
//	(:Entity {id})-[:HAD_STATE]->(:State {key})
//	(:Entity)-[:SAME_ROOM|AFFECTS_ENERGY {weight, updated_at}]->(:Entity)
type Store struct {
	cfg    Config
	driver neo4j.DriverWithContext
}

var schema = []string{
	"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT state_key IF NOT EXISTS FOR (s:State) REQUIRE s.key IS UNIQUE",
	"CREATE INDEX state_entity_ts IF NOT EXISTS FOR (s:State) ON (s.entity_id, s.ts)",
	"CREATE INDEX entity_room IF NOT EXISTS FOR (e:Entity) ON (e.room)",
}

// Connect dials Neo4j with exponential backoff and ensures constraints exist.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("neo4j: uri required")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.MaxConnectionPoolSize <= 0 {
		cfg.MaxConnectionPoolSize = 50
	}
	if cfg.MaxTransactionRetryTime <= 0 {
		cfg.MaxTransactionRetryTime = 2 * time.Second
	}
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	configure := func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
		c.ConnectionAcquisitionTimeout = cfg.ConnectionTimeout
		c.MaxTransactionRetryTime = cfg.MaxTransactionRetryTime
	}

	const maxRetries = 5
	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, configure)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				s := &Store{cfg: cfg, driver: driver}
				if err := s.ensureSchema(ctx); err != nil {
					_ = driver.Close(ctx)
					return nil, err
				}
				return s, nil
			}
			_ = driver.Close(ctx)
		}
		lastErr = err
		slog.Warn("neo4j connect failed", "uri", cfg.URI, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("neo4j connect cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, cfg.ConnectionTimeout)
	}
	return nil, fmt.Errorf("neo4j: failed to connect after %d attempts: %w", maxRetries, lastErr)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, stmt, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("neo4j schema %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database, AccessMode: mode})
}

func (s *Store) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	out, err := sess.ExecuteWrite(ctx, work)
	return out, classify(err)
}

func (s *Store) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)
	return sess.ExecuteRead(ctx, work)
}

// --- Entities ---

func (s *Store) UpsertEntity(ctx context.Context, in graph.Entity, observedAt time.Time) (graph.EntityChange, error) {
	observedAt = observedAt.UTC()
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (e:Entity {id: $id}) RETURN e", map[string]any{"id": in.ID})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			e := graph.NewEntity(in, observedAt)
			props, err := entityProps(e)
			if err != nil {
				return nil, err
			}
			// The uniqueness constraint turns a concurrent create into a retryable conflict.
			if _, err := tx.Run(ctx, "CREATE (e:Entity) SET e = $props", map[string]any{"props": props}); err != nil {
				return nil, err
			}
			if e.Room != "" {
				if err := linkRoom(ctx, tx, e.ID, e.Room); err != nil {
					return nil, err
				}
			}
			return graph.EntityChange{Entity: e, Created: true}, nil
		}

		existing, err := recordEntity(recs[0], "e")
		if err != nil {
			return nil, err
		}
		merged, changed := graph.MergeEntity(existing, in, observedAt)
		change := graph.EntityChange{Entity: merged}
		if merged.Room != existing.Room {
			change.RoomChanged = true
			change.PreviousRoom = existing.Room
		}
		if !changed {
			return change, nil
		}
		props, err := entityProps(merged)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx, "MATCH (e:Entity {id: $id}) SET e = $props", map[string]any{"id": in.ID, "props": props}); err != nil {
			return nil, err
		}
		if change.RoomChanged {
			if err := linkRoom(ctx, tx, in.ID, merged.Room); err != nil {
				return nil, err
			}
		}
		return change, nil
	})
	if err != nil {
		return graph.EntityChange{}, err
	}
	return out.(graph.EntityChange), nil
}

func (s *Store) Entity(ctx context.Context, id string) (graph.Entity, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (e:Entity {id: $id}) RETURN e", map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return graph.Entity{}, err
	}
	recs := out.([]*neo4j.Record)
	if len(recs) == 0 {
		return graph.Entity{}, fmt.Errorf("entity %q: %w", id, graph.ErrNotFound)
	}
	return recordEntity(recs[0], "e")
}

func (s *Store) Entities(ctx context.Context, f graph.EntityFilter) ([]graph.Entity, error) {
	cypher := `MATCH (e:Entity)
WHERE ($room = '' OR toLower(e.room) = $room) AND (size($types) = 0 OR e.type IN $types)
RETURN e ORDER BY e.id`
	types := f.Types
	if types == nil {
		types = []string{}
	}
	params := map[string]any{"room": strings.ToLower(strings.TrimSpace(f.Room)), "types": types}
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	recs := out.([]*neo4j.Record)
	ents := make([]graph.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := recordEntity(rec, "e")
		if err != nil {
			return nil, err
		}
		ents = append(ents, e)
	}
	return ents, nil
}

// --- States ---

func (s *Store) AppendState(ctx context.Context, st graph.State) (bool, error) {
	props, err := stateProps(st)
	if err != nil {
		return false, err
	}
	cypher := `MATCH (e:Entity {id: $entity_id})
MERGE (s:State {key: $key})
ON CREATE SET s += $props
MERGE (e)-[:HAD_STATE]->(s)
RETURN s.seq = $seq AS inserted`
	params := map[string]any{"entity_id": st.EntityID, "key": stateKey(st), "props": props, "seq": st.Seq}
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("append state for %q: %w", st.EntityID, err)
		}
		inserted, _ := rec.Get("inserted")
		b, _ := inserted.(bool)
		return b, nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (s *Store) States(ctx context.Context, q graph.StateQuery) ([]graph.State, error) {
	ids := q.EntityIDs
	if ids == nil {
		ids = []string{}
	}
	cypher := `MATCH (s:State)
WHERE (size($ids) = 0 OR s.entity_id IN $ids)
  AND ($from IS NULL OR s.ts >= $from)
  AND ($to IS NULL OR s.ts < $to)
RETURN s ORDER BY s.entity_id, s.ts, s.seq`
	params := map[string]any{"ids": ids, "from": optTime(q.From), "to": optTime(q.To)}
	return s.queryStates(ctx, cypher, params)
}

func (s *Store) History(ctx context.Context, q graph.HistoryQuery) (graph.StatePage, error) {
	limit := graph.ClampLimit(q.Limit)
	cypher, params := historyQuery(q, limit)
	states, err := s.queryStates(ctx, cypher, params)
	if err != nil {
		return graph.StatePage{}, err
	}
	page := graph.StatePage{States: states}
	if len(states) > limit {
		last := states[limit-1]
		page.States = states[:limit]
		page.NextCursor = graph.EncodeCursor(graph.Cursor{TS: last.TS, Seq: last.Seq})
	}
	return page, nil
}

func historyQuery(q graph.HistoryQuery, limit int) (string, map[string]any) {
	var b strings.Builder
	b.WriteString("MATCH (s:State {entity_id: $id})\nWHERE ($from IS NULL OR s.ts >= $from) AND ($to IS NULL OR s.ts <= $to)")
	params := map[string]any{"id": q.EntityID, "from": optTime(q.From), "to": optTime(q.To), "limit": int64(limit + 1)}
	dir := "ASC"
	if q.Cursor != nil {
		params["cts"] = q.Cursor.TS.UTC()
		params["cseq"] = q.Cursor.Seq
		if q.Desc {
			b.WriteString("\n  AND (s.ts < $cts OR (s.ts = $cts AND s.seq < $cseq))")
		} else {
			b.WriteString("\n  AND (s.ts > $cts OR (s.ts = $cts AND s.seq > $cseq))")
		}
	}
	if q.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(&b, "\nRETURN s ORDER BY s.ts %s, s.seq %s LIMIT $limit", dir, dir)
	return b.String(), params
}

func (s *Store) queryStates(ctx context.Context, cypher string, params map[string]any) ([]graph.State, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	recs := out.([]*neo4j.Record)
	states := make([]graph.State, 0, len(recs))
	for _, rec := range recs {
		v, ok := rec.Get("s")
		if !ok {
			continue
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected state value %T", v)
		}
		states = append(states, propsToState(node.Props))
	}
	return states, nil
}

// --- Edges ---

// linkRoom replaces the SAME_ROOM relationships of entityID inside tx. Rooms compare
// case-insensitively.
func linkRoom(ctx context.Context, tx neo4j.ManagedTransaction, entityID, room string) error {
	if _, err := tx.Run(ctx, "MATCH (:Entity {id: $id})-[r:SAME_ROOM]-(:Entity) DELETE r", map[string]any{"id": entityID}); err != nil {
		return err
	}
	room = strings.ToLower(strings.TrimSpace(room))
	if room == "" {
		return nil
	}
	cypher := `MATCH (e:Entity {id: $id}), (o:Entity)
WHERE o.id <> e.id AND toLower(o.room) = $room
WITH CASE WHEN e.id < o.id THEN e ELSE o END AS a, CASE WHEN e.id < o.id THEN o ELSE e END AS b
MERGE (a)-[r:SAME_ROOM]->(b)
SET r.weight = 1.0, r.updated_at = $now`
	_, err := tx.Run(ctx, cypher, map[string]any{"id": entityID, "room": room, "now": time.Now().UTC()})
	return err
}

func (s *Store) UpsertEdge(ctx context.Context, e graph.Edge) error {
	cypher, err := upsertEdgeCypher(e.Type)
	if err != nil {
		return err
	}
	from, to := e.FromID, e.ToID
	if e.Type == graph.EdgeSameRoom && to < from {
		from, to = to, from
	}
	at := e.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	params := map[string]any{"from": from, "to": to, "weight": e.Weight, "at": at.UTC()}
	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("edge %s %s->%s: %w", e.Type, from, to, err)
		}
		return nil, nil
	})
	return err
}

func upsertEdgeCypher(t graph.EdgeType) (string, error) {
	switch t {
	case graph.EdgeSameRoom, graph.EdgeAffectsEnergy:
	default:
		return "", fmt.Errorf("unsupported edge type %q", t)
	}
	return fmt.Sprintf(`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
MERGE (a)-[r:%s]->(b)
SET r.weight = $weight, r.updated_at = $at
RETURN type(r)`, t), nil
}

func (s *Store) Edges(ctx context.Context, entityID string) ([]graph.Edge, error) {
	cypher := `MATCH (a:Entity)-[r:SAME_ROOM|AFFECTS_ENERGY]->(b:Entity)
WHERE a.id = $id OR b.id = $id
RETURN a.id AS from, b.id AS to, type(r) AS type, r.weight AS weight, r.updated_at AS updated_at
ORDER BY type, from, to`
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	recs := out.([]*neo4j.Record)
	edges := make([]graph.Edge, 0, len(recs))
	for _, rec := range recs {
		m := rec.AsMap()
		edges = append(edges, graph.Edge{
			FromID:    propString(m, "from"),
			ToID:      propString(m, "to"),
			Type:      graph.EdgeType(propString(m, "type")),
			Weight:    propFloat(m, "weight"),
			UpdatedAt: propTime(m, "updated_at"),
		})
	}
	return edges, nil
}

var _ graph.Store = (*Store)(nil)
