package neo4jstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// classify marks errors the writer may retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsRetryable(err) {
		return fmt.Errorf("%w: %w", graph.ErrWriteConflict, err)
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && strings.Contains(nerr.Code, "ConstraintValidationFailed") {
		return fmt.Errorf("%w: %w", graph.ErrWriteConflict, err)
	}
	return err
}

func stateKey(s graph.State) string {
	return s.EntityID + "|" + s.TS.UTC().Format(time.RFC3339Nano) + "|" + s.EventID
}

func entityProps(e graph.Entity) (map[string]any, error) {
	attrs, err := encodeAttrs(e.Attributes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            e.ID,
		"type":          e.Type,
		"name":          e.Name,
		"room":          e.Room,
		"attributes":    attrs,
		"first_seen":    e.FirstSeen.UTC(),
		"attrs_at":      e.AttrsAt.UTC(),
		"last_state_at": e.LastStateAt.UTC(),
		"last_value":    e.LastValue,
	}, nil
}

func recordEntity(rec *neo4j.Record, key string) (graph.Entity, error) {
	v, ok := rec.Get(key)
	if !ok {
		return graph.Entity{}, fmt.Errorf("record has no %q", key)
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return graph.Entity{}, fmt.Errorf("unexpected entity value %T", v)
	}
	return propsToEntity(node.Props), nil
}

func propsToEntity(p map[string]any) graph.Entity {
	return graph.Entity{
		ID:          propString(p, "id"),
		Type:        propString(p, "type"),
		Name:        propString(p, "name"),
		Room:        propString(p, "room"),
		Attributes:  decodeAttrs(propString(p, "attributes")),
		FirstSeen:   propTime(p, "first_seen"),
		AttrsAt:     propTime(p, "attrs_at"),
		LastStateAt: propTime(p, "last_state_at"),
		LastValue:   propString(p, "last_value"),
	}
}

func stateProps(s graph.State) (map[string]any, error) {
	attrs, err := encodeAttrs(s.Attributes)
	if err != nil {
		return nil, err
	}
	p := map[string]any{
		"key":        stateKey(s),
		"entity_id":  s.EntityID,
		"ts":         s.TS.UTC(),
		"event_id":   s.EventID,
		"seq":        s.Seq,
		"value":      s.Value,
		"attributes": attrs,
		"late":       s.Late,
	}
	if s.Numeric != nil {
		p["numeric"] = *s.Numeric
	}
	return p, nil
}

func propsToState(p map[string]any) graph.State {
	s := graph.State{
		EntityID:   propString(p, "entity_id"),
		TS:         propTime(p, "ts"),
		EventID:    propString(p, "event_id"),
		Seq:        propInt(p, "seq"),
		Value:      propString(p, "value"),
		Attributes: decodeAttrs(propString(p, "attributes")),
	}
	if late, ok := p["late"].(bool); ok {
		s.Late = late
	}
	if _, ok := p["numeric"]; ok {
		f := propFloat(p, "numeric")
		s.Numeric = &f
	}
	return s
}

func optTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func encodeAttrs(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAttrs(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func propString(p map[string]any, k string) string {
	s, _ := p[k].(string)
	return s
}

func propInt(p map[string]any, k string) int64 {
	switch v := p[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func propFloat(p map[string]any, k string) float64 {
	switch v := p[k].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func propTime(p map[string]any, k string) time.Time {
	switch v := p[k].(type) {
	case time.Time:
		return v.UTC()
	case neo4j.LocalDateTime:
		return v.Time().UTC()
	}
	return time.Time{}
}
