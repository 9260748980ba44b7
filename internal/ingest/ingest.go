// Package ingest turns bus messages into graph writes.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/bus"
	"github.com/bader1919/smart-home-analytics-ai/internal/deadletter"
	"github.com/bader1919/smart-home-analytics-ai/internal/event"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/observability"
)

var ErrNotAStateTopic = errors.New("not a state topic")

// Outcome labels used for logging and the ingest counter.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomeIgnored   = "ignored"
)

type StateWriter interface {
	UpsertState(ctx context.Context, rec event.Record) (graph.Result, error)
}

type DeadLetter interface {
	Put(ctx context.Context, e deadletter.Entry) error
}

type Ingestor struct {
	Writer     StateWriter
	DeadLetter DeadLetter
	// StatePrefix filters MQTT topics; Home Assistant statestream topics below it
	// (<prefix><domain>/<object_id>/state) may carry bare state payloads.
	StatePrefix  string
	AllowRetains bool
	// OnStored is called after a new state was written.
	OnStored func(graph.Result)
}

// HandleMessage processes one message. It never fails the consumer loop: bad records are
// dropped, unpersistable ones go to the dead letter queue.
func (i *Ingestor) HandleMessage(ctx context.Context, msg bus.Message) {
	outcome, err := i.Ingest(ctx, msg)
	observability.IngestRecords.WithLabelValues(sourceLabel(msg), outcome).Inc()
	switch outcome {
	case OutcomeMalformed:
		slog.Warn("dropping malformed record", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	case OutcomeFailed:
		slog.Error("record persistence failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
	}
}

// Ingest is HandleMessage with the outcome reported to the caller.
func (i *Ingestor) Ingest(ctx context.Context, msg bus.Message) (string, error) {
	return i.ingest(ctx, msg, true)
}

// Replay re-ingests a dead-lettered record. A nil error means the entry can be discarded:
// it was stored, was a duplicate, or can never decode.
func (i *Ingestor) Replay(ctx context.Context, e deadletter.Entry) error {
	msg := bus.Message{
		Source:    e.Source,
		Topic:     e.Topic,
		Partition: e.Partition,
		Offset:    e.Offset,
		Payload:   e.Payload,
		Time:      e.At,
	}
	outcome, err := i.ingest(ctx, msg, false)
	observability.IngestRecords.WithLabelValues("replay", outcome).Inc()
	if outcome == OutcomeFailed {
		return err
	}
	if outcome == OutcomeMalformed {
		slog.Warn("dropping unreplayable dead letter", "id", e.ID, "error", err)
	}
	return nil
}

func (i *Ingestor) ingest(ctx context.Context, msg bus.Message, deadLetter bool) (string, error) {
	if msg.Source == "mqtt" {
		if msg.Retained && !i.AllowRetains {
			slog.Debug("ingest ignoring retained", "topic", msg.Topic)
			return OutcomeIgnored, nil
		}
		if i.StatePrefix != "" && !strings.HasPrefix(msg.Topic, i.StatePrefix) {
			return OutcomeIgnored, nil
		}
	}

	rec, err := i.decode(msg)
	if err != nil {
		if errors.Is(err, event.ErrUnknownEntityType) {
			slog.Warn("unknown entity type, storing as generic", "entity_id", rec.EntityID, "error", err)
		} else if errors.Is(err, ErrNotAStateTopic) {
			return OutcomeIgnored, nil
		} else {
			return OutcomeMalformed, err
		}
	}

	res, err := i.Writer.UpsertState(ctx, rec)
	if err != nil {
		if deadLetter {
			i.deadLetter(ctx, msg, rec.EntityID, err)
		}
		return OutcomeFailed, err
	}
	if res.Duplicate {
		slog.Debug("duplicate state ignored", "entity_id", rec.EntityID, "event_id", rec.EventID)
		return OutcomeDuplicate, nil
	}
	slog.Debug("state stored", "entity_id", rec.EntityID, "ts", rec.Timestamp, "late", res.Late, "attempts", res.Attempts)
	if i.OnStored != nil {
		i.OnStored(res)
	}
	return OutcomeStored, nil
}

func (i *Ingestor) decode(msg bus.Message) (event.Record, error) {
	payload := bytes.TrimSpace(msg.Payload)
	if len(payload) == 0 || payload[0] == '{' || msg.Source != "mqtt" {
		return event.Decode(payload)
	}
	entityID, err := ParseEntityID(i.StatePrefix, msg.Topic)
	if err != nil {
		return event.Record{}, err
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	wire, err := json.Marshal(map[string]any{
		"entity_id": entityID,
		"value":     unquote(string(payload)),
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return event.Record{}, err
	}
	return event.Decode(wire)
}

func (i *Ingestor) deadLetter(ctx context.Context, msg bus.Message, entityID string, cause error) {
	if i.DeadLetter == nil {
		return
	}
	e := deadletter.Entry{
		Source:    msg.Source,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		EntityID:  entityID,
		Payload:   append([]byte(nil), msg.Payload...),
		Reason:    cause.Error(),
	}
	if err := i.DeadLetter.Put(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("dead letter write failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}
	observability.DeadLetters.Inc()
}

// ParseEntityID maps a statestream topic such as homeassistant/light/kitchen/state to light.kitchen.
func ParseEntityID(prefix, topic string) (string, error) {
	if !strings.HasPrefix(topic, prefix) {
		return "", ErrNotAStateTopic
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(topic, prefix), "/"), "/")
	if len(parts) != 3 || parts[2] != "state" {
		return "", ErrNotAStateTopic
	}
	if parts[0] == "" || parts[1] == "" {
		return "", errors.New("empty entity id")
	}
	return parts[0] + "." + parts[1], nil
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		var s string
		if err := json.Unmarshal([]byte(v), &s); err == nil {
			return s
		}
	}
	return v
}

func sourceLabel(msg bus.Message) string {
	if msg.Source == "" {
		return "unknown"
	}
	return msg.Source
}
