// Package enrich asks a language model to fill in the type and room of entities that arrived
// without usable metadata.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/event"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/llm"
)

const defaultLimit = 20

var locationTypes = map[string]bool{"room": true, "location": true, "area": true}

type Lister interface {
	Entities(ctx context.Context, f graph.EntityFilter) ([]graph.Entity, error)
}

type Updater interface {
	UpdateEntity(ctx context.Context, in graph.Entity, observedAt time.Time) (graph.EntityChange, error)
}

type Extractor interface {
	ExtractEntities(ctx context.Context, text string) (llm.Extraction, error)
}

// Enricher remembers which entities it already asked about so a model is consulted at most once
// per entity and process.
type Enricher struct {
	store     Lister
	writer    Updater
	extractor Extractor
	limit     int

	mu    sync.Mutex
	asked map[string]bool
}

func New(store Lister, writer Updater, extractor Extractor, limit int) *Enricher {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Enricher{store: store, writer: writer, extractor: extractor, limit: limit, asked: map[string]bool{}}
}

// Outcome counts what one pass did.
type Outcome struct {
	Asked   int `json:"asked"`
	Updated int `json:"updated"`
}

// Run looks at up to limit generic or roomless entities not asked about before. Extraction
// failures are logged and skipped; only listing and write failures end the pass.
func (e *Enricher) Run(ctx context.Context) (Outcome, error) {
	var out Outcome
	ents, err := e.store.Entities(ctx, graph.EntityFilter{})
	if err != nil {
		return out, fmt.Errorf("list entities: %w", err)
	}
	for _, ent := range ents {
		if out.Asked == e.limit {
			break
		}
		if !needsEnrichment(ent) || !e.claim(ent.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Asked++
		ex, err := e.extractor.ExtractEntities(ctx, Describe(ent))
		if err != nil {
			slog.Warn("entity extraction failed", "entity_id", ent.ID, "error", err)
			continue
		}
		patch, ok := Patch(ent, ex)
		if !ok {
			slog.Debug("extraction added nothing", "entity_id", ent.ID)
			continue
		}
		if _, err := e.writer.UpdateEntity(ctx, patch, ent.AttrsAt); err != nil {
			return out, fmt.Errorf("update %s: %w", ent.ID, err)
		}
		slog.Info("entity enriched", "entity_id", ent.ID, "type", patch.Type, "room", patch.Room)
		out.Updated++
	}
	return out, nil
}

func (e *Enricher) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.asked[id] {
		return false
	}
	e.asked[id] = true
	return true
}

func needsEnrichment(e graph.Entity) bool {
	return e.Type == "" || e.Type == event.GenericType || strings.TrimSpace(e.Room) == ""
}

// Describe renders an entity as the event text handed to the model.
func Describe(e graph.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "entity_id=%s", e.ID)
	if e.Name != "" {
		fmt.Fprintf(&b, " name=%q", e.Name)
	}
	if e.LastValue != "" {
		fmt.Fprintf(&b, " state=%q", e.LastValue)
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Attributes[k])
	}
	return b.String()
}

// Patch builds the update for ent from ex. Only missing facts are filled: a known type replaces
// generic, and a room is set only when ent has none.
func Patch(ent graph.Entity, ex llm.Extraction) (graph.Entity, bool) {
	patch := graph.Entity{ID: ent.ID}
	device := matchDevice(ent, ex.Entities)

	if ent.Type == "" || ent.Type == event.GenericType {
		if device != nil {
			patch.Type = strings.ToLower(strings.TrimSpace(device.Type))
		}
	}
	if strings.TrimSpace(ent.Room) == "" {
		patch.Room = roomOf(device, ex)
	}
	if patch.Type == "" && patch.Room == "" {
		return graph.Entity{}, false
	}
	patch.Attributes = map[string]any{"enriched": true}
	return patch, true
}

// matchDevice prefers an extracted device named like ent, else the only known-typed one.
func matchDevice(ent graph.Entity, extracted []llm.ExtractedEntity) *llm.ExtractedEntity {
	var known []*llm.ExtractedEntity
	for i := range extracted {
		x := &extracted[i]
		if _, ok := event.KnownTypes[strings.ToLower(strings.TrimSpace(x.Type))]; !ok {
			continue
		}
		if strings.EqualFold(x.Name, ent.ID) || (ent.Name != "" && strings.EqualFold(x.Name, ent.Name)) {
			return x
		}
		known = append(known, x)
	}
	if len(known) == 1 {
		return known[0]
	}
	return nil
}

func roomOf(device *llm.ExtractedEntity, ex llm.Extraction) string {
	locations := map[string]bool{}
	var first string
	for _, x := range ex.Entities {
		if locationTypes[strings.ToLower(strings.TrimSpace(x.Type))] && strings.TrimSpace(x.Name) != "" {
			locations[x.Name] = true
			if first == "" {
				first = strings.TrimSpace(x.Name)
			}
		}
	}
	if device != nil {
		for _, r := range ex.Relationships {
			if strings.EqualFold(r.Source, device.Name) && locations[r.Target] {
				return strings.TrimSpace(r.Target)
			}
		}
	}
	if len(locations) == 1 {
		return first
	}
	return ""
}
