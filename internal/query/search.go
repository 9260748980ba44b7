package query

import (
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/cache"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
)

const (
	LimitSearch    = 10
	embeddingTTL   = 24 * time.Hour
	minSearchScore = 0.3
)

type EntityMatch struct {
	Entity graph.Entity `json:"entity"`
	Score  float64      `json:"score"`
}

// SearchEntities ranks entities by embedding similarity to text. Entity vectors are cached by
// their description, so a renamed or moved entity is embedded again.
func (f *Facade) SearchEntities(ctx context.Context, text string, limit int) ([]EntityMatch, error) {
	if f.embedder == nil {
		return []EntityMatch{}, ErrSearchUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return []EntityMatch{}, nil
	}
	q, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return []EntityMatch{}, fmt.Errorf("embed query: %w", err)
	}
	ents, err := f.store.Entities(ctx, graph.EntityFilter{})
	if err != nil {
		return []EntityMatch{}, err
	}
	out := []EntityMatch{}
	for _, e := range ents {
		vec, err := f.entityVector(ctx, e)
		if err != nil {
			return []EntityMatch{}, err
		}
		if s := cosine(q, vec); s >= minSearchScore {
			out = append(out, EntityMatch{Entity: e, Score: s})
		}
	}
	slices.SortStableFunc(out, func(a, b EntityMatch) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Entity.ID, b.Entity.ID)
	})
	return truncate(out, clampLimit(limit, LimitSearch)), nil
}

func (f *Facade) entityVector(ctx context.Context, e graph.Entity) ([]float64, error) {
	desc := describeEntity(e)
	sum := sha1.Sum([]byte(desc))
	key := "embedding:" + hex.EncodeToString(sum[:])
	if vec, ok, err := cache.GetJSON[[]float64](ctx, f.cache, key); err != nil {
		slog.Warn("embedding cache read failed", "entity_id", e.ID, "error", err)
	} else if ok {
		return vec, nil
	}
	vec, err := f.embedder.Embed(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", e.ID, err)
	}
	if err := cache.SetJSON(ctx, f.cache, key, vec, embeddingTTL); err != nil {
		slog.Warn("embedding cache write failed", "entity_id", e.ID, "error", err)
	}
	return vec, nil
}

func describeEntity(e graph.Entity) string {
	parts := []string{e.DisplayName(), strings.ReplaceAll(e.Type, "_", " ")}
	if e.Room != "" {
		parts = append(parts, "in "+e.Room)
	}
	return strings.Join(parts, ", ")
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
