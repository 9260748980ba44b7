package query

import (
	"context"
	"strings"
	"testing"

	"github.com/bader1919/smart-home-analytics-ai/internal/cache"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps text onto (light, motion, temp) axes.
type keywordEmbedder struct{ calls int }

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	k.calls++
	text = strings.ToLower(text)
	vec := make([]float64, 3)
	for i, word := range []string{"light", "motion", "temp"} {
		if strings.Contains(text, word) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func TestSearchEntitiesRanksBySimilarity(t *testing.T) {
	_, _, _, repo := seed(t)
	emb := &keywordEmbedder{}
	f := New(repo, inference.NewEngine(repo, inference.DefaultParams()), cache.NewMemory(), Options{Embedder: emb})
	ctx := context.Background()

	got, err := f.SearchEntities(ctx, "the light in the hallway", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "light.light_1", got[0].Entity.ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, 4, emb.calls)

	_, err = f.SearchEntities(ctx, "bedroom temperature", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, emb.calls, "entity vectors come from the cache")
}

func TestSearchEntitiesWithoutEmbedder(t *testing.T) {
	f, _, _, _ := seed(t)
	got, err := f.SearchEntities(context.Background(), "light", 0)
	assert.ErrorIs(t, err, ErrSearchUnavailable)
	assert.Empty(t, got)
}
