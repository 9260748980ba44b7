package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPutListInArrivalOrder(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, q.Put(ctx, Entry{Topic: "sensor_data", Payload: []byte(`{"b":1}`), Reason: "db down", At: base.Add(time.Second)}))
	require.NoError(t, q.Put(ctx, Entry{Topic: "sensor_data", Payload: []byte(`{"a":1}`), Reason: "db down", At: base}))

	got, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Payload))
	assert.NotEmpty(t, got[0].ID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	limited, err := q.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestReplayRemovesAcceptedEntries(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, Entry{ID: "ok", Payload: []byte("1")}))
	require.NoError(t, q.Put(ctx, Entry{ID: "bad", Payload: []byte("2")}))

	n, err := q.Replay(ctx, func(_ context.Context, e Entry) error {
		if e.ID == "bad" {
			return errors.New("still failing")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	left, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "bad", left[0].ID)
}

func TestDeleteMissing(t *testing.T) {
	q := openQueue(t)
	err := q.Delete(context.Background(), Entry{ID: "nope", At: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}
