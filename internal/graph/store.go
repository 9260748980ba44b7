package graph

import (
	"context"
	"time"
)

// Store is the property graph storage contract implemented by the relational (gorm) and
// Neo4j backends. Implementations wrap transient conflicts with ErrWriteConflict.
type Store interface {
	// UpsertEntity creates the entity if absent and merges display attributes per MergeEntity.
	// When the entity is created in a room or its room changes, its SAME_ROOM edges are
	// replaced in the same transaction, so a failed upsert leaves neither the room nor the edges.
	UpsertEntity(ctx context.Context, in Entity, observedAt time.Time) (EntityChange, error)
	// AppendState stores s and its HAD_STATE edge. It reports false when a state with the
	// same (entity, timestamp, event id) already exists.
	AppendState(ctx context.Context, s State) (bool, error)
	UpsertEdge(ctx context.Context, e Edge) error

	Entity(ctx context.Context, id string) (Entity, error)
	Entities(ctx context.Context, f EntityFilter) ([]Entity, error)
	Edges(ctx context.Context, entityID string) ([]Edge, error)
	// States returns states ordered by entity id, timestamp, then sequence.
	States(ctx context.Context, q StateQuery) ([]State, error)
	History(ctx context.Context, q HistoryQuery) (StatePage, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
