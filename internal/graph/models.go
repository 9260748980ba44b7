// Package graph holds the temporal property graph model shared by the storage backends,
// and the Writer that ingests records into it.
package graph

import (
	"strings"
	"time"
)

type EdgeType string

const (
	EdgeHadState      EdgeType = "HAD_STATE"
	EdgeSameRoom      EdgeType = "SAME_ROOM"
	EdgeAffectsEnergy EdgeType = "AFFECTS_ENERGY"
)

// Entity is a device or sensor node.
type Entity struct {
	ID         string         `json:"entity_id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Room       string         `json:"room,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	FirstSeen   time.Time `json:"first_seen"`
	AttrsAt     time.Time `json:"attrs_at"`
	LastStateAt time.Time `json:"last_state_at"`
	LastValue   string    `json:"last_value"`
}

// DisplayName falls back to the id when no friendly name was ever reported.
func (e Entity) DisplayName() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.ID
}

// State is one append-only observation of an Entity.
type State struct {
	EntityID   string         `json:"entity_id"`
	TS         time.Time      `json:"ts"`
	EventID    string         `json:"event_id"`
	Seq        int64          `json:"seq"`
	Value      string         `json:"value"`
	Numeric    *float64       `json:"numeric,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Late       bool           `json:"late"`
}

// Edge is a typed relationship between two entities. SAME_ROOM edges are stored once per
// unordered pair with FromID < ToID.
type Edge struct {
	FromID    string    `json:"from"`
	ToID      string    `json:"to"`
	Type      EdgeType  `json:"type"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Other returns the endpoint of e that is not id.
func (e Edge) Other(id string) string {
	if e.FromID == id {
		return e.ToID
	}
	return e.FromID
}

// EntityChange reports what UpsertEntity did.
type EntityChange struct {
	Entity       Entity
	Created      bool
	RoomChanged  bool
	PreviousRoom string
}

// EntityFilter narrows Entities listings. Zero value lists everything.
type EntityFilter struct {
	Room  string
	Types []string
}

// StateQuery selects states in [From, To). EntityIDs empty means all entities.
type StateQuery struct {
	EntityIDs []string
	From      time.Time
	To        time.Time
}

// HistoryQuery pages through a single entity's states.
type HistoryQuery struct {
	EntityID string
	From     time.Time
	To       time.Time
	Limit    int
	Cursor   *Cursor
	Desc     bool
}

type StatePage struct {
	States     []State `json:"states"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// ClampLimit applies the history paging bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}
