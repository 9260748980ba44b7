package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EntityRow is an Entity node.
type EntityRow struct {
	ID          string         `gorm:"primaryKey;size:255" json:"entity_id"`
	Type        string         `gorm:"size:64;index" json:"type"`
	Name        string         `json:"name"`
	Room        string         `gorm:"size:255;index" json:"room"`
	Attributes  datatypes.JSON `gorm:"type:jsonb" json:"attributes"`
	FirstSeen   time.Time      `json:"first_seen"`
	AttrsAt     time.Time      `json:"attrs_at"`
	LastStateAt time.Time      `json:"last_state_at"`
	LastValue   string         `json:"last_value"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (EntityRow) TableName() string { return "graph_entities" }

// StateRow is a State node; its entity_id column is the HAD_STATE edge.
type StateRow struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EntityID   string         `gorm:"size:255;not null;uniqueIndex:idx_state_dedup,priority:1;index:idx_state_entity_ts,priority:1" json:"entity_id"`
	TS         time.Time      `gorm:"not null;uniqueIndex:idx_state_dedup,priority:2;index:idx_state_entity_ts,priority:2;index:idx_state_ts" json:"ts"`
	EventID    string         `gorm:"size:255;not null;uniqueIndex:idx_state_dedup,priority:3" json:"event_id"`
	Seq        int64          `gorm:"not null;index:idx_state_entity_ts,priority:3" json:"seq"`
	Value      string         `json:"value"`
	Numeric    *float64       `json:"numeric"`
	Attributes datatypes.JSON `gorm:"type:jsonb" json:"attributes"`
	Late       bool           `json:"late"`
	IngestedAt time.Time      `json:"ingested_at"`
}

func (StateRow) TableName() string { return "graph_states" }

// EdgeRow holds SAME_ROOM and AFFECTS_ENERGY relationships.
type EdgeRow struct {
	FromID    string    `gorm:"primaryKey;size:255" json:"from"`
	ToID      string    `gorm:"primaryKey;size:255;index" json:"to"`
	Type      string    `gorm:"primaryKey;size:32" json:"type"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (EdgeRow) TableName() string { return "graph_edges" }
