package graph

import (
	"maps"
	"strings"
	"time"
)

const genericType = "generic"

// NewEntity builds the first version of an entity seen at observedAt.
func NewEntity(in Entity, observedAt time.Time) Entity {
	out := in
	out.ID = strings.TrimSpace(in.ID)
	out.FirstSeen = observedAt
	out.AttrsAt = observedAt
	out.LastStateAt = observedAt
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	return out
}

// MergeEntity folds an incoming observation into an existing entity.
//
// Identity fields (ID, FirstSeen) never change after creation. Display fields follow
// latest-write-wins by event time: an observation older than the last applied one leaves them
// untouched, empty values never erase, and the generic type never replaces a specific one.
// LastStateAt/LastValue only move forward in time. The bool reports whether anything changed.
func MergeEntity(existing, in Entity, observedAt time.Time) (Entity, bool) {
	out := existing
	out.Attributes = maps.Clone(existing.Attributes)
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	changed := false

	if observedAt.Before(out.FirstSeen) {
		// FirstSeen tracks the earliest observation even when it arrives late.
		out.FirstSeen = observedAt
		changed = true
	}

	if !observedAt.Before(existing.AttrsAt) {
		if in.Type != "" && in.Type != out.Type && !(in.Type == genericType && out.Type != "") {
			out.Type = in.Type
			changed = true
		}
		if in.Name != "" && in.Name != out.Name {
			out.Name = in.Name
			changed = true
		}
		if in.Room != "" && in.Room != out.Room {
			out.Room = in.Room
			changed = true
		}
		for k, v := range in.Attributes {
			if old, ok := out.Attributes[k]; !ok || !sameScalar(old, v) {
				out.Attributes[k] = v
				changed = true
			}
		}
		if observedAt.After(out.AttrsAt) {
			out.AttrsAt = observedAt
			changed = true
		}
	}

	if !observedAt.Before(existing.LastStateAt) && in.LastValue != "" {
		if !observedAt.Equal(out.LastStateAt) || out.LastValue != in.LastValue {
			changed = true
		}
		out.LastStateAt = observedAt
		out.LastValue = in.LastValue
	}
	return out, changed
}

func sameScalar(a, b any) bool {
	switch a.(type) {
	case string, bool, float64, int, int64, nil:
		return a == b
	}
	// Nested attribute values are compared by replacement.
	return false
}
