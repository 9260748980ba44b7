package inference

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type wasteCandidate struct {
	presenceID string
	onSince    time.Time
	awayAt     time.Time
}

// presenceWaste walks the window in order. When a presence entity going away leaves every
// presence entity away, the actuators that are on at that instant become candidates; a
// candidate is flagged if it stays on longer than WasteThreshold while the house stays empty.
func presenceWaste(s *snapshot, p Params) []WasteFlag {
	away := map[string]bool{}
	for _, id := range s.ids {
		if isPresence(s.entities[id]) {
			away[id] = false
		}
	}
	if len(away) == 0 {
		return nil
	}

	onSince := map[string]time.Time{}
	candidates := map[string]wasteCandidate{}
	var out []WasteFlag

	settle := func(id string, c wasteCandidate, until time.Time, ongoing bool) {
		if d := until.Sub(c.awayAt); d > p.WasteThreshold {
			out = append(out, WasteFlag{
				EntityID:   id,
				PresenceID: c.presenceID,
				OnSince:    c.onSince,
				AwayAt:     c.awayAt,
				Duration:   d,
				Ongoing:    ongoing,
			})
		}
	}
	settleAll := func(until time.Time, ongoing bool) {
		for _, id := range sortedKeys(candidates) {
			settle(id, candidates[id], until, ongoing)
		}
		clear(candidates)
	}

	for _, st := range s.timeline {
		ent := s.entities[st.EntityID]
		switch {
		case isPresence(ent):
			before := allAway(away)
			away[st.EntityID] = isAway(st.Value)
			after := allAway(away)
			if !before && after {
				for _, id := range sortedKeys(onSince) {
					candidates[id] = wasteCandidate{presenceID: st.EntityID, onSince: onSince[id], awayAt: st.TS}
				}
			} else if before && !after {
				settleAll(st.TS, false)
			}
		case isActuator(ent):
			if isOn(st.Value) {
				if _, already := onSince[st.EntityID]; !already {
					onSince[st.EntityID] = st.TS
				}
				continue
			}
			delete(onSince, st.EntityID)
			if c, ok := candidates[st.EntityID]; ok {
				settle(st.EntityID, c, st.TS, false)
				delete(candidates, st.EntityID)
			}
		}
	}
	settleAll(s.window.To, true)

	slices.SortFunc(out, func(a, b WasteFlag) int {
		if c := cmp.Compare(b.Duration, a.Duration); c != 0 {
			return c
		}
		if c := a.AwayAt.Compare(b.AwayAt); c != 0 {
			return c
		}
		return strings.Compare(a.EntityID, b.EntityID)
	})
	return out
}

func allAway(away map[string]bool) bool {
	for _, a := range away {
		if !a {
			return false
		}
	}
	return len(away) > 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
