package inference

import (
	"cmp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
)

type reading struct {
	ts time.Time
	v  float64
}

// energyHints counts, for every actuator and meter, the activations followed within the
// correlation threshold by a meter reading above the one in effect at activation time.
func energyHints(s *snapshot, p Params) []EnergyHint {
	meters := map[string][]reading{}
	for _, id := range s.ids {
		if !isMeter(s.entities[id]) {
			continue
		}
		for _, st := range s.byEntity[id] {
			if st.Numeric != nil {
				meters[id] = append(meters[id], reading{st.TS, *st.Numeric})
			}
		}
	}
	if len(meters) == 0 {
		return nil
	}
	meterIDs := sortedKeys(meters)

	var out []EnergyHint
	for _, id := range s.ids {
		if !isActuator(s.entities[id]) {
			continue
		}
		acts := activations(s.byEntity[id])
		if len(acts) == 0 {
			continue
		}
		for _, mid := range meterIDs {
			h := EnergyHint{ActuatorID: id, MeterID: mid, Activations: len(acts)}
			var deltaSum float64
			for _, t := range acts {
				if d, ok := riseAfter(meters[mid], t, p.CorrelationThreshold); ok {
					h.Count++
					deltaSum += d
				}
			}
			if h.Count >= p.MinSupport {
				h.AvgDelta = deltaSum / float64(h.Count)
				out = append(out, h)
			}
		}
	}
	slices.SortFunc(out, func(a, b EnergyHint) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := strings.Compare(a.ActuatorID, b.ActuatorID); c != 0 {
			return c
		}
		return strings.Compare(a.MeterID, b.MeterID)
	})
	return out
}

// riseAfter compares the reading in effect at t with the peak in (t, t+within).
func riseAfter(rs []reading, t time.Time, within time.Duration) (float64, bool) {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].ts.After(t) })
	if i == 0 {
		return 0, false
	}
	base := rs[i-1].v
	peak := base
	limit := t.Add(within)
	for _, r := range rs[i:] {
		if !r.ts.Before(limit) {
			break
		}
		peak = max(peak, r.v)
	}
	if peak > base {
		return peak - base, true
	}
	return 0, false
}

// activations returns the times an entity switched on (first "on" after anything else).
func activations(states []graph.State) []time.Time {
	var out []time.Time
	wasOn := false
	for _, st := range states {
		on := isOn(st.Value)
		if on && !wasOn {
			out = append(out, st.TS)
		}
		wasOn = on
	}
	return out
}
