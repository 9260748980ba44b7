package inference

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type slotKey struct {
	entity  string
	weekday time.Weekday
	hour    int
}

// cycles groups "on" states by (entity, weekday, hour) in the configured zone and keeps the
// slots seen at least MinSupport times.
func cycles(s *snapshot, p Params) []Cycle {
	counts := map[slotKey]int{}
	for _, st := range s.timeline {
		if !isOn(st.Value) {
			continue
		}
		local := st.TS.In(p.Location)
		counts[slotKey{st.EntityID, local.Weekday(), local.Hour()}]++
	}
	var out []Cycle
	for k, n := range counts {
		if n >= p.MinSupport {
			out = append(out, Cycle{EntityID: k.entity, Weekday: k.weekday, Hour: k.hour, Count: n})
		}
	}
	slices.SortFunc(out, func(a, b Cycle) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := strings.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Weekday, b.Weekday); c != 0 {
			return c
		}
		return cmp.Compare(a.Hour, b.Hour)
	})
	return out
}
