package inference

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

type pairKey struct{ a, b string }

type pairAcc struct {
	score    int
	firstAt  time.Time
	leadA    int
	leadB    int
	lagTotal time.Duration
}

// correlate counts, for every unordered entity pair, the "on" state pairs less than
// threshold apart.
func correlate(s *snapshot, p Params) []Correlation {
	var on []int
	for i, st := range s.timeline {
		if isOn(st.Value) {
			on = append(on, i)
		}
	}

	acc := map[pairKey]*pairAcc{}
	for x, i := range on {
		first := s.timeline[i]
		for _, j := range on[x+1:] {
			second := s.timeline[j]
			lag := second.TS.Sub(first.TS)
			if lag >= p.CorrelationThreshold {
				break
			}
			if second.EntityID == first.EntityID {
				continue
			}
			k := pairKey{first.EntityID, second.EntityID}
			swapped := false
			if k.b < k.a {
				k.a, k.b = k.b, k.a
				swapped = true
			}
			pa := acc[k]
			if pa == nil {
				pa = &pairAcc{firstAt: first.TS}
				acc[k] = pa
			}
			pa.score++
			pa.lagTotal += lag
			if lag > 0 {
				if swapped {
					pa.leadB++
				} else {
					pa.leadA++
				}
			}
		}
	}

	out := make([]Correlation, 0, len(acc))
	for k, pa := range acc {
		c := Correlation{
			A:       k.a,
			B:       k.b,
			Score:   pa.score,
			FirstAt: pa.firstAt,
			AvgLag:  pa.lagTotal / time.Duration(pa.score),
		}
		c.Leader, c.Follower = k.a, k.b
		if pa.leadB > pa.leadA {
			c.Leader, c.Follower = k.b, k.a
		}
		ra, rb := s.entities[k.a].Room, s.entities[k.b].Room
		c.SameRoom = ra != "" && strings.EqualFold(ra, rb)
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y Correlation) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		if c := x.FirstAt.Compare(y.FirstAt); c != 0 {
			return c
		}
		if c := strings.Compare(x.A, y.A); c != 0 {
			return c
		}
		return strings.Compare(x.B, y.B)
	})
	return out
}

// suggest turns supported correlations into trigger -> action automations. The action must be
// something a user switches or an entity of unknown type; two known sensors suggest nothing.
func suggest(s *snapshot, corrs []Correlation, p Params) []Suggestion {
	onCount := map[string]int{}
	for _, st := range s.timeline {
		if isOn(st.Value) {
			onCount[st.EntityID]++
		}
	}
	var out []Suggestion
	for _, c := range corrs {
		if c.Score < p.MinSupport {
			continue
		}
		trigger, action := c.Leader, c.Follower
		if !isSwitchable(s.entities[action]) {
			if !isSwitchable(s.entities[trigger]) {
				continue
			}
			trigger, action = action, trigger
		}
		conf := float64(c.Score) / float64(max(onCount[action], 1))
		if conf > 1 {
			conf = 1
		}
		sg := Suggestion{
			Trigger:    trigger,
			Action:     action,
			Support:    c.Score,
			Confidence: conf,
			Description: fmt.Sprintf("When %s turns on, turn on %s (seen together %d times within %s)",
				s.entities[trigger].DisplayName(), s.entities[action].DisplayName(), c.Score, p.CorrelationThreshold),
		}
		if c.SameRoom {
			sg.Room = s.entities[action].Room
		}
		out = append(out, sg)
	}
	return out
}
