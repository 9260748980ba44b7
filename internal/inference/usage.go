package inference

import "time"

func usage(s *snapshot) []Usage {
	out := make([]Usage, 0, len(s.byEntity))
	for _, id := range s.ids {
		states := s.byEntity[id]
		if len(states) == 0 {
			continue
		}
		ent := s.entities[id]
		u := Usage{EntityID: id, Name: ent.DisplayName(), Type: ent.Type, Room: ent.Room, States: len(states)}

		var onAt time.Time
		on := false
		var sum float64
		for _, st := range states {
			if isOn(st.Value) {
				if !on {
					u.Activations++
					onAt = st.TS
					on = true
				}
			} else if on {
				u.OnDuration += st.TS.Sub(onAt)
				on = false
			}
			if st.Numeric != nil {
				v := *st.Numeric
				if u.Samples == 0 {
					u.Min, u.Max = ptr(v), ptr(v)
				} else {
					*u.Min = min(*u.Min, v)
					*u.Max = max(*u.Max, v)
				}
				u.Samples++
				sum += v
			}
		}
		if on && s.window.To.After(onAt) {
			u.OnDuration += s.window.To.Sub(onAt)
		}
		if u.Samples > 0 {
			u.Avg = ptr(sum / float64(u.Samples))
		}
		out = append(out, u)
	}
	return out
}

func ptr(v float64) *float64 { return &v }
