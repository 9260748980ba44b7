package inference

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

// outliers flags numeric readings more than OutlierZ population standard deviations from
// their entity's window mean.
func outliers(s *snapshot, p Params) []Outlier {
	var out []Outlier
	for _, id := range s.ids {
		var vals []float64
		for _, st := range s.byEntity[id] {
			if st.Numeric != nil {
				vals = append(vals, *st.Numeric)
			}
		}
		if len(vals) < p.OutlierMinSamples {
			continue
		}
		mean, sd := meanStd(vals)
		if sd == 0 {
			continue
		}
		for _, st := range s.byEntity[id] {
			if st.Numeric == nil {
				continue
			}
			z := (*st.Numeric - mean) / sd
			if math.Abs(z) > p.OutlierZ {
				out = append(out, Outlier{EntityID: id, TS: st.TS, Value: *st.Numeric, Mean: mean, StdDev: sd, Z: z})
			}
		}
	}
	slices.SortFunc(out, func(a, b Outlier) int {
		if c := cmp.Compare(math.Abs(b.Z), math.Abs(a.Z)); c != 0 {
			return c
		}
		if c := strings.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		return a.TS.Compare(b.TS)
	})
	return out
}

func meanStd(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}
