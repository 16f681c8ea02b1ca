package medimg

import (
	"math"
	"sort"
)

// Percentiles returns the p-th percentiles (0..100) of values, interpolating
// linearly between the two nearest ranks. NaNs are ignored; an empty input
// gives zeros.
func Percentiles(values []float64, ps ...float64) []float64 {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	out := make([]float64, len(ps))
	n := len(sorted)
	if n == 0 {
		return out
	}
	for i, p := range ps {
		rank := math.Max(0, math.Min(100, p)) / 100 * float64(n-1)
		lo := int(math.Floor(rank))
		hi := int(math.Ceil(rank))
		frac := rank - float64(lo)
		out[i] = sorted[lo] + (sorted[hi]-sorted[lo])*frac
	}
	return out
}
