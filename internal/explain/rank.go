package explain

import (
	"math"
	"sort"

	"github.com/fractal-lba/creditscore/internal/api"
)

// order returns feature indexes sorted by |phi| descending. Equal magnitudes
// keep feature order.
func order(phi []float64) []int {
	idx := make([]int, len(phi))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(phi[idx[a]]) > math.Abs(phi[idx[b]])
	})
	return idx
}

// TopK returns the k largest contributions by magnitude. values are the
// applicant's feature values in the same order as e.Features.
func TopK(e *Explanation, values []float64, k int) []api.AttributionItem {
	idx := order(e.Phi)
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]api.AttributionItem, 0, k)
	for _, i := range idx[:k] {
		dir := api.DirectionSafe
		if e.Phi[i] > 0 {
			dir = api.DirectionDefault
		}
		out = append(out, api.AttributionItem{
			Feature:        e.Features[i],
			Value:          api.Round(e.Phi[i], 4),
			Direction:      dir,
			ApplicantValue: values[i],
		})
	}
	return out
}
