package cluster

import (
	"fmt"
	"math"

	"github.com/fractal-lba/creditscore/internal/api"
)

// Assign returns the cluster whose centroid is nearest to vec by Euclidean
// distance, together with the distance to every centroid. Ties go to the
// lowest cluster id. Values large enough to overflow the distance fail
// validation.
func (s *Store) Assign(vec []float64) (int, map[int]float64, error) {
	if len(vec) != len(s.schema) {
		return 0, nil, &api.SchemaMismatchError{
			Detail: fmt.Sprintf("vector has %d values, schema has %d", len(vec), len(s.schema)),
		}
	}

	distances := make(map[int]float64, len(s.ids))
	best, bestDist := s.ids[0], math.Inf(1)
	for _, id := range s.ids {
		d := Distance(vec, s.centroids[id])
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return 0, nil, &api.ValidationError{
				Field:  "features",
				Reason: fmt.Sprintf("distance to cluster %d is not finite", id),
			}
		}
		distances[id] = d
		if d < bestDist {
			best, bestDist = id, d
		}
	}
	return best, distances, nil
}

// Distance is the Euclidean distance between equal-length vectors.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
