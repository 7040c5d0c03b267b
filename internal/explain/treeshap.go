package explain

import (
	"fmt"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/models"
)

// Explanation decomposes a gradient-boosting raw output into per-feature
// contributions: ExpectedValue + sum(Phi) == Raw.
type Explanation struct {
	Features      []string
	Phi           []float64
	ExpectedValue float64
	Raw           float64
}

// TreeSHAP computes exact path-dependent Shapley values of g's log-odds
// output at x, using node covers as the background distribution.
func TreeSHAP(g *models.GradientBoosting, x []float64, names []string) (*Explanation, error) {
	if len(x) != g.NumFeatures() || len(names) != len(x) {
		return nil, &api.SchemaMismatchError{
			Detail: fmt.Sprintf("explainer got %d values and %d names for a %d-feature model",
				len(x), len(names), g.NumFeatures()),
		}
	}
	raw, err := g.Raw(x)
	if err != nil {
		return nil, err
	}

	phi := make([]float64, len(x))
	for i := range g.Trees {
		w := walker{tree: &g.Trees[i], x: x, phi: phi, scale: g.LearningRate}
		w.recurse(0, nil, 1, 1, -1)
	}
	return &Explanation{
		Features:      append([]string(nil), names...),
		Phi:           phi,
		ExpectedValue: g.ExpectedValue(),
		Raw:           raw,
	}, nil
}

// pathElem tracks one feature on the current root-to-node path: the fraction
// of background samples that follow the path (zero) and whether x does (one).
type pathElem struct {
	feature int
	zero    float64
	one     float64
	weight  float64
}

type walker struct {
	tree  *models.Tree
	x     []float64
	phi   []float64
	scale float64
}

func (w *walker) recurse(node int, parent []pathElem, zero, one float64, feature int) {
	path := make([]pathElem, len(parent), len(parent)+1)
	copy(path, parent)
	path = extendPath(path, zero, one, feature)

	n := &w.tree.Nodes[node]
	if n.IsLeaf() {
		for i := 1; i < len(path); i++ {
			s := unwoundPathSum(path, i)
			e := path[i]
			w.phi[e.feature] += s * (e.one - e.zero) * n.Value * w.scale
		}
		return
	}

	hot, cold := n.Left, n.Right
	if w.x[n.Feature] > n.Threshold {
		hot, cold = cold, hot
	}
	hotZero := w.tree.Nodes[hot].Cover / n.Cover
	coldZero := w.tree.Nodes[cold].Cover / n.Cover

	inZero, inOne := 1.0, 1.0
	for i := 1; i < len(path); i++ {
		if path[i].feature == n.Feature {
			inZero, inOne = path[i].zero, path[i].one
			path = unwindPath(path, i)
			break
		}
	}

	w.recurse(hot, path, hotZero*inZero, inOne, n.Feature)
	w.recurse(cold, path, coldZero*inZero, 0, n.Feature)
}

func extendPath(path []pathElem, zero, one float64, feature int) []pathElem {
	d := len(path)
	path = append(path, pathElem{feature: feature, zero: zero, one: one})
	if d == 0 {
		path[0].weight = 1
	}
	for i := d - 1; i >= 0; i-- {
		path[i+1].weight += one * path[i].weight * float64(i+1) / float64(d+1)
		path[i].weight = zero * path[i].weight * float64(d-i) / float64(d+1)
	}
	return path
}

func unwindPath(path []pathElem, idx int) []pathElem {
	d := len(path) - 1
	one, zero := path[idx].one, path[idx].zero
	next := path[d].weight
	for i := d - 1; i >= 0; i-- {
		if one != 0 {
			tmp := path[i].weight
			path[i].weight = next * float64(d+1) / (float64(i+1) * one)
			next = tmp - path[i].weight*zero*float64(d-i)/float64(d+1)
		} else {
			path[i].weight = path[i].weight * float64(d+1) / (zero * float64(d-i))
		}
	}
	for i := idx; i < d; i++ {
		path[i].feature = path[i+1].feature
		path[i].zero = path[i+1].zero
		path[i].one = path[i+1].one
	}
	return path[:d]
}

// unwoundPathSum is the total path weight with element idx removed, without
// modifying path.
func unwoundPathSum(path []pathElem, idx int) float64 {
	d := len(path) - 1
	one, zero := path[idx].one, path[idx].zero
	next := path[d].weight
	var total float64
	for i := d - 1; i >= 0; i-- {
		if one != 0 {
			tmp := next / (float64(i+1) * one)
			total += tmp
			next = path[i].weight - tmp*zero*float64(d-i)
		} else {
			total += path[i].weight / (zero * float64(d-i))
		}
	}
	return total * float64(d+1)
}
