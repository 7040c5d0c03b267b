package models

import (
	"fmt"
	"math"

	"github.com/fractal-lba/creditscore/internal/api"
)

// Classifier produces P(default) for an ordered feature vector.
type Classifier interface {
	PredictProba(x []float64) (float64, error)
}

// LeafFeature marks a leaf node.
const LeafFeature = -1

// Node is one node of a regression tree, stored in a flat array. Internal
// nodes send x[Feature] <= Threshold to Left and everything else to Right.
// Cover is the (weighted) number of training samples that reached the node.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Cover     float64 `json:"cover"`
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return n.Feature == LeafFeature
}

// Tree is a regression tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks x down to a leaf and returns its value.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// MeanValue is the cover-weighted mean of the leaves, the tree's expected
// output over the training distribution.
func (t *Tree) MeanValue() float64 {
	var walk func(i int) float64
	walk = func(i int) float64 {
		n := &t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		l, r := &t.Nodes[n.Left], &t.Nodes[n.Right]
		return (l.Cover*walk(n.Left) + r.Cover*walk(n.Right)) / n.Cover
	}
	return walk(0)
}

func (t *Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	seen := make([]bool, len(t.Nodes))
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[i] {
			return fmt.Errorf("node %d reached twice", i)
		}
		seen[i] = true

		n := &t.Nodes[i]
		if !(n.Cover > 0) {
			return fmt.Errorf("node %d has non-positive cover", i)
		}
		if n.IsLeaf() {
			continue
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, numFeatures)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= 0 || c >= len(t.Nodes) {
				return fmt.Errorf("node %d has child %d out of range", i, c)
			}
			stack = append(stack, c)
		}
	}
	return nil
}

// GradientBoosting is a fitted binary-deviance gradient-boosting ensemble.
// Its raw output is log-odds of default.
type GradientBoosting struct {
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`

	numFeatures int
}

// NewGradientBoosting validates trees against numFeatures and returns the
// ensemble.
func NewGradientBoosting(init, learningRate float64, trees []Tree, numFeatures int) (*GradientBoosting, error) {
	g := &GradientBoosting{Init: init, LearningRate: learningRate, Trees: trees}
	if err := g.validate(numFeatures); err != nil {
		return nil, err
	}
	return g, nil
}

// NumFeatures is the vector length the ensemble was trained on.
func (g *GradientBoosting) NumFeatures() int {
	return g.numFeatures
}

// Raw returns the log-odds init + learning_rate * sum of tree outputs.
func (g *GradientBoosting) Raw(x []float64) (float64, error) {
	if len(x) != g.numFeatures {
		return 0, &api.SchemaMismatchError{
			Detail: fmt.Sprintf("gradient boosting expects %d features, got %d", g.numFeatures, len(x)),
		}
	}
	var sum float64
	for i := range g.Trees {
		sum += g.Trees[i].Predict(x)
	}
	return g.Init + g.LearningRate*sum, nil
}

// PredictProba implements Classifier.
func (g *GradientBoosting) PredictProba(x []float64) (float64, error) {
	raw, err := g.Raw(x)
	if err != nil {
		return 0, err
	}
	return Sigmoid(raw), nil
}

// ExpectedValue is the raw output averaged over the training distribution
// as recorded by node covers.
func (g *GradientBoosting) ExpectedValue() float64 {
	var sum float64
	for i := range g.Trees {
		sum += g.Trees[i].MeanValue()
	}
	return g.Init + g.LearningRate*sum
}

func (g *GradientBoosting) validate(numFeatures int) error {
	if len(g.Trees) == 0 {
		return fmt.Errorf("no trees")
	}
	if math.IsNaN(g.Init) || math.IsInf(g.Init, 0) || !(g.LearningRate > 0) {
		return fmt.Errorf("bad init %v or learning rate %v", g.Init, g.LearningRate)
	}
	for i := range g.Trees {
		if err := g.Trees[i].validate(numFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	g.numFeatures = numFeatures
	return nil
}

// Sigmoid maps log-odds to a probability.
func Sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
