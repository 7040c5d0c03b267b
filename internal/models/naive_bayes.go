package models

import (
	"fmt"
	"math"

	"github.com/fractal-lba/creditscore/internal/api"
)

// GaussianNB is a fitted two-class Gaussian naive Bayes model. Index 0 is
// "no default", index 1 is "default". Var already includes the smoothing
// term added at fit time.
type GaussianNB struct {
	ClassPrior [2]float64   `json:"class_prior"`
	Theta      [2][]float64 `json:"theta"`
	Var        [2][]float64 `json:"var"`
}

// PredictProba implements Classifier. It returns the class-1 posterior,
// normalizing the joint log-likelihoods with log-sum-exp.
func (nb *GaussianNB) PredictProba(x []float64) (float64, error) {
	if len(x) != len(nb.Theta[0]) {
		return 0, &api.SchemaMismatchError{
			Detail: fmt.Sprintf("naive bayes expects %d features, got %d", len(nb.Theta[0]), len(x)),
		}
	}
	var jll [2]float64
	for c := 0; c < 2; c++ {
		ll := math.Log(nb.ClassPrior[c])
		for i, v := range x {
			variance := nb.Var[c][i]
			d := v - nb.Theta[c][i]
			ll -= 0.5 * math.Log(2*math.Pi*variance)
			ll -= 0.5 * d * d / variance
		}
		jll[c] = ll
	}
	m := math.Max(jll[0], jll[1])
	logZ := m + math.Log(math.Exp(jll[0]-m)+math.Exp(jll[1]-m))
	return math.Exp(jll[1] - logZ), nil
}

func (nb *GaussianNB) validate(numFeatures int) error {
	for c := 0; c < 2; c++ {
		if !(nb.ClassPrior[c] > 0) {
			return fmt.Errorf("class %d prior %v", c, nb.ClassPrior[c])
		}
		if len(nb.Theta[c]) != numFeatures || len(nb.Var[c]) != numFeatures {
			return fmt.Errorf("class %d has %d means and %d variances, want %d",
				c, len(nb.Theta[c]), len(nb.Var[c]), numFeatures)
		}
		for i, v := range nb.Var[c] {
			if !(v > 0) {
				return fmt.Errorf("class %d feature %d variance %v", c, i, v)
			}
		}
	}
	return nil
}
