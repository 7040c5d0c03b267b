// Package scoring turns a feature vector into a risk decision and runs the
// full per-request pipeline over an immutable Context.
package scoring

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/models"
)

// Risk tiers, highest first.
const (
	TierHigh     = "HIGH"
	TierModerate = "MODERATE"
	TierLow      = "LOW"
	TierVeryLow  = "VERY LOW"
)

// Binary decision labels.
const (
	DecisionDefault   = "default"
	DecisionNoDefault = "no-default"
)

// tierBands are evaluated in order; each lower bound is inclusive. These are
// contractual and intentionally not configurable.
var tierBands = []struct {
	min   float64
	tier  string
	color string
}{
	{0.70, TierHigh, "red"},
	{0.35, TierModerate, "orange"},
	{0.20, TierLow, "yellow"},
}

// Tier maps a primary default probability to its tier and display color.
func Tier(p float64) (tier, color string) {
	for _, b := range tierBands {
		if p >= b.min {
			return b.tier, b.color
		}
	}
	return TierVeryLow, "green"
}

// Decision labels p against threshold.
func Decision(p, threshold float64) string {
	if p >= threshold {
		return DecisionDefault
	}
	return DecisionNoDefault
}

// Assessment is the scorer's output for one applicant.
type Assessment struct {
	Primary          float64
	Baseline         float64
	Tier             string
	Color            string
	PrimaryDecision  string
	BaselineDecision string
}

// Scorer evaluates a cluster's model pair. The baseline is informational and
// never influences the tier.
type Scorer struct {
	threshold float64
}

// NewScorer returns a scorer using threshold for the binary decisions.
func NewScorer(threshold float64) (*Scorer, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, eris.Errorf("scoring: decision threshold %v outside (0,1)", threshold)
	}
	return &Scorer{threshold: threshold}, nil
}

// Threshold returns the decision threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Score runs both models of pair on values and maps the primary probability
// to a tier and both probabilities to decisions.
func (s *Scorer) Score(pair models.Pair, values []float64) (Assessment, error) {
	primary, err := pair.Primary.PredictProba(values)
	if err != nil {
		return Assessment{}, eris.Wrap(err, "primary model")
	}
	baseline, err := pair.Baseline.PredictProba(values)
	if err != nil {
		return Assessment{}, eris.Wrap(err, "baseline model")
	}
	for _, p := range []struct {
		model string
		v     float64
	}{{"primary", primary}, {"baseline", baseline}} {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) {
			return Assessment{}, &api.ValidationError{
				Field:  "features",
				Reason: fmt.Sprintf("%s model probability is not finite", p.model),
			}
		}
	}
	tier, color := Tier(primary)
	return Assessment{
		Primary:          primary,
		Baseline:         baseline,
		Tier:             tier,
		Color:            color,
		PrimaryDecision:  Decision(primary, s.threshold),
		BaselineDecision: Decision(baseline, s.threshold),
	}, nil
}
