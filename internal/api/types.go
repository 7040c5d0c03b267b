package api

import (
	"encoding/json"
	"math"
	"time"
)

// Direction labels for a single feature attribution.
const (
	DirectionDefault = "toward-default"
	DirectionSafe    = "toward-safe"
)

// ScoreResponse is the wire shape returned to the presentation layer.
// On failure only Success and Error are populated.
type ScoreResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Cluster          int               `json:"cluster"`
	Distances        map[int]float64   `json:"distances,omitempty"`
	PrimaryPct       float64           `json:"primary_probability_pct"`
	BaselinePct      float64           `json:"baseline_probability_pct"`
	RiskTier         string            `json:"risk_tier,omitempty"`
	RiskColor        string            `json:"risk_color,omitempty"`
	PrimaryDecision  string            `json:"primary_decision,omitempty"`
	BaselineDecision string            `json:"baseline_decision,omitempty"`
	Attributions     []AttributionItem `json:"attributions,omitempty"`
	ExpectedValue    float64           `json:"expected_value"`
	Visualization    string            `json:"visualization,omitempty"`
	ClusterSummary   *ClusterSummary   `json:"cluster_summary,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
	// Warnings lists degraded but non-fatal steps (chart, history).
	Warnings []string `json:"warnings,omitempty"`
}

// AttributionItem is one ranked feature contribution.
type AttributionItem struct {
	Feature        string  `json:"feature"`
	Value          float64 `json:"value"`
	Direction      string  `json:"direction"`
	ApplicantValue float64 `json:"applicant_value"`
}

// ClusterSummary describes the reference population of one cluster.
type ClusterSummary struct {
	Size           int     `json:"size"`
	DefaultRatePct float64 `json:"default_rate_pct"`
	AvgLimit       float64 `json:"avg_limit"`
	AvgAge         float64 `json:"avg_age"`
	AvgPayDelay    float64 `json:"avg_pay_delay"`
}

// HistoryRecord is the retained summary of one successful scoring request.
type HistoryRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Cluster     int       `json:"cluster"`
	PrimaryPct  float64   `json:"primary_probability_pct"`
	BaselinePct float64   `json:"baseline_probability_pct"`
	RiskTier    string    `json:"risk_tier"`
	RiskColor   string    `json:"risk_color"`
	Age         int       `json:"age"`
	LimitBal    float64   `json:"limit_bal"`
}

// ScoringParams holds the tunable, non-contractual knobs of the pipeline.
// Tier thresholds are deliberately absent: they are fixed.
type ScoringParams struct {
	DecisionThreshold float64       `json:"decision_threshold"`
	TopK              int           `json:"top_k"`
	ChartMaxDisplay   int           `json:"chart_max_display"`
	RenderTimeout     time.Duration `json:"render_timeout"`
	HistoryLimit      int           `json:"history_limit"`
}

// DefaultScoringParams returns the parameters the models were evaluated with.
func DefaultScoringParams() ScoringParams {
	return ScoringParams{
		DecisionThreshold: 0.30,
		TopK:              6,
		ChartMaxDisplay:   8,
		RenderTimeout:     2 * time.Second,
		HistoryLimit:      50,
	}
}

// failureBody is the wire shape of an unsuccessful ScoreResponse.
type failureBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// MarshalJSON writes only success, error and request_id for a failure, so
// no zero cluster or probability is mistaken for a result.
func (r ScoreResponse) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(failureBody{Error: r.Error, RequestID: r.RequestID})
	}
	type plain ScoreResponse
	return json.Marshal(plain(r))
}

// FailureResponse builds the structured failure object for err.
func FailureResponse(err error) *ScoreResponse {
	return &ScoreResponse{Success: false, Error: err.Error()}
}

// Round rounds x half away from zero to the given number of decimals.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
