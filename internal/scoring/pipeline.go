package scoring

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/history"
	"github.com/fractal-lba/creditscore/internal/metrics"
	"github.com/fractal-lba/creditscore/pkg/otel"
)

// Request outcomes reported to metrics.
const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeModelMissing = "model_missing"
	OutcomeError        = "error"
)

// Pipeline runs one scoring request end to end. It is safe for concurrent use;
// the history log is its only mutable collaborator.
type Pipeline struct {
	sc      *Context
	history *history.Log
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewPipeline wires sc to hist. m may be nil.
func NewPipeline(sc *Context, hist *history.Log, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		sc:      sc,
		history: hist,
		metrics: m,
		log:     zap.L().With(zap.String("component", "pipeline")),
		now:     time.Now,
	}
}

// Context returns the immutable scoring context.
func (p *Pipeline) Context() *Context {
	return p.sc
}

// Score builds the feature vector, assigns the cluster, scores, explains and
// records the decision. On error the returned response is the failure object
// for err. A history failure is logged and reported in Warnings only.
func (p *Pipeline) Score(ctx context.Context, raw map[string]any) (*api.ScoreResponse, error) {
	start := p.now()
	requestID := uuid.NewString()

	ctx, span := otel.StartSpan(ctx, otel.TracerName, "score_applicant", otel.AttrRequestID.String(requestID))
	defer span.End()

	resp, err := p.score(ctx, requestID, raw)
	elapsed := p.now().Sub(start)
	if err != nil {
		outcome := classify(err)
		p.metrics.ObserveScore(outcome, elapsed)
		otel.RecordError(span, err, outcome)
		p.log.Info("scoring failed",
			zap.String("request_id", requestID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		fail := api.FailureResponse(err)
		fail.RequestID = requestID
		return fail, err
	}

	p.metrics.ObserveScore(OutcomeOK, elapsed)
	p.metrics.ObserveTier(resp.RiskTier, strconv.Itoa(resp.Cluster))
	span.SetAttributes(otel.PerformanceAttributes(float64(elapsed.Microseconds())/1000)...)
	p.log.Debug("scored applicant",
		zap.String("request_id", requestID),
		zap.Int("cluster", resp.Cluster),
		zap.String("tier", resp.RiskTier),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

func (p *Pipeline) score(ctx context.Context, requestID string, raw map[string]any) (*api.ScoreResponse, error) {
	sc := p.sc

	_, span := otel.StartSpan(ctx, otel.TracerName, "build_features")
	vec, err := sc.Builder.Build(raw)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	_, span = otel.StartSpan(ctx, otel.TracerName, "assign_cluster")
	clusterID, distances, err := sc.Centroids.Assign(vec.Values)
	if err == nil {
		span.SetAttributes(otel.AssignmentAttributes(clusterID, distances[clusterID])...)
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	_, span = otel.StartSpan(ctx, otel.TracerName, "score")
	pair, err := sc.Registry.Get(clusterID)
	var as Assessment
	if err == nil {
		as, err = sc.Scorer.Score(pair, vec.Values)
	}
	if err == nil {
		span.SetAttributes(otel.ScoreAttributes(as.Primary, as.Baseline, as.Tier)...)
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	ectx, span := otel.StartSpan(ctx, otel.TracerName, "explain")
	res, err := sc.Explainer.Explain(ectx, clusterID, pair.Primary, vec.Names, vec.Values)
	if err == nil {
		span.SetAttributes(otel.ExplainAttributes(res.Cached, res.Warning)...)
	}
	endSpan(span, err)
	if err != nil {
		return nil, eris.Wrap(err, "explain")
	}

	resp := &api.ScoreResponse{
		Success:          true,
		RequestID:        requestID,
		Cluster:          clusterID,
		Distances:        make(map[int]float64, len(distances)),
		PrimaryPct:       api.Round(as.Primary*100, 1),
		BaselinePct:      api.Round(as.Baseline*100, 1),
		RiskTier:         as.Tier,
		RiskColor:        as.Color,
		PrimaryDecision:  as.PrimaryDecision,
		BaselineDecision: as.BaselineDecision,
		Attributions:     res.Attributions,
		ExpectedValue:    api.Round(res.Explanation.ExpectedValue, 4),
		Visualization:    res.Visualization,
	}
	for id, d := range distances {
		resp.Distances[id] = api.Round(d, 0)
	}
	if s, ok := sc.Centroids.Summary(clusterID); ok {
		resp.ClusterSummary = &s
	}
	if res.Warning != "" {
		resp.Warnings = append(resp.Warnings, res.Warning)
	}

	if p.history != nil {
		hctx, span := otel.StartSpan(ctx, otel.TracerName, "history_append")
		_, herr := p.history.Append(hctx, api.HistoryRecord{
			ID:          requestID,
			Cluster:     clusterID,
			PrimaryPct:  resp.PrimaryPct,
			BaselinePct: resp.BaselinePct,
			RiskTier:    as.Tier,
			RiskColor:   as.Color,
			Age:         vec.Applicant.Age,
			LimitBal:    vec.Applicant.LimitBal,
		})
		endSpan(span, herr)
		if herr != nil {
			resp.Warnings = append(resp.Warnings, "history not saved: "+herr.Error())
		}
	}
	return resp, nil
}

// History returns the retained decisions, newest first.
func (p *Pipeline) History(ctx context.Context) ([]api.HistoryRecord, error) {
	if p.history == nil {
		return []api.HistoryRecord{}, nil
	}
	return p.history.Load(ctx)
}

// ClusterInfo describes the centroid schema and the reference population.
type ClusterInfo struct {
	FeatureNames []string                   `json:"feature_names" yaml:"feature_names"`
	Clusters     map[int]api.ClusterSummary `json:"clusters" yaml:"clusters"`
	BundleDigest string                     `json:"bundle_sha256" yaml:"bundle_sha256"`
}

// Clusters returns the schema and per-cluster summaries.
func (p *Pipeline) Clusters() ClusterInfo {
	return ClusterInfo{
		FeatureNames: p.sc.Centroids.Schema(),
		Clusters:     p.sc.Centroids.Summaries(),
		BundleDigest: p.sc.Registry.Digest(),
	}
}

func endSpan(span trace.Span, err error) {
	otel.RecordError(span, err, "")
	span.End()
}

func classify(err error) string {
	var (
		verr *api.ValidationError
		merr *api.ModelNotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return OutcomeInvalid
	case errors.As(err, &merr):
		return OutcomeModelMissing
	}
	return OutcomeError
}
