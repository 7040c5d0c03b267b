package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gotel "go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/explain"
	"github.com/fractal-lba/creditscore/internal/history"
	"github.com/fractal-lba/creditscore/internal/metrics"
)

const (
	referenceCSV = "testdata/reference.csv"
	modelsJSON   = "testdata/models.json"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	os.Exit(m.Run())
}

// workedExample is the applicant used throughout the documentation.
func workedExample() map[string]any {
	return map[string]any{
		"limit_bal": 50000, "sex": 2, "education": 2, "marriage": 1, "age": 35,
		"pay_0": 0, "pay_2": 0, "pay_3": 0, "pay_4": 0, "pay_5": 0, "pay_6": 0,
		"bill_amt1": 20000, "bill_amt2": 18000, "bill_amt3": 15000,
		"bill_amt4": 12000, "bill_amt5": 10000, "bill_amt6": 8000,
		"pay_amt1": 2000, "pay_amt2": 2000, "pay_amt3": 1500,
		"pay_amt4": 1500, "pay_amt5": 1000, "pay_amt6": 1000,
	}
}

func loadTestContext(t *testing.T, m *metrics.Metrics, eo EngineOptions) *Context {
	t.Helper()
	sc, err := LoadContext(context.Background(),
		Artifacts{ReferenceCSV: referenceCSV, ModelsPath: modelsJSON},
		api.DefaultScoringParams(), eo, m)
	require.NoError(t, err)
	return sc
}

func stubChart(sc *Context) {
	sc.Explainer.WithRenderer(func(*explain.Explanation, []float64, int, string) ([]byte, error) {
		return []byte("png"), nil
	})
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, api.HistoryRecord, int) error {
	return errors.New("database is locked")
}
func (brokenStore) Load(context.Context, int) ([]api.HistoryRecord, error) { return nil, nil }
func (brokenStore) Name() string                                           { return "sqlite" }
func (brokenStore) Close() error                                           { return nil }

func TestTierBoundaries(t *testing.T) {
	tests := []struct {
		p     float64
		tier  string
		color string
	}{
		{1.0, TierHigh, "red"},
		{0.70, TierHigh, "red"},
		{0.6999, TierModerate, "orange"},
		{0.35, TierModerate, "orange"},
		{0.3499, TierLow, "yellow"},
		{0.20, TierLow, "yellow"},
		{0.1999, TierVeryLow, "green"},
		{0, TierVeryLow, "green"},
	}
	for _, tt := range tests {
		tier, color := Tier(tt.p)
		assert.Equal(t, tt.tier, tier, "p=%v", tt.p)
		assert.Equal(t, tt.color, color, "p=%v", tt.p)
	}
}

func TestDecision(t *testing.T) {
	assert.Equal(t, DecisionDefault, Decision(0.30, 0.30))
	assert.Equal(t, DecisionNoDefault, Decision(0.2999, 0.30))
}

func TestNewScorer_RejectsThreshold(t *testing.T) {
	for _, thr := range []float64{0, 1, -0.1, 1.5} {
		_, err := NewScorer(thr)
		assert.Error(t, err, "threshold %v", thr)
	}
}

func TestScorer_RejectsNonFiniteProbability(t *testing.T) {
	sc := loadTestContext(t, nil, EngineOptions{DisableChart: true})
	pair, err := sc.Registry.Get(0)
	require.NoError(t, err)

	// the squared deviation overflows, leaving naive Bayes with -Inf for both
	// classes
	values := make([]float64, len(sc.Centroids.Schema()))
	values[0] = 1e160
	_, err = sc.Scorer.Score(pair, values)
	var verr *api.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Contains(t, verr.Reason, "baseline model probability is not finite")
}

func TestLoadContext(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sc := loadTestContext(t, m, EngineOptions{DisableChart: true})

	assert.Equal(t, []int{0, 1, 2}, sc.Centroids.IDs())
	assert.Equal(t, sc.Centroids.IDs(), sc.Registry.IDs())
	assert.Equal(t, sc.Centroids.Schema(), sc.Builder.Schema())
	assert.NoError(t, sc.Registry.VerifyIntegrity())
	assert.Greater(t, testutil.ToFloat64(m.ArtifactsLoadSec), 0.0)

	// the two noise rows were folded into clusters 0 and 1
	s0, _ := sc.Centroids.Summary(0)
	s1, _ := sc.Centroids.Summary(1)
	s2, _ := sc.Centroids.Summary(2)
	assert.Equal(t, 11, s0.Size)
	assert.Equal(t, 11, s1.Size)
	assert.Equal(t, 10, s2.Size)
	assert.Equal(t, 60.0, s2.DefaultRatePct)
}

func TestLoadContext_MissingArtifact(t *testing.T) {
	_, err := LoadContext(context.Background(),
		Artifacts{ReferenceCSV: referenceCSV, ModelsPath: filepath.Join(t.TempDir(), "none.json")},
		api.DefaultScoringParams(), EngineOptions{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none.json")
}

func TestLoadContext_RejectsClusterDrift(t *testing.T) {
	data, err := os.ReadFile(modelsJSON)
	require.NoError(t, err)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(data, &bundle))
	delete(bundle["clusters"].(map[string]any), "2")

	out, err := json.Marshal(bundle)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, out, 0o644))

	_, err = LoadContext(context.Background(),
		Artifacts{ReferenceCSV: referenceCSV, ModelsPath: path},
		api.DefaultScoringParams(), EngineOptions{}, nil)
	var serr *api.SchemaMismatchError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Contains(t, serr.Detail, "cluster 2")
}

func TestPipeline_WorkedExample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sc := loadTestContext(t, m, EngineOptions{})
	stubChart(sc)
	hist := history.NewLog(history.NewMemoryStore(), 50, m)
	p := NewPipeline(sc, hist, m)

	resp, err := p.Score(context.Background(), workedExample())
	require.NoError(t, err)
	require.True(t, resp.Success)

	assert.Equal(t, 0, resp.Cluster)
	require.Len(t, resp.Distances, 3)
	for id, d := range resp.Distances {
		assert.Equal(t, math.Round(d), d, "distance to %d", id)
	}
	assert.Less(t, resp.Distances[0], resp.Distances[2])
	assert.Less(t, resp.Distances[2], resp.Distances[1])

	// raw = -1.3 + 0.1 * (-0.4 - 0.1 - 0.2 + 0.15)
	assert.Equal(t, 20.5, resp.PrimaryPct)
	assert.Equal(t, TierLow, resp.RiskTier)
	assert.Equal(t, "yellow", resp.RiskColor)
	assert.Equal(t, DecisionNoDefault, resp.PrimaryDecision)
	assert.GreaterOrEqual(t, resp.BaselinePct, 0.0)
	assert.LessOrEqual(t, resp.BaselinePct, 100.0)

	require.Len(t, resp.Attributions, 6)
	for i := 1; i < len(resp.Attributions); i++ {
		assert.GreaterOrEqual(t,
			math.Abs(resp.Attributions[i-1].Value), math.Abs(resp.Attributions[i].Value))
	}
	assert.NotEmpty(t, resp.Visualization)
	require.NotNil(t, resp.ClusterSummary)
	assert.Equal(t, 11, resp.ClusterSummary.Size)
	assert.Empty(t, resp.Warnings)

	recs, err := p.History(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, resp.RequestID, recs[0].ID)
	assert.Equal(t, 20.5, recs[0].PrimaryPct)
	assert.Equal(t, resp.BaselinePct, recs[0].BaselinePct)
	assert.Equal(t, 35, recs[0].Age)
	assert.Equal(t, 50000.0, recs[0].LimitBal)
	assert.Equal(t, TierLow, recs[0].RiskTier)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tiers.WithLabelValues(TierLow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clusters.WithLabelValues("0")))
}

func TestPipeline_Deterministic(t *testing.T) {
	sc := loadTestContext(t, nil, EngineOptions{DisableChart: true})
	p := NewPipeline(sc, nil, nil)

	first, err := p.Score(context.Background(), workedExample())
	require.NoError(t, err)
	second, err := p.Score(context.Background(), workedExample())
	require.NoError(t, err)

	assert.Equal(t, first.Attributions, second.Attributions)
	assert.Equal(t, first.ExpectedValue, second.ExpectedValue)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestPipeline_ValidationFailureWritesNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sc := loadTestContext(t, m, EngineOptions{DisableChart: true})
	hist := history.NewLog(history.NewMemoryStore(), 50, m)
	p := NewPipeline(sc, hist, m)

	raw := workedExample()
	delete(raw, "pay_amt4")
	resp, err := p.Score(context.Background(), raw)

	var verr *api.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "pay_amt4", verr.Field)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "pay_amt4")

	recs, err := p.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(OutcomeInvalid)))
}

func TestPipeline_NonFiniteInputsAreRejected(t *testing.T) {
	tests := []struct {
		name  string
		patch func(map[string]any)
		field string
	}{
		{
			name: "mean bill of -1",
			patch: func(raw map[string]any) {
				for i := 1; i <= 6; i++ {
					raw[fmt.Sprintf("bill_amt%d", i)] = -1
					raw[fmt.Sprintf("pay_amt%d", i)] = 0
				}
			},
			field: "PAY_RATIO",
		},
		{
			name:  "overflowing bill",
			patch: func(raw map[string]any) { raw["bill_amt1"] = 1e200 },
			field: "features",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			sc := loadTestContext(t, m, EngineOptions{DisableChart: true})
			p := NewPipeline(sc, history.NewLog(history.NewMemoryStore(), 50, m), m)

			raw := workedExample()
			tt.patch(raw)
			resp, err := p.Score(context.Background(), raw)

			var verr *api.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.False(t, resp.Success)

			_, err = json.Marshal(resp)
			assert.NoError(t, err)

			recs, err := p.History(context.Background())
			require.NoError(t, err)
			assert.Empty(t, recs)
			_, err = json.Marshal(recs)
			assert.NoError(t, err)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(OutcomeInvalid)))
		})
	}
}

func TestPipeline_HistoryFailureIsNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sc := loadTestContext(t, m, EngineOptions{DisableChart: true})
	p := NewPipeline(sc, history.NewLog(brokenStore{}, 50, m), m)

	resp, err := p.Score(context.Background(), workedExample())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "database is locked")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryErrors.WithLabelValues("sqlite")))
}

func TestPipeline_ConcurrentRequestsShareHistory(t *testing.T) {
	sc := loadTestContext(t, nil, EngineOptions{DisableChart: true})
	hist := history.NewLog(history.NewMemoryStore(), 50, nil)
	p := NewPipeline(sc, hist, nil)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := workedExample()
			raw["age"] = 20 + i%40
			_, err := p.Score(context.Background(), raw)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	recs, err := p.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 50)
}

func TestPipeline_RealChart(t *testing.T) {
	sc, err := LoadContext(context.Background(),
		Artifacts{ReferenceCSV: referenceCSV, ModelsPath: modelsJSON},
		api.ScoringParams{
			DecisionThreshold: 0.30,
			TopK:              6,
			ChartMaxDisplay:   8,
			RenderTimeout:     10 * time.Second,
			HistoryLimit:      50,
		}, EngineOptions{}, nil)
	require.NoError(t, err)

	resp, err := NewPipeline(sc, nil, nil).Score(context.Background(), workedExample())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Visualization)
	assert.Empty(t, resp.Warnings)
}

func TestPipeline_EmitsStepSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := gotel.GetTracerProvider()
	gotel.SetTracerProvider(tp)
	t.Cleanup(func() {
		gotel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})

	sc := loadTestContext(t, nil, EngineOptions{DisableChart: true})
	p := NewPipeline(sc, history.NewLog(history.NewMemoryStore(), 5, nil), nil)
	_, err := p.Score(context.Background(), workedExample())
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"score_applicant", "build_features", "assign_cluster", "score", "explain", "history_append"} {
		assert.True(t, names[want], "missing span %s", want)
	}
}

func TestClusters(t *testing.T) {
	sc := loadTestContext(t, nil, EngineOptions{DisableChart: true})
	info := NewPipeline(sc, nil, nil).Clusters()

	assert.Len(t, info.FeatureNames, 28)
	assert.Len(t, info.Clusters, 3)
	assert.Len(t, info.BundleDigest, 64)
}
