package scoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/cluster"
	"github.com/fractal-lba/creditscore/internal/explain"
	"github.com/fractal-lba/creditscore/internal/features"
	"github.com/fractal-lba/creditscore/internal/metrics"
	"github.com/fractal-lba/creditscore/internal/models"
)

// Context holds everything a request needs. It is built once and never
// mutated, so it is shared freely between goroutines.
type Context struct {
	Params    api.ScoringParams
	Centroids *cluster.Store
	Registry  *models.Registry
	Builder   *features.Builder
	Scorer    *Scorer
	Explainer *explain.Engine
}

// Artifacts locates the training outputs.
type Artifacts struct {
	ReferenceCSV string
	ModelsPath   string
}

// EngineOptions are the explainer settings not covered by ScoringParams.
type EngineOptions struct {
	CacheSize    int
	CacheTTL     time.Duration
	DisableChart bool
}

// LoadContext reads the reference table and the model bundle concurrently,
// then cross-validates them.
func LoadContext(ctx context.Context, art Artifacts, params api.ScoringParams, eo EngineOptions, m *metrics.Metrics) (*Context, error) {
	start := time.Now()

	var (
		store  *cluster.Store
		bundle *models.Bundle
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		store, err = cluster.LoadCSV(art.ReferenceCSV)
		return err
	})
	g.Go(func() error {
		var err error
		bundle, err = models.LoadBundle(art.ModelsPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sc, err := NewContext(store, bundle, params, eo, m)
	if err != nil {
		return nil, err
	}
	m.ArtifactsLoaded(time.Since(start))
	zap.L().Info("scoring context ready",
		zap.String("reference", art.ReferenceCSV),
		zap.String("models", art.ModelsPath),
		zap.String("bundle_sha256", bundle.Digest),
		zap.Ints("clusters", store.IDs()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sc, nil
}

// NewContext assembles a Context from already loaded artifacts.
func NewContext(store *cluster.Store, bundle *models.Bundle, params api.ScoringParams, eo EngineOptions, m *metrics.Metrics) (*Context, error) {
	reg, err := models.NewRegistry(bundle, store)
	if err != nil {
		return nil, err
	}
	builder, err := features.NewBuilder(store.Schema())
	if err != nil {
		return nil, err
	}
	scorer, err := NewScorer(params.DecisionThreshold)
	if err != nil {
		return nil, err
	}
	engine, err := explain.NewEngine(explain.Options{
		TopK:          params.TopK,
		MaxDisplay:    params.ChartMaxDisplay,
		RenderTimeout: params.RenderTimeout,
		CacheSize:     eo.CacheSize,
		CacheTTL:      eo.CacheTTL,
		DisableChart:  eo.DisableChart,
	}, m)
	if err != nil {
		return nil, eris.Wrap(err, "scoring: attribution engine")
	}
	return &Context{
		Params:    params,
		Centroids: store,
		Registry:  reg,
		Builder:   builder,
		Scorer:    scorer,
		Explainer: engine,
	}, nil
}
