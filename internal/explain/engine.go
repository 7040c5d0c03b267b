package explain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/cache"
	"github.com/fractal-lba/creditscore/internal/metrics"
	"github.com/fractal-lba/creditscore/internal/models"
)

// Renderer draws a waterfall chart as PNG bytes.
type Renderer func(e *Explanation, values []float64, maxDisplay int, title string) ([]byte, error)

// Options configures an Engine.
type Options struct {
	TopK          int
	MaxDisplay    int
	RenderTimeout time.Duration
	CacheSize     int
	CacheTTL      time.Duration
	// DisableChart skips rendering entirely; Visualization stays empty.
	DisableChart bool
}

// Result is the explanation of one scored applicant. Explanation is shared
// with the cache and must not be modified.
type Result struct {
	Explanation   *Explanation
	Attributions  []api.AttributionItem
	Visualization string
	// Warning is set when the chart could not be produced.
	Warning string
	// Cached reports that the result was served from the cache.
	Cached bool
}

// Key identifies a cached result: the cluster model and the exact vector.
type Key struct {
	Cluster     int
	Fingerprint [sha256.Size]byte
}

// Fingerprint hashes the bit patterns of values.
func Fingerprint(values []float64) [sha256.Size]byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return sha256.Sum256(buf)
}

// Engine explains primary-model outputs and renders their waterfall charts.
// Results are deterministic, so they are cached per (cluster, vector).
type Engine struct {
	opts    Options
	cache   *cache.LRU[Key, *Result]
	render  Renderer
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewEngine builds an engine. m may be nil.
func NewEngine(opts Options, m *metrics.Metrics) (*Engine, error) {
	if opts.TopK <= 0 {
		return nil, eris.Errorf("explain: top-k must be positive, got %d", opts.TopK)
	}
	if opts.MaxDisplay < 2 {
		opts.MaxDisplay = 2
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	c, err := cache.New[Key, *Result](opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, eris.Wrap(err, "explain: cache")
	}
	return &Engine{
		opts:    opts,
		cache:   c,
		render:  RenderWaterfall,
		metrics: m,
		log:     zap.L().With(zap.String("component", "attribution_engine")),
	}, nil
}

// WithRenderer replaces the chart renderer.
func (e *Engine) WithRenderer(r Renderer) *Engine {
	e.render = r
	return e
}

// CacheStats exposes the result cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// Explain attributes model's raw output at values to the named features and
// renders the chart. A chart failure leaves Visualization empty and sets
// Warning; it never fails the call.
func (e *Engine) Explain(ctx context.Context, cluster int, model *models.GradientBoosting, names []string, values []float64) (*Result, error) {
	key := Key{Cluster: cluster, Fingerprint: Fingerprint(values)}
	if cached, ok := e.cache.Get(key); ok && (cached.Visualization != "" || e.opts.DisableChart) {
		e.metrics.CacheHit()
		c := cached.clone()
		c.Cached = true
		return c, nil
	}
	e.metrics.CacheMiss()

	exp, err := TreeSHAP(model, values, names)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Explanation:  exp,
		Attributions: TopK(exp, values, e.opts.TopK),
	}
	if !e.opts.DisableChart {
		title := fmt.Sprintf("Feature contributions, cluster %d", cluster)
		img, err := e.renderBounded(ctx, exp, values, title)
		if err != nil {
			res.Warning = "visualization unavailable: " + err.Error()
			e.log.Warn("waterfall render failed", zap.Int("cluster", cluster), zap.Error(err))
		} else {
			res.Visualization = img
		}
	}

	e.cache.Set(key, res)
	return res.clone(), nil
}

func (e *Engine) renderBounded(ctx context.Context, exp *Explanation, values []float64, title string) (string, error) {
	if e.opts.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RenderTimeout)
		defer cancel()
	}

	type out struct {
		png []byte
		err error
	}
	done := make(chan out, 1)
	go func() {
		png, err := e.render(exp, values, e.opts.MaxDisplay, title)
		done <- out{png, err}
	}()

	select {
	case <-ctx.Done():
		e.metrics.RenderTimeout()
		return "", eris.Wrap(ctx.Err(), "render abandoned")
	case o := <-done:
		if o.err != nil {
			e.metrics.RenderFailure()
			return "", o.err
		}
		return base64.StdEncoding.EncodeToString(o.png), nil
	}
}

func (r *Result) clone() *Result {
	c := *r
	c.Attributions = append([]api.AttributionItem(nil), r.Attributions...)
	return &c
}
