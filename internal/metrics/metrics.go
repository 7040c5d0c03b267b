package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the scoring service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Requests         *prometheus.CounterVec
	Tiers            *prometheus.CounterVec
	Clusters         *prometheus.CounterVec
	PipelineLatency  prometheus.Histogram
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RenderTimeouts   prometheus.Counter
	RenderFailures   prometheus.Counter
	HistoryErrors    *prometheus.CounterVec
	HistoryAppends   prometheus.Counter
	RateLimited      prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	ArtifactsLoadSec prometheus.Gauge
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditscore_requests_total",
			Help: "Scoring requests by outcome (ok, invalid, model_missing, error)",
		}, []string{"outcome"}),
		Tiers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditscore_risk_tier_total",
			Help: "Successful scores by risk tier",
		}, []string{"tier"}),
		Clusters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditscore_cluster_assignments_total",
			Help: "Applicants assigned per cluster",
		}, []string{"cluster"}),
		PipelineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditscore_pipeline_seconds",
			Help:    "End-to-end scoring pipeline latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_attribution_cache_hits_total",
			Help: "Attribution results served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_attribution_cache_misses_total",
			Help: "Attribution results computed",
		}),
		RenderTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_render_timeouts_total",
			Help: "Waterfall renders abandoned at the render timeout",
		}),
		RenderFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_render_failures_total",
			Help: "Waterfall renders that returned an error",
		}),
		HistoryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditscore_history_errors_total",
			Help: "History persistence failures by backend",
		}, []string{"backend"}),
		HistoryAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_history_appends_total",
			Help: "History records persisted",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "creditscore_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditscore_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		ArtifactsLoadSec: f.NewGauge(prometheus.GaugeOpts{
			Name: "creditscore_artifacts_load_seconds",
			Help: "Time taken to load the reference table and model bundle at startup",
		}),
	}
}

// ObserveScore records one finished pipeline run.
func (m *Metrics) ObserveScore(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.PipelineLatency.Observe(elapsed.Seconds())
}

// ObserveTier counts a successful score in its tier and cluster.
func (m *Metrics) ObserveTier(tier, cluster string) {
	if m == nil {
		return
	}
	m.Tiers.WithLabelValues(tier).Inc()
	m.Clusters.WithLabelValues(cluster).Inc()
}

// CacheHit counts an attribution cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CacheMiss counts an attribution cache miss.
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// RenderTimeout counts an abandoned render.
func (m *Metrics) RenderTimeout() {
	if m != nil {
		m.RenderTimeouts.Inc()
	}
}

// RenderFailure counts a failed render.
func (m *Metrics) RenderFailure() {
	if m != nil {
		m.RenderFailures.Inc()
	}
}

// HistoryError counts a persistence failure on backend.
func (m *Metrics) HistoryError(backend string) {
	if m != nil {
		m.HistoryErrors.WithLabelValues(backend).Inc()
	}
}

// HistoryAppend counts a persisted record.
func (m *Metrics) HistoryAppend() {
	if m != nil {
		m.HistoryAppends.Inc()
	}
}

// Limited counts a rate-limited HTTP request.
func (m *Metrics) Limited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

// HTTPRequest counts a served HTTP request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// ArtifactsLoaded records startup load time.
func (m *Metrics) ArtifactsLoaded(elapsed time.Duration) {
	if m != nil {
		m.ArtifactsLoadSec.Set(elapsed.Seconds())
	}
}
