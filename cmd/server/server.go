package main

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/auth"
	"github.com/fractal-lba/creditscore/internal/metrics"
	"github.com/fractal-lba/creditscore/internal/scoring"
)

// maxBody caps a scoring request.
const maxBody = 1 << 20

// Server serves scoring, history and cluster information over HTTP.
type Server struct {
	pipeline    *scoring.Pipeline
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	limiter     *rate.Limiter
	log         *zap.Logger
	gateway     *auth.GatewayConfig
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// NewServer wires the handlers. gatherer backs /metrics.
func NewServer(p *scoring.Pipeline, m *metrics.Metrics, gatherer prometheus.Gatherer, limiter *rate.Limiter) *Server {
	return &Server{
		pipeline: p,
		metrics:  m,
		gatherer: gatherer,
		limiter:  limiter,
		log:      zap.L().With(zap.String("component", "http")),
		gateway:  &auth.GatewayConfig{Enabled: false},
	}
}

// WithGatewayAuth requires gateway-verified callers on the /v1 routes.
func (s *Server) WithGatewayAuth(cfg *auth.GatewayConfig) *Server {
	if cfg != nil {
		s.gateway = cfg
	}
	return s
}

// WithMetricsAuth protects /metrics with basic auth when user is set.
func (s *Server) WithMetricsAuth(user, password string) *Server {
	s.metricsAuth.enabled = user != ""
	s.metricsAuth.user = user
	s.metricsAuth.password = password
	return s
}

// Routes returns the service mux wrapped in recovery.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/score", s.instrument("score", s.guard(auth.ScopeScore, s.limit(http.HandlerFunc(s.handleScore)))))
	mux.Handle("GET /v1/history", s.instrument("history", s.guard(auth.ScopeHistory, http.HandlerFunc(s.handleHistory))))
	mux.Handle("GET /v1/clusters", s.instrument("clusters", s.guard(auth.ScopeClusters, http.HandlerFunc(s.handleClusters))))
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /health", handleHealth)
	return s.recover(mux)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, errors.New("request body exceeds 1 MiB"))
			return
		}
		writeFailure(w, http.StatusBadRequest, errors.New("failed to read body"))
		return
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		writeFailure(w, http.StatusBadRequest, errors.New("request body must be a JSON object"))
		return
	}

	resp, err := s.pipeline.Score(r.Context(), raw)
	if subject, ok := auth.Subject(r.Context()); ok {
		s.log.Info("applicant scored",
			zap.String("subject", subject),
			zap.String("request_id", resp.RequestID),
			zap.Bool("success", resp.Success))
	}
	if err != nil {
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.pipeline.History(r.Context())
	if err != nil {
		s.log.Error("history load failed", zap.Error(err))
		writeFailure(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Clusters())
}

// guard applies gateway authentication and the route's scope.
func (s *Server) guard(scope string, next http.Handler) http.Handler {
	return auth.Gateway(s.gateway)(auth.RequireScope(s.gateway, scope)(next))
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.Limited()
			w.Header().Set("Retry-After", "1")
			writeFailure(w, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequest(route, rec.code)
		s.log.Debug("request served",
			zap.String("route", route),
			zap.Int("code", rec.code),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path), zap.Stack("stack"))
				writeFailure(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.metricsAuth.user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.metricsAuth.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func statusFor(err error) int {
	var verr *api.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, api.FailureResponse(err))
}

// writeJSON encodes v before committing status, so an unencodable value
// becomes a 500 failure object instead of an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("response encoding failed", zap.Int("status", status), zap.Error(err))
		status = http.StatusInternalServerError
		body, _ = json.Marshal(api.FailureResponse(errors.New("response could not be encoded")))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
