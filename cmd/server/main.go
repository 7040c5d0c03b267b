package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/creditscore/internal/auth"
	"github.com/fractal-lba/creditscore/internal/config"
	"github.com/fractal-lba/creditscore/internal/history"
	"github.com/fractal-lba/creditscore/internal/metrics"
	"github.com/fractal-lba/creditscore/internal/scoring"
	"github.com/fractal-lba/creditscore/pkg/otel"
)

func main() {
	configFile := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "creditscore:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck
	log := zap.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Enabled {
		oc := otel.DefaultConfig(cfg.Otel.ServiceName)
		oc.CollectorEndpoint = cfg.Otel.Endpoint
		oc.CollectorInsecure = cfg.Otel.Insecure
		oc.SamplingRate = cfg.Otel.SamplingRate
		tp, err := otel.InitTracer(ctx, oc)
		if err != nil {
			return err
		}
		defer otel.Shutdown(context.Background(), tp) //nolint:errcheck
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	sc, err := scoring.LoadContext(ctx,
		scoring.Artifacts{ReferenceCSV: cfg.Data.ReferenceCSV, ModelsPath: cfg.Data.ModelsPath},
		cfg.ScoringParams(),
		scoring.EngineOptions{CacheSize: cfg.Cache.Size, CacheTTL: cfg.Cache.TTL, DisableChart: cfg.Scoring.DisableChart},
		m)
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, cfg.HistoryOptions())
	if err != nil {
		return err
	}
	hist := history.NewLog(store, cfg.History.Limit, m)
	defer func() {
		if err := hist.Close(); err != nil {
			log.Error("error closing history", zap.Error(err))
		}
	}()

	srv := NewServer(scoring.NewPipeline(sc, hist, m), m, prometheus.DefaultGatherer,
		rate.NewLimiter(rate.Limit(cfg.Server.Rate), cfg.Server.Burst)).
		WithMetricsAuth(cfg.Server.MetricsUser, cfg.Server.MetricsPass)
	if cfg.Server.GatewayAuth {
		gw := auth.DefaultGatewayConfig()
		srv.WithGatewayAuth(gw)
		log.Info("gateway authentication enabled", zap.String("subject_header", gw.SubjectHeader))
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second + cfg.Scoring.RenderTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("history_backend", store.Name()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
