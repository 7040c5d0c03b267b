package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/config"
	"github.com/fractal-lba/creditscore/internal/history"
	"github.com/fractal-lba/creditscore/internal/scoring"
)

var (
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "scorectl",
	Short: "Operate the credit-default scoring pipeline",
	Long:  "Scores applicants against the per-cluster models, inspects the decision history and checks training artifacts.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFile)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
}

// env is what the scoring commands share.
type env struct {
	Pipeline *scoring.Pipeline
	History  *history.Log
}

func (e *env) Close() {
	if e.History != nil {
		if err := e.History.Close(); err != nil {
			zap.L().Warn("close history", zap.Error(err))
		}
	}
}

// initScoring loads the artifacts and opens the configured history backend.
func initScoring(ctx context.Context, withHistory bool) (*env, error) {
	sc, err := scoring.LoadContext(ctx,
		scoring.Artifacts{ReferenceCSV: cfg.Data.ReferenceCSV, ModelsPath: cfg.Data.ModelsPath},
		cfg.ScoringParams(),
		scoring.EngineOptions{CacheSize: cfg.Cache.Size, CacheTTL: cfg.Cache.TTL, DisableChart: cfg.Scoring.DisableChart},
		nil)
	if err != nil {
		return nil, err
	}
	e := &env{}
	if withHistory {
		if e.History, err = openHistory(ctx); err != nil {
			return nil, err
		}
	}
	e.Pipeline = scoring.NewPipeline(sc, e.History, nil)
	return e, nil
}

func openHistory(ctx context.Context) (*history.Log, error) {
	store, err := history.Open(ctx, cfg.HistoryOptions())
	if err != nil {
		return nil, eris.Wrap(err, "open history")
	}
	return history.NewLog(store, cfg.History.Limit, nil), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
