package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/scoring"
)

var inspectFormat string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the retained scoring decisions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		hist, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer hist.Close()

		recs, err := hist.Load(ctx)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), inspectFormat, recs)
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Print the centroid schema and cluster summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initScoring(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		return writeOutput(cmd.OutOrStdout(), inspectFormat, e.Pipeline.Clusters())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Load and cross-check the reference table and model bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scoring.LoadContext(cmd.Context(),
			scoring.Artifacts{ReferenceCSV: cfg.Data.ReferenceCSV, ModelsPath: cfg.Data.ModelsPath},
			cfg.ScoringParams(), scoring.EngineOptions{DisableChart: true}, nil)
		if err != nil {
			return eris.Wrap(err, "artifacts rejected")
		}
		if err := sc.Registry.VerifyIntegrity(); err != nil {
			return err
		}

		zap.L().Info("artifacts verified", zap.String("bundle_sha256", sc.Registry.Digest()))
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d features, clusters %v, bundle sha256 %s\n",
			len(sc.Centroids.Schema()), sc.Registry.IDs(), sc.Registry.Digest())
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{historyCmd, clustersCmd} {
		c.Flags().StringVar(&inspectFormat, "format", formatJSON, "output format: json or yaml")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(verifyCmd)
}
