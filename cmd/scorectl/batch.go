package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/creditscore/internal/scoring"
)

var (
	batchInput       string
	batchConcurrency int
	batchFormat      string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Score every applicant in a CSV file",
	Long:  "Reads a CSV whose header carries the request field names (limit_bal, sex, ..., pay_amt6) and scores the rows concurrently.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rows, err := readApplicantsCSV(batchInput)
		if err != nil {
			return err
		}

		e, err := initScoring(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()

		results, failed := processBatch(ctx, e.Pipeline, rows, batchConcurrency)
		if err := writeOutput(cmd.OutOrStdout(), batchFormat, results); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d applicants failed", failed, len(rows))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVarP(&batchInput, "input", "i", "", "applicants CSV file")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 4, "applicants scored in parallel")
	batchCmd.Flags().StringVar(&batchFormat, "format", formatJSON, "output format: json or yaml")
	_ = batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}

// batchResult is one row of batch output.
type batchResult struct {
	Row        int     `json:"row"`
	RequestID  string  `json:"request_id,omitempty"`
	Cluster    int     `json:"cluster"`
	PrimaryPct float64 `json:"primary_probability_pct"`
	RiskTier   string  `json:"risk_tier,omitempty"`
	Decision   string  `json:"primary_decision,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// readApplicantsCSV returns one raw field map per data row, keyed by the
// lower-cased header.
func readApplicantsCSV(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "read header of %s", path)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}

	var rows []map[string]any
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read %s line %d", path, len(rows)+2)
		}
		raw := make(map[string]any, len(header))
		for i, h := range header {
			if v := strings.TrimSpace(rec[i]); v != "" {
				raw[h] = v
			}
		}
		rows = append(rows, raw)
	}
	return rows, nil
}

// processBatch scores rows with at most concurrency requests in flight. Row
// failures are reported in the results and do not stop the batch.
func processBatch(ctx context.Context, p *scoring.Pipeline, rows []map[string]any, concurrency int) ([]batchResult, int) {
	if concurrency < 1 {
		concurrency = 1
	}
	zap.L().Info("processing batch",
		zap.Int("applicants", len(rows)),
		zap.Int("concurrency", concurrency),
	)

	results := make([]batchResult, len(rows))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, raw := range rows {
		g.Go(func() error {
			res := batchResult{Row: i + 1}
			if err := gctx.Err(); err != nil {
				res.Error = err.Error()
				failed.Add(1)
				results[i] = res
				return nil
			}
			resp, err := p.Score(gctx, raw)
			res.RequestID = resp.RequestID
			if err != nil {
				res.Error = err.Error()
				failed.Add(1)
			} else {
				res.Cluster = resp.Cluster
				res.PrimaryPct = resp.PrimaryPct
				res.RiskTier = resp.RiskTier
				res.Decision = resp.PrimaryDecision
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("batch complete",
		zap.Int("applicants", len(rows)),
		zap.Int32("failed", failed.Load()),
	)
	return results, int(failed.Load())
}
