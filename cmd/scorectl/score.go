package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	scoreInput     string
	scoreFormat    string
	scoreNoHistory bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score one applicant read from a JSON file or stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := readApplicant(cmd.InOrStdin(), scoreInput)
		if err != nil {
			return err
		}

		e, err := initScoring(ctx, !scoreNoHistory)
		if err != nil {
			return err
		}
		defer e.Close()

		return runScore(ctx, e, raw, cmd.OutOrStdout(), scoreFormat)
	},
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreInput, "input", "i", "-", "applicant JSON file, - for stdin")
	scoreCmd.Flags().StringVar(&scoreFormat, "format", formatJSON, "output format: json or yaml")
	scoreCmd.Flags().BoolVar(&scoreNoHistory, "no-history", false, "do not record the decision")
	rootCmd.AddCommand(scoreCmd)
}

// readApplicant decodes one JSON object from path, or from stdin when path
// is "-".
func readApplicant(stdin io.Reader, path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read applicant %s", path)
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, eris.Errorf("applicant %s is not a JSON object", path)
	}
	return raw, nil
}

// runScore prints the response, including failure responses, and returns the
// scoring error so the exit code reflects it.
func runScore(ctx context.Context, e *env, raw map[string]any, w io.Writer, format string) error {
	resp, err := e.Pipeline.Score(ctx, raw)
	if werr := writeOutput(w, format, resp); werr != nil {
		return werr
	}
	return err
}
