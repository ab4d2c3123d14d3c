package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quantfold/factorpipe/internal/app"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/pipeline"
)

// addRunFlags registers the common stage invocation flags.
func addRunFlags(fs *pflag.FlagSet) {
	fs.String("date", "", "As-of date (YYYY-MM-DD), default today")
	fs.Int("batch-size", 0, "Symbols per transaction (0 = stage default)")
	fs.StringSlice("symbols", nil, "Restrict the run to these tickers")
	fs.Bool("force", false, "Bypass the dependency staleness gate")
}

func paramsFromFlags(cmd *cobra.Command) (pipeline.Params, error) {
	var p pipeline.Params
	if raw, _ := cmd.Flags().GetString("date"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return p, fmt.Errorf("invalid --date %q: %w", raw, err)
		}
		p.Date = d
	}
	p.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	p.Symbols, _ = cmd.Flags().GetStringSlice("symbols")
	p.Force, _ = cmd.Flags().GetBool("force")
	return p, nil
}

// runStage wires the app, then executes one stage.
func runStage(cmd *cobra.Command, stage string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	p, err := paramsFromFlags(cmd)
	if err != nil {
		return err
	}
	return execStage(cmd.Context(), a, stage, p)
}

// execStage runs one stage on an already-wired app and prints its report.
// BLOCKED and already-running are informational (exit 0); only FAILED exits
// non-zero.
func execStage(ctx context.Context, a *app.App, stage string, p pipeline.Params) error {
	report, err := a.Orchestrator.Run(ctx, stage, p)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		var dep *domain.DependencyNotReadyError
		if errors.As(err, &dep) {
			log.Info().Str("stage", stage).Msg(dep.Error())
			return nil
		}
		if errors.Is(err, domain.ErrAlreadyRunning) {
			log.Info().Str("stage", stage).Msg("another execution holds the stage lock")
			return nil
		}
		return err
	}
	return nil
}

func printReport(report *pipeline.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(data))
}

func newUniverseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "universe",
		Short: "Sync the tradable universe from the registry sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, app.StageUniverse)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func newIngestCmd() *cobra.Command {
	stageFor := map[string]string{
		"pricing":      app.StageIngestPricing,
		"fundamentals": app.StageIngestFundamentals,
		"ownership":    app.StageIngestOwnership,
	}
	cmd := &cobra.Command{
		Use:       "ingest <pricing|fundamentals|ownership>",
		Short:     "Ingest raw observations from one source",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pricing", "fundamentals", "ownership"},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := stageFor[args[0]]
			if !ok {
				return fmt.Errorf("unknown source %q", args[0])
			}
			return runStage(cmd, stage)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func newFactorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factors [category]",
		Short: "Compute factor metrics (one category, or all seven)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStage(cmd, app.FactorStageName(domain.Category(args[0])))
			}
			// One app for all seven categories: the config is loaded and
			// the store pool opened once.
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			p, err := paramsFromFlags(cmd)
			if err != nil {
				return err
			}
			for _, c := range domain.Categories() {
				if err := execStage(cmd.Context(), a, app.FactorStageName(c), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Combine factor metrics into composite scores for a date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, app.StageComposite)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}
