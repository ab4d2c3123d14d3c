// factorpipe is the batch trigger surface of the multi-factor scoring
// pipeline. Every stage is invokable on its own; `cycle` runs the whole
// dependency-gated DAG once or on a cron schedule.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfold/factorpipe/internal/app"
	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/store"
	"github.com/quantfold/factorpipe/internal/store/memory"
	"github.com/quantfold/factorpipe/internal/store/postgres"
)

const version = "v0.3.0"

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:           "factorpipe",
		Short:         "Multi-factor composite scoring pipeline",
		Long:          "factorpipe ingests raw market and fundamental observations, derives seven factor scores per symbol, and combines them into a ranked composite, gated on upstream data freshness.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().String("store", "postgres", "Storage backend (postgres|memory)")

	rootCmd.AddCommand(
		newUniverseCmd(),
		newIngestCmd(),
		newFactorsCmd(),
		newScoreCmd(),
		newCycleCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

// buildApp loads config, opens the selected store and wires the pipeline.
func buildApp(cmd *cobra.Command) (*app.App, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	backend, _ := cmd.Flags().GetString("store")
	var st *store.Store
	switch backend {
	case "memory":
		st = memory.New()
	case "postgres":
		st, err = postgres.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	return app.New(cfg, st, app.HTTPClients(cfg))
}
