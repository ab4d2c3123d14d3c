package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfold/factorpipe/internal/app"
	"github.com/quantfold/factorpipe/internal/ops"
	"github.com/quantfold/factorpipe/internal/pipeline"
)

func newCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run the full pipeline DAG once, or on a cron schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			p, err := paramsFromFlags(cmd)
			if err != nil {
				return err
			}

			schedule, _ := cmd.Flags().GetString("schedule")
			if schedule == "" {
				reports, err := a.Orchestrator.Cycle(cmd.Context(), p)
				for _, r := range reports {
					printReport(r)
				}
				return err
			}
			return runScheduled(cmd.Context(), a, schedule)
		},
	}
	addRunFlags(cmd.Flags())
	cmd.Flags().String("schedule", "", `Cron expression (e.g. "0 6 * * 1-5") to re-run the cycle`)
	return cmd
}

// runScheduled re-runs the cycle on a cron schedule, serving health and
// metrics in between, until interrupted.
func runScheduled(ctx context.Context, a *app.App, schedule string) error {
	var server *ops.Server
	if a.Config.Ops.Addr != "" {
		server = ops.New(a.Config.Ops.Addr, a.Store)
		go server.Start()
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		// Each tick scores its own day.
		tick := pipeline.Params{Date: time.Now().UTC()}
		if _, err := a.Orchestrator.Cycle(context.Background(), tick); err != nil {
			log.Error().Err(err).Msg("scheduled cycle finished with failures")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()
	log.Info().Str("schedule", schedule).Msg("cycle scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case s := <-sigCh:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}
