package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetbeat/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(opts *options) *cobra.Command {
	var runFor time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: "Run the scheduler daemon until SIGINT or SIGTERM. The config file is watched " +
			"and valid changes are applied without a restart.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			var deadline <-chan time.Time
			if runFor > 0 {
				t := time.NewTimer(runFor)
				defer t.Stop()
				deadline = t.C
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-deadline:
				reason = app.StopAppStop
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&runFor, "for", 0, "stop after this long (0 runs until signaled)")
	return cmd
}
