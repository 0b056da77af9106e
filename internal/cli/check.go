package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetbeat/internal/app"
)

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if _, err := app.MapSchedulerConfig(cfg); err != nil {
				return err
			}
			if _, _, err := app.MapStorageConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d agents, scheduler enabled: %t)\n",
				opts.configPath, len(cfg.Fleet), cfg.Scheduler.IsEnabled())
			return nil
		},
	}
}
