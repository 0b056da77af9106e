// Package cli implements the fleetbeat command line.
package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetbeat/internal/config"
	"fleetbeat/pkg/logx"
)

const defaultConfigPath = "./fleetbeat.yaml"

// options holds the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "fleetbeat",
		Short:         "Staggered heartbeat and optimization scheduler for agent fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for one-shot commands (run uses the config file)")

	root.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newStaggerCmd(opts),
		newJournalCmd(opts),
		newCheckCmd(opts),
	)
	return root
}

// loadConfig reads and validates the config file without watching it.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	return cfg, nil
}

// logger is the stderr logger for one-shot commands.
func (o *options) logger() logx.Logger {
	return logx.NewConsole(o.logLevel)
}

// relTime renders t relative to ref ("3 minutes from now", "1 hour ago").
func relTime(t, ref time.Time) string {
	if t.Equal(ref) {
		return "now"
	}
	return humanize.RelTime(t, ref, "ago", "from now")
}
