package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetbeat/internal/adapter"
	"fleetbeat/internal/app"
	"fleetbeat/internal/fleet"
	"fleetbeat/internal/scheduler"
	"fleetbeat/internal/timeline"
)

// newPlanCmd projects the timeline the daemon would follow if it started at
// --from. Nothing is executed.
func newPlanCmd(opts *options) *cobra.Command {
	var (
		from    string
		window  time.Duration
		agentID string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the projected heartbeat and optimization timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now().Truncate(time.Second)
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("parse --from: %w", err)
				}
				start = t
			}
			if window <= 0 {
				return fmt.Errorf("--window must be positive")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			agents, err := cfg.Agents()
			if err != nil {
				return err
			}
			schedCfg, err := app.MapSchedulerConfig(cfg)
			if err != nil {
				return err
			}

			log := opts.logger()
			sched, err := scheduler.New(schedCfg, fleet.NewStatic(agents...), adapter.NewDryRun(log), log, nil,
				scheduler.WithClock(func() time.Time { return start }))
			if err != nil {
				return err
			}
			if err := sched.Reconfigure(cmd.Context()); err != nil {
				return err
			}

			nodes, err := sched.Query(start, start.Add(window))
			if err != nil {
				return err
			}
			if agentID != "" {
				kept := nodes[:0]
				for _, n := range nodes {
					if n.AgentID == agentID {
						kept = append(kept, n)
					}
				}
				nodes = kept
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			}

			colors := make(map[string]string)
			for _, s := range sched.Schedules() {
				colors[s.AgentID] = s.ColorTag
			}

			if len(nodes) == 0 {
				fmt.Fprintln(w, "No nodes scheduled in window.")
				return nil
			}
			fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-12s  %s\n", "SCHEDULED", "IN", "AGENT", "TYPE", "COLOR")
			fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-12s  %s\n", "---------", "--", "-----", "----", "-----")
			var optimizations int
			seen := make(map[string]struct{})
			for _, n := range nodes {
				seen[n.AgentID] = struct{}{}
				if n.Type == timeline.NodeOptimization {
					optimizations++
				}
				fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-12s  %s\n",
					n.ScheduledAt.UTC().Format("2006-01-02T15:04:05.000Z"),
					relTime(n.ScheduledAt, start),
					n.AgentID,
					n.Type,
					colors[n.AgentID],
				)
			}
			fmt.Fprintf(w, "\n%s nodes (%s optimizations) across %d agents in %s\n",
				humanize.Comma(int64(len(nodes))), humanize.Comma(int64(optimizations)), len(seen), window)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339, default now)")
	cmd.Flags().DurationVarP(&window, "window", "w", time.Hour, "window length")
	cmd.Flags().StringVar(&agentID, "agent", "", "only show this agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print nodes as JSON")
	return cmd
}
