package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetbeat/internal/schedule"
)

func newStaggerCmd(opts *options) *cobra.Command {
	var (
		interval time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "stagger",
		Short: "Print the stagger offset allocated to each agent",
		Long: "Print the stagger offset allocated to each configured agent. With --interval and " +
			"--count, print the offsets for that many synthetic agents instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				members []schedule.Member
				palette []string
			)
			if count > 0 {
				if interval <= 0 {
					return fmt.Errorf("--interval must be positive")
				}
				for i := 0; i < count; i++ {
					members = append(members, schedule.Member{ID: fmt.Sprintf("agent-%d", i), Interval: interval})
				}
			} else {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				agents, err := cfg.Agents()
				if err != nil {
					return err
				}
				for _, a := range agents {
					members = append(members, schedule.Member{ID: a.ID, Interval: a.Interval})
				}
				palette = cfg.Scheduler.ColorPalette
			}

			offsets := schedule.Allocate(members)
			now := time.Now()
			ranks := make(map[time.Duration]int)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s  %-10s  %-4s  %-14s  %-20s  %s\n", "AGENT", "INTERVAL", "RANK", "OFFSET", "FIRST DUE", "COLOR")
			fmt.Fprintf(w, "%-20s  %-10s  %-4s  %-14s  %-20s  %s\n", "-----", "--------", "----", "------", "---------", "-----")
			for _, m := range members {
				rank := ranks[m.Interval]
				ranks[m.Interval]++
				off := offsets[m.ID]
				first := schedule.FirstDueAt(now, m.Interval, off)
				fmt.Fprintf(w, "%-20s  %-10s  %-4d  %-14s  %-20s  %s\n",
					m.ID, m.Interval, rank, off, relTime(first, now), schedule.ColorTag(m.ID, palette))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "interval for synthetic agents")
	cmd.Flags().IntVar(&count, "count", 0, "number of synthetic agents")
	return cmd
}
