package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetbeat/internal/app"
	"fleetbeat/internal/storage"
)

func newJournalCmd(opts *options) *cobra.Command {
	var (
		agentID string
		since   time.Duration
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List finished nodes recorded in the node journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sc, enabled, err := app.MapStorageConfig(cfg)
			if err != nil {
				return err
			}
			if !enabled {
				return fmt.Errorf("%w: set storage.driver in %s", storage.ErrDisabled, opts.configPath)
			}
			// Never prune from a read-only inspection.
			sc.Retention = 0
			st, err := storage.Open(sc, opts.logger())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer st.Close()

			f := storage.Filter{AgentID: agentID, Limit: limit}
			now := time.Now()
			if since > 0 {
				f.Since = now.Add(-since)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			nodes, err := st.Nodes(ctx, f)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			}
			if len(nodes) == 0 {
				fmt.Fprintln(w, "No journal entries found.")
				return nil
			}
			fmt.Fprintf(w, "%-36s  %-12s  %-10s  %-20s  %-10s  %s\n", "NODE", "TYPE", "STATUS", "SCHEDULED", "TOOK", "ERROR")
			fmt.Fprintf(w, "%-36s  %-12s  %-10s  %-20s  %-10s  %s\n", "----", "----", "------", "---------", "----", "-----")
			for _, n := range nodes {
				took := "-"
				if n.ExecutedAt != nil && n.FinishedAt != nil {
					took = n.FinishedAt.Sub(*n.ExecutedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%-36s  %-12s  %-10s  %-20s  %-10s  %s\n",
					n.ID, n.Type, n.Status, humanize.RelTime(n.ScheduledAt, now, "ago", "from now"), took, n.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only show this agent")
	cmd.Flags().DurationVar(&since, "since", 0, "only show nodes scheduled within this long (0 shows all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of nodes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print nodes as JSON")
	return cmd
}
