package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dasol-ai/datafactory/internal/config"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/store"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	var tenant string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and index status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, tenant, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Limit index listing to one tenant")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

type statusReport struct {
	Queue   *jobs.Stats        `json:"queue"`
	Indices []*store.IndexMetadata `json:"indices"`
}

func runStatus(ctx context.Context, cmd *cobra.Command, tenant string, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.URL, store.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	stats, err := jobs.NewService(st, cfg.Worker.PollInterval.Std(), slog.Default()).Stats(ctx)
	if err != nil {
		return err
	}
	metas, err := st.ListIndexes(ctx, tenant)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statusReport{Queue: stats, Indices: metas})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queue: %d pending, %d running, %d completed, %d failed\n",
		stats.Pending, stats.Running, stats.Completed, stats.Failed)
	fmt.Fprintf(out, "Indices: %d\n", len(metas))
	for _, m := range metas {
		dirty := ""
		if m.Dirty {
			dirty = " (dirty)"
		}
		fmt.Fprintf(out, "  %s/%s@%s: %d vectors, dim %d%s\n",
			m.TenantID, m.Namespace, m.EmbeddingVersion, m.NTotal, m.Dimension, dirty)
	}
	return nil
}
