package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dasol-ai/datafactory/internal/config"
	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/store"
)

func newRebuildCmd() *cobra.Command {
	var req ingest.RebuildRequest

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Enqueue an index rebuild job",
		Long: `Enqueue a rebuild of one (tenant, namespace, embedding_version)
index from the chunk store. A running worker picks the job up;
check progress with 'datafactory status' or GET /v1/jobs/{id}.

With --reembed the chunks are re-encoded with the current embedding
model and written under --new-version.`,
		Example: `  datafactory rebuild --tenant acme --namespace docs
  datafactory rebuild --tenant acme --namespace docs --reembed --new-version v2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd.Context(), cmd, &req)
		},
	}

	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&req.Namespace, "namespace", "", "Namespace (required)")
	cmd.Flags().StringVar(&req.Version, "version", "", "Embedding version (default from config)")
	cmd.Flags().BoolVar(&req.Reembed, "reembed", false, "Re-encode chunks with the current model")
	cmd.Flags().StringVar(&req.NewEmbeddingVersion, "new-version", "", "Target version for --reembed")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("namespace")

	return cmd
}

func runRebuild(ctx context.Context, cmd *cobra.Command, req *ingest.RebuildRequest) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if req.Version == "" {
		req.Version = cfg.Embedding.Version
	}

	st, err := store.Open(cfg.Database.URL, store.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	svc := jobs.NewService(st, cfg.Worker.PollInterval.Std(), slog.Default())
	jobID, err := svc.Create(ctx, store.JobTypeRebuildIndex, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rebuild job enqueued: %s\n", jobID)
	return nil
}
