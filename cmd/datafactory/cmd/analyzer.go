package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dasol-ai/datafactory/internal/config"
	"github.com/dasol-ai/datafactory/internal/gpu"
	"github.com/dasol-ai/datafactory/internal/server"
	"github.com/dasol-ai/datafactory/internal/status"
)

func newAnalyzerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyzer",
		Short: "Run only the analyzer server",
		Long: `Start the analyzer HTTP surface without the document API or job
worker. Useful when analysis runs on a different GPU host than
indexing; both processes coordinate through the GPU lock file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAnalyzer(cmd.Context())
		},
	}
}

func runAnalyzer(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.Default()

	reporter := status.NewReporter(status.Config{
		WebhookURL: cfg.Webhook.URL,
		Secret:     cfg.Webhook.Secret,
		Timeout:    cfg.Webhook.Timeout.Std(),
		Enabled:    cfg.Webhook.Enabled,
		QueueSize:  cfg.Webhook.QueueSize,
	}, logger)
	defer reporter.Close()

	lock := gpu.NewPhaseLock(cfg.GPU.LockPath, cfg.GPU.LockTimeout.Std(), logger)
	anlz, jobSvc, gpus := buildAnalyzerStack(cfg, lock, reporter, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AnalyzerPort),
		Handler:           server.NewAnalyzerServer(anlz, jobSvc, gpus, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("analyzer_server_listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}
