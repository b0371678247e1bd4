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
	"golang.org/x/sync/errgroup"

	"github.com/dasol-ai/datafactory/internal/config"
	"github.com/dasol-ai/datafactory/internal/server"
)

func newServeCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DataFactory API and analyzer servers",
		Long: `Start the document API server and the analyzer server, plus an
in-process job worker unless --no-worker is given. Shuts down
gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), !noWorker)
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false,
		"Do not run the job worker in this process")

	return cmd
}

func runServe(ctx context.Context, withWorker bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.Default()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.New(a.store, a.coordinator, a.engine, a.jobs, a.indexes, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	analyzerSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AnalyzerPort),
		Handler:           server.NewAnalyzerServer(a.analyzer, a.analyzerJobs, a.analyzerGPUs, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api_server_listening", slog.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("analyzer_server_listening", slog.String("addr", analyzerSrv.Addr))
		if err := analyzerSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if withWorker {
		g.Go(func() error {
			return a.jobs.Run(gctx)
		})
	}

	// Shutdown both listeners once the context is cancelled, either
	// by a signal or by a failing server.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			cfg.Server.ShutdownTimeout.Std())
		defer cancel()

		logger.Info("shutting_down")
		err := apiSrv.Shutdown(shutdownCtx)
		if aerr := analyzerSrv.Shutdown(shutdownCtx); err == nil {
			err = aerr
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}
