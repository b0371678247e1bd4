// Package cmd provides the CLI commands for DataFactory.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dasol-ai/datafactory/internal/logging"
	"github.com/dasol-ai/datafactory/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the datafactory CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datafactory",
		Short: "Multi-tenant document indexing and hybrid search service",
		Long: `DataFactory ingests documents into tenant-scoped vector and BM25
indices and serves hybrid semantic search over them.

Run 'datafactory serve' to start the API server, or
'datafactory config init' to write a starter configuration file.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("datafactory version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the YAML configuration file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = teardownLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newAnalyzerCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging installs the process logger before any command runs.
// Logs go to a rotating file, mirrored to stderr on a terminal.
func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup

	if debugMode {
		slog.Debug("debug logging enabled",
			slog.String("log_file", logging.DefaultLogPath()))
	}
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
