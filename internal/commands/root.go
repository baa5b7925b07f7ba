// Package commands defines the relay CLI surface.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/handleui/relay/internal/config"
	"github.com/handleui/relay/internal/logging"
	"github.com/handleui/relay/internal/signal"
)

// Version is stamped at build time.
var Version = "dev"

// settings and logger are loaded once in PersistentPreRunE and shared by
// every command.
var (
	settings *config.Settings
	logger   *zap.Logger
)

// exitCodeError carries a CLI exit code through the cobra error path.
// Code 2 is user-facing "not found" / invalid input, 1 everything else.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &exitCodeError{code: 2, err: fmt.Errorf(format, args...)}
}

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *exitCodeError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Job-execution orchestrator for external coding agents",
	Long: `Relay receives goals, expands them into step pipelines, and drives each
step through an external agent (a sandboxed CLI subprocess or an LLM API).
State lives on the filesystem: a rename-based durable queue, a per-job
artifact tree, and isolated workspaces.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		settings = loaded

		log, err := logging.New(settings.LogLevel, settings.LogJSON)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		logger = log
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the CLI with signal-driven cancellation.
func Execute() error {
	ctx := signal.SetupSignalHandler(context.Background())
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(approveCmd)
}
