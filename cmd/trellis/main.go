// Command trellis drives multi-phase, multi-agent workflow operations
// over a durable state store, with an HTTP API for remote control.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/verdantlab/trellis/pkg/api"
	"github.com/verdantlab/trellis/pkg/config"
	"github.com/verdantlab/trellis/pkg/orchestrator"
	"github.com/verdantlab/trellis/pkg/version"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 1
	exitNotFound = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configDir string

	root := &cobra.Command{
		Use:           "trellis",
		Short:         "Multi-phase workflow orchestrator",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			envPath := filepath.Join(configDir, ".env")
			if err := godotenv.Load(envPath); err == nil {
				slog.Info("environment loaded", "path", envPath)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "."), "path to the configuration directory")

	root.AddCommand(
		newStartCmd(&configDir),
		newStatusCmd(&configDir),
		newStepCmd(&configDir),
		newServeCmd(&configDir),
	)

	return exitCode(root.Execute())
}

// exitCode maps a command error to the process exit code: 1 for bad
// arguments, 2 for an unknown operation, 3 for anything internal.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case isUsageError(err):
		fmt.Fprintln(os.Stderr, "usage error:", err)
		return exitUsage
	case errors.Is(err, orchestrator.ErrOperationNotFound):
		fmt.Fprintln(os.Stderr, err)
		return exitNotFound
	default:
		slog.Error("command failed", "error", err)
		return exitInternal
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// isUsageError recognizes cobra's own argument and flag errors.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unknown command", "unknown flag", "accepts", "requires", "invalid argument"} {
		if len(msg) >= len(marker) && msg[:len(marker)] == marker {
			return true
		}
	}
	return false
}

// withRuntime wires a runtime from config, runs fn, and tears down.
func withRuntime(configDir string, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := context.Background()
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newStartCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a new operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*configDir, func(ctx context.Context, rt *runtime) error {
				op, err := rt.orchestrator.StartOperation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(op)
			})
		},
	}
}

func newStatusCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Show an operation's status and phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*configDir, func(_ context.Context, rt *runtime) error {
				op, phases, err := rt.orchestrator.Status(args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"operation": op, "phases": phases})
			})
		},
	}
}

func newStepCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "step <operation-id>",
		Short: "Advance an operation by one phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(*configDir, func(ctx context.Context, rt *runtime) error {
				// An agent failure is reported in the JSON result, not as
				// a process failure.
				result, err := rt.orchestrator.Step(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(*configDir, func(ctx context.Context, rt *runtime) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				// Repair phases interrupted by an earlier crash before
				// accepting new work.
				repaired, err := rt.coordinator.RecoverFromCheckpoints(ctx)
				if err != nil {
					return fmt.Errorf("checkpoint recovery: %w", err)
				}
				if len(repaired) > 0 {
					slog.Info("interrupted phases repaired", "count", len(repaired))
				}

				if err := rt.orchestrator.Initialize(ctx); err != nil {
					return err
				}

				server := api.NewServer(rt.cfg.Server.Addr, rt.orchestrator, rt.monitor, rt.registry, nil)
				if err := server.Run(ctx); err != nil {
					return err
				}
				slog.Info("shutdown complete")
				return nil
			})
		},
	}
}
