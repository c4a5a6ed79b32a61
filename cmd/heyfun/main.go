// Package main provides the CLI entry point for heyfun, an agent
// orchestration runtime.
//
// # Basic Usage
//
// Start the server:
//
//	heyfun serve --config heyfun.yaml
//
// Drive a generation task by hand:
//
//	heyfun reconcile gen-3f9c...
//
// Load a prompt library and embed it:
//
//	heyfun fragments import ./prompts
//	heyfun fragments reindex
//
// # Environment Variables
//
//   - HEYFUN_CONFIG: Path to configuration file (default: heyfun.yaml)
//   - Any ${VAR} reference inside the configuration file is expanded.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/heyfun/internal/config"
	"github.com/haasonsaas/heyfun/internal/observability"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "heyfun.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "heyfun",
		Short: "heyfun - agent orchestration runtime",
		Long: `heyfun drives tool-using LLM agents: it streams model turns, executes tools
as durable steps, runs micro-agents at trigger points, assembles the system
prompt from a fragment library, and reconciles async media generation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildReconcileCmd(),
		buildFragmentsCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("HEYFUN_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig loads path. A missing default file falls back to built-in
// defaults so a bare checkout can start.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return logger
}
