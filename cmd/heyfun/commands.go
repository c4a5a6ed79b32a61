package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the heyfun runtime",
		Long: `Start the HTTP server and background supervisor.

The server exposes:
  POST /v1/workflows/generation  generation trigger deliveries
  POST /v1/workflows/events      workflow event delivery
  GET  /v1/sessions/stream       websocket agent sessions (JWT with org claim)
  GET  /metrics, /healthz

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  heyfun serve

  # Start with debug logging
  heyfun serve --config /etc/heyfun/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Reconcile Command
// =============================================================================

func buildReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile <task-id>",
		Short: "Drive one generation task to a terminal state",
		Long: `Reconcile a generation task in the foreground: submit it if it was never
submitted, poll until it settles, store the results, and debit the organization.
Running it on a task that already finished only prints the task.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Fragment Commands
// =============================================================================

func buildFragmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fragments",
		Short: "Manage the prompt fragment library",
	}
	cmd.AddCommand(buildFragmentsReindexCmd(), buildFragmentsImportCmd())
	return cmd
}

func buildFragmentsReindexCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Embed fragments whose content changed since they were last indexed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFragmentsReindex(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildFragmentsImportCmd() *cobra.Command {
	var (
		configPath string
		reindex    bool
	)

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import YAML and JSON5 library files into the fragment store",
		Example: `  # Import and embed immediately
  heyfun fragments import ./prompts

  # Import only; the server's reindex job embeds later
  heyfun fragments import ./prompts --reindex=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFragmentsImport(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), args[0], reindex)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&reindex, "reindex", true, "Embed imported fragments right away")
	return cmd
}

// =============================================================================
// Tools Command
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool registry",
	}

	var (
		configPath string
		asJSON     bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), asJSON)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	list.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON, including parameter schemas")
	cmd.AddCommand(list)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")

	cmd.AddCommand(schema, validate)
	return cmd
}
