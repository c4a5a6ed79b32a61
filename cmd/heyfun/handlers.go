package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/haasonsaas/heyfun/internal/config"
	"github.com/haasonsaas/heyfun/internal/gateway"
	"github.com/haasonsaas/heyfun/internal/prompts"
)

// openRuntime loads config and builds a runtime for one-shot commands.
// Logs go to stderr at warn level unless the config asks for more.
func openRuntime(ctx context.Context, configPath string) (*gateway.Runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	rt, err := gateway.NewRuntime(ctx, cfg, newLogger(cfg, false))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	return rt, nil
}

func closeRuntime(rt *gateway.Runtime) {
	if err := rt.Close(context.Background()); err != nil {
		slog.Warn("runtime close failed", "error", err)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Reconcile Handler
// =============================================================================

func runReconcile(ctx context.Context, out io.Writer, configPath, taskID string) error {
	rt, err := openRuntime(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	task, err := rt.Reconciler.Reconcile(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", taskID, err)
	}
	return writeJSON(out, task)
}

// =============================================================================
// Fragment Handlers
// =============================================================================

var errNoIndexer = errors.New("prompt assembly is disabled: configure embeddings credentials")

func runFragmentsReindex(ctx context.Context, out io.Writer, configPath string) error {
	rt, err := openRuntime(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	if rt.Indexer == nil {
		return errNoIndexer
	}
	report, err := rt.Indexer.ReindexPending(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	printIndexReport(out, report)
	return nil
}

func runFragmentsImport(ctx context.Context, out io.Writer, configPath, dir string, reindex bool) error {
	rt, err := openRuntime(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	report, err := prompts.ImportDir(ctx, rt.Fragments, dir)
	if err != nil {
		return fmt.Errorf("import %s: %w", dir, err)
	}
	fmt.Fprintf(out, "Imported %d fragments from %d files\n", report.Fragments, report.Files)
	for _, ferr := range report.Errors {
		fmt.Fprintf(out, "  skipped: %v\n", ferr)
	}

	if !reindex {
		return nil
	}
	if rt.Indexer == nil {
		return errNoIndexer
	}
	indexed, err := rt.Indexer.ReindexPending(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	printIndexReport(out, indexed)
	return nil
}

func printIndexReport(out io.Writer, report prompts.IndexReport) {
	fmt.Fprintf(out, "Embedded: %d  Removed: %d  Failed: %d\n", report.Embedded, report.Removed, report.Failed)
}

// =============================================================================
// Tools Handler
// =============================================================================

func runToolsList(ctx context.Context, out io.Writer, configPath string, asJSON bool) error {
	rt, err := openRuntime(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	descriptors := rt.Tools.List()
	if asJSON {
		return writeJSON(out, descriptors)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRUNTIME\tCATEGORY\tATTACHABLE\tDESCRIPTION")
	for _, d := range descriptors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name, d.Runtime, d.Category, d.Attachable, d.Description)
	}
	return w.Flush()
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is valid (llm provider: %s, trigger mode: %s)\n",
		configPath, cfg.LLM.DefaultProvider, cfg.Workflow.TriggerMode)
	return nil
}
