package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "reconcile", "fragments", "tools", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestFragmentsSubcommands(t *testing.T) {
	cmd, _, err := buildRootCmd().Find([]string{"fragments", "import"})
	if err != nil || cmd.Name() != "import" {
		t.Fatalf("Find(fragments import) = %v, %v", cmd, err)
	}
	if cmd.Flags().Lookup("reindex") == nil {
		t.Fatal("import should have a --reindex flag")
	}
	if _, _, err := buildRootCmd().Find([]string{"fragments", "reindex"}); err != nil {
		t.Fatalf("Find(fragments reindex): %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not json: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("llm:\n  default_provider: anthropic\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate good config: %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "anthropic") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("workflow:\n  trigger_mode: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestReconcileRequiresTaskID(t *testing.T) {
	if _, err := execute(t, "reconcile"); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("HEYFUN_CONFIG", "/etc/heyfun/prod.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/heyfun/prod.yaml" {
		t.Fatalf("default path = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path = %q", got)
	}
}
