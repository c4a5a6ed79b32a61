package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/heyfun/internal/config"
	"github.com/haasonsaas/heyfun/internal/generation"
)

func testRuntimeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Server.PublicURL = "https://heyfun.test"
	cfg.LLM.Providers = map[string]config.LLMProviderConfig{
		"openai": {APIKey: "sk-test", BaseURL: "http://127.0.0.1:1", DefaultModel: "gpt-4o-mini"},
	}
	cfg.Blob.Local.Dir = filepath.Join(dir, "blobs")
	cfg.Auth.JWTSecret = "runtime-secret"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRuntimeInMemory(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt, err := NewRuntime(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(context.Background())

	if rt.DB != nil {
		t.Fatal("expected no database")
	}
	if rt.Assembler == nil || rt.Indexer == nil {
		t.Fatal("embedding key should fall back to the openai llm key")
	}
	if rt.LocalBlobs == nil {
		t.Fatal("expected local blob store")
	}

	var names []string
	for _, d := range rt.Tools.List() {
		names = append(names, d.Name)
	}
	for _, want := range []string{"terminate", "attach_tools", "update_system_prompt", "ask_user", "generate_media", "get_generation_task"} {
		if !slices.Contains(names, want) {
			t.Errorf("tool %s not registered (have %v)", want, names)
		}
	}

	sup, err := rt.Supervisor()
	if err != nil {
		t.Fatalf("Supervisor: %v", err)
	}
	jobs := sup.Jobs()
	if !slices.Contains(jobs, "fragments.reindex") || !slices.Contains(jobs, "generation.sweep") {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestNewRuntimeWithSQLite(t *testing.T) {
	cfg := testRuntimeConfig(t)
	dir := t.TempDir()
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(dir, "heyfun.db")
	cfg.Vector.Backend = "sqlite"
	cfg.Vector.Path = filepath.Join(dir, "vectors.db")
	cfg.Embeddings.Provider = "none"
	cfg.Triggers.Disabled = []string{"loop-guard", "no-such-agent"}

	rt, err := NewRuntime(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if rt.DB == nil {
		t.Fatal("expected database")
	}
	if rt.Assembler != nil {
		t.Fatal("assembler built without an embeddings provider")
	}

	var names []string
	for _, d := range rt.Tools.List() {
		names = append(names, d.Name)
	}
	if slices.Contains(names, "update_system_prompt") {
		t.Fatal("update_system_prompt registered without an assembler")
	}

	task, created, err := rt.Tasks.Create(context.Background(), &generation.Task{
		ID:             "gen-rt",
		OrganizationID: "org-1",
		Type:           generation.TypeImage,
		Model:          "gpt-image-1",
		Status:         generation.StatusPending,
	})
	if err != nil || !created || task.ID != "gen-rt" {
		t.Fatalf("Create = %+v %v %v", task, created, err)
	}

	sup, err := rt.Supervisor()
	if err != nil {
		t.Fatalf("Supervisor: %v", err)
	}
	if slices.Contains(sup.Jobs(), "fragments.reindex") {
		t.Fatal("reindex job scheduled without an indexer")
	}

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRuntimeRejectsUnknownProvider(t *testing.T) {
	cfg := testRuntimeConfig(t)
	cfg.LLM.DefaultProvider = "nonexistent"
	if _, err := NewRuntime(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRuntimeServesSignedBlobs(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt, err := NewRuntime(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(context.Background())

	ctx := context.Background()
	key := "org-1/gen-1/0.png"
	if err := rt.Blobs.Put(ctx, key, []byte("pixels"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	signed, err := rt.Blobs.SignedURL(ctx, key, cfg.Blob.SignedURLTTL)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	path, ok := strings.CutPrefix(signed, cfg.Server.PublicURL)
	if !ok {
		t.Fatalf("signed url %q not under public url", signed)
	}

	h := NewServer(ServerConfig{Blobs: rt.LocalBlobs.Handler()}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pixels" {
		t.Fatalf("GET %s = %d %q", path, rec.Code, rec.Body.String())
	}
}
