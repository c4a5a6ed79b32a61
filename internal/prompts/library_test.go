package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestParseLibraryFile(t *testing.T) {
	yamlList := []byte(`
fragments:
  - id: tone
    name: Tone
    content: Be warm.
  - name: Color Theory Basics
    content: Use complementary colors.
    enabled: false
`)
	got, err := ParseLibraryFile(yamlList, "library.yaml")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tone", got[0].ID)
	assert.True(t, got[0].Enabled)
	assert.Equal(t, "color-theory-basics", got[1].ID)
	assert.False(t, got[1].Enabled)

	single, err := ParseLibraryFile([]byte("name: Solo\ncontent: Just one.\n"), "solo.yml")
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "solo", single[0].ID)

	json5Doc := []byte(`{
		// comments are allowed
		fragments: [{id: "j", name: "J", content: "json five",},],
	}`)
	fromJSON, err := ParseLibraryFile(json5Doc, "lib.json5")
	require.NoError(t, err)
	require.Len(t, fromJSON, 1)
	assert.Equal(t, "json five", fromJSON[0].Content)

	_, err = ParseLibraryFile([]byte("name: Empty\n"), "empty.yaml")
	assert.Error(t, err)
}

func TestImportDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: A\ncontent: alpha\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	store := NewMemoryStore()
	report, err := ImportDir(context.Background(), store, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 1, report.Fragments)
	assert.Len(t, report.Errors, 1)

	_, err = store.Get(context.Background(), "a")
	assert.NoError(t, err)
}

func TestLibraryWatcherReimportsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: tone\nname: Tone\ncontent: v1\n"), 0o644))

	store := NewMemoryStore()
	w := NewLibraryWatcher(store, dir, nil)
	w.debounce = 10 * time.Millisecond
	imported := make(chan ImportReport, 16)
	w.OnImport = func(r ImportReport) {
		select {
		case imported <- r:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-imported:
	case <-time.After(5 * time.Second):
		t.Fatal("initial import did not run")
	}

	require.NoError(t, os.WriteFile(path, []byte("id: tone\nname: Tone\ncontent: v2\n"), 0o644))
	require.Eventually(t, func() bool {
		f, err := store.Get(context.Background(), "tone")
		return err == nil && f.Content == "v2" && f.Version == 2 && f.EmbeddingStatus == EmbeddingPending
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
