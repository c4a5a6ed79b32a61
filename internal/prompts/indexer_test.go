package prompts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/heyfun/internal/vectorindex"
)

func TestReindexPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	index := vectorindex.NewMemoryIndex()

	_, err := store.Upsert(ctx, &Fragment{ID: "a", Name: "A", Content: "alpha", Category: "style", Enabled: true})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &Fragment{ID: "b", Name: "B", Content: "beta", Enabled: false})
	require.NoError(t, err)
	require.NoError(t, index.Upsert(ctx, vectorindex.Vector{ID: vectorindex.FragmentVectorID("b"), Values: []float32{1, 1}}))

	ix := NewIndexer(store, index, &fakeEmbedder{}, 10, nil)
	report, err := ix.ReindexPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Embedded: 1, Removed: 1}, report)

	assert.Equal(t, 1, index.Len())
	matches, err := index.Query(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "prompt-fragment:a", matches[0].ID)
	assert.Equal(t, "style", matches[0].Metadata["category"])

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left to do.
	report, err = ix.ReindexPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexReport{}, report)
}

func TestReindexPendingRecordsEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Upsert(ctx, &Fragment{ID: "a", Name: "A", Content: "alpha", Enabled: true})
	require.NoError(t, err)

	ix := NewIndexer(store, vectorindex.NewMemoryIndex(), &fakeEmbedder{err: errors.New("rate limited")}, 10, nil)
	report, err := ix.ReindexPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, EmbeddingFailed, got.EmbeddingStatus)
	assert.Contains(t, got.EmbeddingError, "rate limited")
}
