package prompts

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/haasonsaas/heyfun/internal/embeddings"
	"github.com/haasonsaas/heyfun/internal/vectorindex"
)

// IndexReport summarizes one re-index pass.
type IndexReport struct {
	Embedded int
	Removed  int
	Failed   int
}

// Indexer keeps the vector index in step with the fragment store.
type Indexer struct {
	store    Store
	index    vectorindex.Index
	embedder embeddings.Provider
	batch    int
	logger   *slog.Logger
}

// NewIndexer creates an indexer processing up to batch fragments per pass.
func NewIndexer(store Store, index vectorindex.Index, embedder embeddings.Provider, batch int, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 50
	}
	return &Indexer{
		store:    store,
		index:    index,
		embedder: embedder,
		batch:    batch,
		logger:   logger.With("component", "prompts.indexer"),
	}
}

// ReindexPending embeds pending fragments and removes disabled ones from the
// index. Per-fragment failures are recorded on the fragment; the returned
// error covers store access only.
func (ix *Indexer) ReindexPending(ctx context.Context) (IndexReport, error) {
	var report IndexReport
	pending, err := ix.store.ListPending(ctx, ix.batch)
	if err != nil {
		return report, err
	}
	if len(pending) == 0 {
		return report, nil
	}

	var toEmbed []*Fragment
	for _, f := range pending {
		if f.Enabled {
			toEmbed = append(toEmbed, f)
			continue
		}
		if err := ix.index.Delete(ctx, vectorindex.FragmentVectorID(f.ID)); err != nil {
			report.Failed++
			ix.mark(ctx, f, EmbeddingFailed, err)
			continue
		}
		report.Removed++
		ix.mark(ctx, f, EmbeddingCompleted, nil)
	}
	if len(toEmbed) == 0 {
		return report, nil
	}

	texts := make([]string, len(toEmbed))
	for i, f := range toEmbed {
		texts[i] = f.EmbeddingText()
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(toEmbed) {
		err = errors.New("embedding provider returned a mismatched batch")
	}
	if err != nil {
		ix.logger.WarnContext(ctx, "fragment embedding failed", "fragments", len(toEmbed), "error", err)
		for _, f := range toEmbed {
			report.Failed++
			ix.mark(ctx, f, EmbeddingFailed, err)
		}
		return report, nil
	}

	for i, f := range toEmbed {
		err := ix.index.Upsert(ctx, vectorindex.Vector{
			ID:     vectorindex.FragmentVectorID(f.ID),
			Values: vectors[i],
			Metadata: map[string]string{
				"fragment_id": f.ID,
				"name":        f.Name,
				"category":    f.Category,
				"section":     f.Section,
				"version":     strconv.Itoa(f.Version),
			},
		})
		if err != nil {
			report.Failed++
			ix.mark(ctx, f, EmbeddingFailed, err)
			continue
		}
		report.Embedded++
		ix.mark(ctx, f, EmbeddingCompleted, nil)
	}

	ix.logger.InfoContext(ctx, "fragments re-indexed",
		"embedded", report.Embedded,
		"removed", report.Removed,
		"failed", report.Failed,
	)
	return report, nil
}

func (ix *Indexer) mark(ctx context.Context, f *Fragment, status EmbeddingStatus, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := ix.store.SetEmbeddingStatus(ctx, f.ID, f.Version, status, message); err != nil {
		ix.logger.WarnContext(ctx, "record embedding status failed", "fragment_id", f.ID, "error", err)
	}
}
