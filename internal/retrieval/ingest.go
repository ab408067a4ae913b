// Package retrieval owns everything between the vector store and the
// prompt boundary: document ingestion, conversation-turn indexing, the
// two retrieval queries, and assembly of the per-turn context bundle.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"forge/internal/chunking"
	"forge/internal/embedding"
	"forge/internal/logging"
	"forge/internal/store"
)

// VectorIndex is the slice of the vector store this package needs.
// *store.VectorStore satisfies it.
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, records []store.Record) error
	Search(ctx context.Context, collection string, query []float32, k int, filter func(store.Record) bool) ([]store.SearchResult, error)
	DeleteBySource(ctx context.Context, collection, source string) (int64, error)
}

// Ingestor turns uploaded documents into indexed leaf chunks.
type Ingestor struct {
	index   VectorIndex
	batcher *embedding.Batcher
	opts    chunking.Options
}

// NewIngestor builds an ingestor over the given index and embedder.
func NewIngestor(index VectorIndex, batcher *embedding.Batcher, opts chunking.Options) *Ingestor {
	return &Ingestor{index: index, batcher: batcher, opts: opts}
}

// IngestFile reads, converts, chunks, embeds, and indexes one document.
// Returns the number of leaf chunks indexed. A conversion failure is a
// typed error scoped to this document; the source file is untouched.
func (g *Ingestor) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	source := filepath.Base(path)
	markdown, err := chunking.Convert(source, data, filepath.Ext(path))
	if err != nil {
		return 0, err
	}
	return g.IngestText(ctx, source, markdown)
}

// IngestText indexes already-converted markdown under a source id.
// Re-ingesting a source replaces its previous chunks.
func (g *Ingestor) IngestText(ctx context.Context, source, markdown string) (int, error) {
	leaves := chunking.ChunkDocument(source, markdown, g.opts)
	if len(leaves) == 0 {
		return 0, nil
	}

	// Leaves embed with their breadcrumb prefixed, so a match knows
	// where in the document it came from.
	texts := make([]string, len(leaves))
	for i, leaf := range leaves {
		texts[i] = leaf.ContextHeader + "\n" + leaf.Text
	}

	vectors, err := g.batcher.EmbedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %s: %w", source, err)
	}

	records := make([]store.Record, len(leaves))
	for i, leaf := range leaves {
		headerPath := make([]interface{}, len(leaf.HeaderPath))
		for j, h := range leaf.HeaderPath {
			headerPath[j] = h
		}
		records[i] = store.Record{
			ID:        fmt.Sprintf("%s_chunk_%d", source, i),
			Source:    source,
			Content:   leaf.Text,
			Embedding: vectors[i],
			Metadata: map[string]interface{}{
				"source_filename": source,
				"header_path":     headerPath,
				"context_header":  leaf.ContextHeader,
				"parent_id":       leaf.ParentID,
				"parent_text":     leaf.ParentText,
				"leaf_index":      leaf.LeafIndex,
			},
		}
	}

	// Replace any previous version of this source wholesale.
	if _, err := g.index.DeleteBySource(ctx, store.CollectionDocuments, source); err != nil {
		return 0, err
	}
	if err := g.index.Upsert(ctx, store.CollectionDocuments, records); err != nil {
		return 0, err
	}

	logging.Retrieval("ingested %s: %d leaf chunks", source, len(records))
	return len(records), nil
}

// RemoveSource deletes every chunk of one document.
func (g *Ingestor) RemoveSource(ctx context.Context, source string) (int64, error) {
	return g.index.DeleteBySource(ctx, store.CollectionDocuments, source)
}
