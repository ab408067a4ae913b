package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *VectorStore {
	t.Helper()
	s, err := NewVectorStore(":memory:")
	if err != nil {
		t.Fatalf("NewVectorStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []Record{
		{ID: "a", Source: "doc.md", Content: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: "b", Source: "doc.md", Content: "beta", Embedding: []float32{0, 1, 0}},
		{ID: "c", Source: "doc.md", Content: "gamma", Embedding: []float32{0.9, 0.1, 0}},
	}
	if err := s.Upsert(ctx, CollectionDocuments, records); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Search(ctx, CollectionDocuments, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "c" {
		t.Errorf("ranking wrong: got %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Errorf("results not sorted by similarity")
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{ID: "a", Source: "doc.md", Content: "v1", Embedding: []float32{1, 0, 0}}
	if err := s.Upsert(ctx, CollectionDocuments, []Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec.Content = "v2"
	if err := s.Upsert(ctx, CollectionDocuments, []Record{rec}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	n, err := s.Count(ctx, CollectionDocuments)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 after replace", n)
	}

	results, err := s.Search(ctx, CollectionDocuments, []float32{1, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results[0].Content != "v2" {
		t.Errorf("content = %q, want v2", results[0].Content)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, CollectionDocuments, []Record{
		{ID: "x", Content: "doc", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("Upsert documents failed: %v", err)
	}
	if err := s.Upsert(ctx, CollectionConversations, []Record{
		{ID: "x", Content: "turn", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("Upsert conversations failed: %v", err)
	}

	results, err := s.Search(ctx, CollectionConversations, []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Content != "turn" {
		t.Fatalf("conversations search leaked across collections: %+v", results)
	}
}

func TestSearchWithFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, CollectionConversations, []Record{
		{ID: "turn_1", Content: "one", Embedding: []float32{1, 0, 0}, Metadata: map[string]interface{}{"turn_number": float64(1)}},
		{ID: "turn_5", Content: "five", Embedding: []float32{1, 0, 0}, Metadata: map[string]interface{}{"turn_number": float64(5)}},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Search(ctx, CollectionConversations, []float32{1, 0, 0}, 10, func(r Record) bool {
		turn, _ := r.Metadata["turn_number"].(float64)
		return turn < 3
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "turn_1" {
		t.Fatalf("filter not applied: %+v", results)
	}
}

func TestDeleteBySourceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, CollectionDocuments, []Record{
		{ID: "a_0", Source: "a.md", Content: "1", Embedding: []float32{1, 0, 0}},
		{ID: "a_1", Source: "a.md", Content: "2", Embedding: []float32{0, 1, 0}},
		{ID: "b_0", Source: "b.md", Content: "3", Embedding: []float32{0, 0, 1}},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	n, err := s.DeleteBySource(ctx, CollectionDocuments, "a.md")
	if err != nil {
		t.Fatalf("DeleteBySource failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	sources, err := s.Sources(ctx, CollectionDocuments)
	if err != nil {
		t.Fatalf("Sources failed: %v", err)
	}
	if len(sources) != 1 || sources[0] != "b.md" {
		t.Errorf("sources = %v, want [b.md]", sources)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := map[string]interface{}{
		"header_path": []interface{}{"H1", "H2"},
		"parent_id":   "abc123def456",
		"leaf_index":  float64(2),
	}
	if err := s.Upsert(ctx, CollectionDocuments, []Record{
		{ID: "m", Source: "doc.md", Content: "text", Embedding: []float32{1, 0, 0}, Metadata: meta},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Search(ctx, CollectionDocuments, []float32{1, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	got := results[0].Metadata
	if got["parent_id"] != "abc123def456" {
		t.Errorf("parent_id = %v", got["parent_id"])
	}
	if got["leaf_index"] != float64(2) {
		t.Errorf("leaf_index = %v", got["leaf_index"])
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	s, err := NewVectorStore(path)
	if err != nil {
		t.Fatalf("NewVectorStore failed: %v", err)
	}
	if err := s.Upsert(ctx, CollectionDocuments, []Record{
		{ID: "p", Source: "doc.md", Content: "persisted", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewVectorStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(ctx, CollectionDocuments)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}
