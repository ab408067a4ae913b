//go:build sqlite_vec && cgo

package store

import (
	"context"
	"testing"
)

func TestSearchRanksInSQLWhenVecLoaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if !s.vec {
		t.Fatal("sqlite-vec compiled in but store did not select the SQL ranking path")
	}

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

func TestSearchVecAppliesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []Record{
		{ID: "a", Source: "keep.md", Content: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: "b", Source: "skip.md", Content: "beta", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "c", Source: "keep.md", Content: "gamma", Embedding: []float32{0, 1, 0}},
	}
	if err := s.Upsert(ctx, CollectionDocuments, records); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Search(ctx, CollectionDocuments, []float32{1, 0, 0}, 2, func(r Record) bool {
		return r.Source == "keep.md"
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "c" {
		t.Errorf("filtered ranking wrong: got %s, %s", results[0].ID, results[1].ID)
	}
}
