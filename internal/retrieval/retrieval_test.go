package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"forge/internal/chunking"
	"forge/internal/embedding"
	"forge/internal/knowledge"
	"forge/internal/store"
)

// stubEngine maps texts to 3-dim keyword vectors so similarity ranking
// is fully controlled by the test input.
type stubEngine struct {
	mu    sync.Mutex
	calls int
	fail  error
}

var keywords = []string{"alpha", "beta", "gamma"}

func keywordVector(text string) []float32 {
	lower := strings.ToLower(text)
	vec := []float32{0.01, 0.01, 0.01}
	for i, kw := range keywords {
		if strings.Contains(lower, kw) {
			vec[i] = 1
		}
	}
	return vec
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return keywordVector(text), nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

func newTestIndex(t *testing.T) *store.VectorStore {
	t.Helper()
	vs, err := store.NewVectorStore(":memory:")
	if err != nil {
		t.Fatalf("NewVectorStore: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	return vs
}

// countingIndex wraps a VectorIndex and counts Search calls.
type countingIndex struct {
	VectorIndex
	mu       sync.Mutex
	searches int
}

func (c *countingIndex) Search(ctx context.Context, collection string, query []float32, k int, filter func(store.Record) bool) ([]store.SearchResult, error) {
	c.mu.Lock()
	c.searches++
	c.mu.Unlock()
	return c.VectorIndex.Search(ctx, collection, query, k, filter)
}

func testOptions() chunking.Options {
	return chunking.Options{MinTokens: 1, MaxTokens: 500, ParentMaxTokens: 2000}
}

func TestIngestFileAndRetrieve(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	ing := NewIngestor(vs, embedding.NewBatcher(engine, 0, 0), testOptions())

	doc := "# Guide\n\nIntro paragraph about alpha topics.\n\n## Metrics\n\nThis section is all about beta measurement.\n"
	path := filepath.Join(t.TempDir(), "guide.md")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := ing.IngestFile(ctx, path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 leaf chunks, got %d", n)
	}

	r := NewRetriever(vs, engine, 4, 3, 3)
	matches, err := r.RetrieveDocuments(ctx, "tell me about beta")
	if err != nil {
		t.Fatalf("RetrieveDocuments: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].Source != "guide.md" {
		t.Errorf("source = %q, want guide.md", matches[0].Source)
	}
	if !strings.Contains(matches[0].ContextHeader, "guide.md") {
		t.Errorf("context header %q missing source", matches[0].ContextHeader)
	}
}

func TestIngestUnsupportedFormatIsScoped(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	ing := NewIngestor(vs, embedding.NewBatcher(engine, 0, 0), testOptions())

	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.docx")
	if err := os.WriteFile(broken, []byte("binary junk"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := ing.IngestFile(ctx, broken)
	var convErr *chunking.ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if convErr.Source != "broken.docx" {
		t.Errorf("error source = %q", convErr.Source)
	}

	// The failure is scoped to that document; the next ingest works.
	good := filepath.Join(dir, "good.md")
	if err := os.WriteFile(good, []byte("# Plan\n\nAlpha content here.\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ing.IngestFile(ctx, good); err != nil {
		t.Fatalf("ingest after failure: %v", err)
	}
	count, err := vs.Count(ctx, store.CollectionDocuments)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestReingestReplacesSource(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	ing := NewIngestor(vs, embedding.NewBatcher(engine, 0, 0), testOptions())

	v1 := "# Doc\n\nAlpha one.\n\n## Part\n\nAlpha two.\n\n## More\n\nAlpha three.\n"
	if _, err := ing.IngestText(ctx, "doc.md", v1); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	v2 := "# Doc\n\nOnly beta now.\n"
	if _, err := ing.IngestText(ctx, "doc.md", v2); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	count, err := vs.Count(ctx, store.CollectionDocuments)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after re-ingest = %d, want 1", count)
	}
}

func TestRetrieveDocumentsDeduplicatesParents(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}

	// Two leaves under parent p1 both match "alpha"; the stronger one
	// must represent the parent, and p1 must appear once.
	records := []store.Record{
		{ID: "a_chunk_0", Source: "a.md", Content: "alpha alpha", Embedding: []float32{1, 0, 0},
			Metadata: map[string]interface{}{"parent_id": "p1", "parent_text": "parent one", "context_header": "[Source: a.md > A]"}},
		{ID: "a_chunk_1", Source: "a.md", Content: "alpha-ish", Embedding: []float32{0.9, 0.3, 0},
			Metadata: map[string]interface{}{"parent_id": "p1", "parent_text": "parent one", "context_header": "[Source: a.md > A]"}},
		{ID: "b_chunk_0", Source: "b.md", Content: "beta", Embedding: []float32{0, 1, 0},
			Metadata: map[string]interface{}{"parent_id": "p2", "parent_text": "parent two", "context_header": "[Source: b.md > B]"}},
	}
	if err := vs.Upsert(ctx, store.CollectionDocuments, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := NewRetriever(vs, engine, 2, 3, 3)
	matches, err := r.RetrieveDocuments(ctx, "alpha")
	if err != nil {
		t.Fatalf("RetrieveDocuments: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ParentID != "p1" || matches[1].ParentID != "p2" {
		t.Errorf("parent order = %s, %s", matches[0].ParentID, matches[1].ParentID)
	}
	if matches[0].Text != "parent one" {
		t.Errorf("match text = %q, want parent text", matches[0].Text)
	}
}

func TestRetrieveConversationsWindow(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	r := NewRetriever(vs, engine, 4, 3, 3)

	for turn := 1; turn <= 5; turn++ {
		err := r.IndexTurn(ctx, TurnRecord{
			TurnNumber:  turn,
			Summary:     fmt.Sprintf("turn %d discussed alpha", turn),
			UserMessage: fmt.Sprintf("user message %d", turn),
		})
		if err != nil {
			t.Fatalf("IndexTurn %d: %v", turn, err)
		}
	}

	// Current turn 6, window 3: turns 3-5 are already in the always-on
	// tail, so only turns 1 and 2 are eligible.
	matches, err := r.RetrieveConversations(ctx, "alpha", 6)
	if err != nil {
		t.Fatalf("RetrieveConversations: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].TurnNumber != 1 || matches[1].TurnNumber != 2 {
		t.Errorf("turns = %d, %d; want chronological 1, 2", matches[0].TurnNumber, matches[1].TurnNumber)
	}
	if matches[0].UserMessage != "user message 1" {
		t.Errorf("payload = %q", matches[0].UserMessage)
	}
}

func TestRetrieveConversationsEarlyTurns(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	r := NewRetriever(vs, engine, 4, 3, 3)

	// Everything is still inside the window; no query should run at all.
	matches, err := r.RetrieveConversations(ctx, "alpha", 3)
	if err != nil {
		t.Fatalf("RetrieveConversations: %v", err)
	}
	if matches != nil {
		t.Errorf("expected nil matches, got %v", matches)
	}
	if engine.calls != 0 {
		t.Errorf("embed calls = %d, want 0", engine.calls)
	}
}

func TestIndexTurnRequiresSummary(t *testing.T) {
	vs := newTestIndex(t)
	r := NewRetriever(vs, &stubEngine{}, 4, 3, 3)
	if err := r.IndexTurn(context.Background(), TurnRecord{TurnNumber: 2}); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

const testCatalog = `
probes:
  - name: churn_probe
    body: Ask which cohort the churn number covers.
patterns:
  - name: survivorship
    body: Retained users are not representative of churned ones.
`

func newTestAssembler(t *testing.T, vs VectorIndex, engine embedding.Engine) *Assembler {
	t.Helper()
	idx, err := knowledge.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("Parse catalog: %v", err)
	}
	return NewAssembler(idx, NewRetriever(vs, engine, 4, 3, 3))
}

func TestAssembleBypassSkipsVectorQueries(t *testing.T) {
	ctx := context.Background()
	counting := &countingIndex{VectorIndex: newTestIndex(t)}
	engine := &stubEngine{}
	asm := newTestAssembler(t, counting, engine)

	bundle := asm.Assemble(ctx, "yes, sounds right", AssembleInput{
		AlwaysOn:          AlwaysOn{Register: "- A1 ...", Skeleton: "Problem: churn"},
		RequiresRetrieval: false,
		ActiveProbe:       "churn_probe",
		TurnNumber:        8,
	})

	if counting.searches != 0 {
		t.Errorf("vector searches = %d, want 0 on bypass", counting.searches)
	}
	if engine.calls != 0 {
		t.Errorf("embed calls = %d, want 0 on bypass", engine.calls)
	}
	if bundle.Retrieved {
		t.Error("bundle marked retrieved on bypass path")
	}
	if len(bundle.Guidance) != 1 || bundle.Guidance[0].Name != "churn_probe" {
		t.Errorf("guidance = %v, want active probe unit", bundle.Guidance)
	}

	rendered := bundle.Render()
	if !strings.Contains(rendered, "Problem: churn") {
		t.Error("rendered bundle missing always-on skeleton")
	}
	if !strings.Contains(rendered, "Ask which cohort") {
		t.Error("rendered bundle missing guidance body")
	}
}

func TestAssembleFullBundle(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{}
	asm := newTestAssembler(t, vs, engine)

	err := vs.Upsert(ctx, store.CollectionDocuments, []store.Record{
		{ID: "d_chunk_0", Source: "d.md", Content: "alpha details", Embedding: []float32{1, 0, 0},
			Metadata: map[string]interface{}{"parent_id": "p1", "parent_text": "full alpha section", "context_header": "[Source: d.md > Alpha]"}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r := NewRetriever(vs, engine, 4, 3, 3)
	if err := r.IndexTurn(ctx, TurnRecord{TurnNumber: 1, Summary: "early alpha discussion"}); err != nil {
		t.Fatalf("IndexTurn: %v", err)
	}

	bundle := asm.Assemble(ctx, "what did the alpha doc say", AssembleInput{
		AlwaysOn:          AlwaysOn{Register: "No assumptions yet."},
		RequiresRetrieval: true,
		ActiveProbe:       "churn_probe",
		TriggeredPatterns: []string{"survivorship", "not_in_catalog"},
		TurnNumber:        9,
	})

	if !bundle.Retrieved {
		t.Error("bundle not marked retrieved")
	}
	if len(bundle.Documents) != 1 || bundle.Documents[0].Text != "full alpha section" {
		t.Errorf("documents = %v", bundle.Documents)
	}
	if len(bundle.Conversations) != 1 || bundle.Conversations[0].Summary != "early alpha discussion" {
		t.Errorf("conversations = %v", bundle.Conversations)
	}
	// Unknown pattern keys are skipped, not fatal.
	if len(bundle.Patterns) != 1 || bundle.Patterns[0].Name != "survivorship" {
		t.Errorf("patterns = %v", bundle.Patterns)
	}

	rendered := bundle.Render()
	for _, want := range []string{"Retrieved Document Context", "full alpha section", "Related Earlier Turns", "Triggered Pattern: survivorship"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered bundle missing %q", want)
		}
	}
}

func TestAssembleDegradesOnEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	vs := newTestIndex(t)
	engine := &stubEngine{fail: errors.New("backend down")}
	asm := newTestAssembler(t, vs, engine)

	bundle := asm.Assemble(ctx, "what about alpha", AssembleInput{
		AlwaysOn:          AlwaysOn{Register: "- A1 churn is guessed"},
		RequiresRetrieval: true,
		TurnNumber:        9,
	})

	if bundle == nil {
		t.Fatal("bundle must survive retrieval failure")
	}
	if len(bundle.Documents) != 0 || len(bundle.Conversations) != 0 {
		t.Error("expected empty retrieval results")
	}
	if !strings.Contains(bundle.Render(), "A1 churn is guessed") {
		t.Error("always-on content missing after degraded retrieval")
	}
}
