package chunking

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// paragraph builds a deterministic paragraph of n words.
func paragraph(n int, seed string) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", seed, i)
	}
	return strings.Join(words, " ") + "."
}

func TestConvertPassthrough(t *testing.T) {
	out, err := Convert("notes.md", []byte("# Title\nbody"), ".md")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if out != "# Title\nbody" {
		t.Errorf("Convert altered content: %q", out)
	}
}

func TestConvertUnsupportedFormat(t *testing.T) {
	_, err := Convert("broken.docx", []byte{0x50, 0x4b}, ".docx")
	if err == nil {
		t.Fatal("expected conversion error")
	}
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("error is %T, want *ConversionError", err)
	}
	if convErr.Source != "broken.docx" {
		t.Errorf("Source = %q", convErr.Source)
	}
}

func TestSplitByHeadersTracksPath(t *testing.T) {
	md := `intro text here

# Alpha
alpha body

## Beta
beta body

### Gamma
gamma body

## Delta
delta body
`
	sections := SplitByHeaders(md)
	if len(sections) != 5 {
		t.Fatalf("got %d sections, want 5", len(sections))
	}

	wantPaths := [][]string{
		{"Introduction"},
		{"Alpha"},
		{"Alpha", "Beta"},
		{"Alpha", "Beta", "Gamma"},
		{"Alpha", "Delta"},
	}
	for i, want := range wantPaths {
		if diff := cmp.Diff(want, sections[i].HeaderPath); diff != "" {
			t.Errorf("section %d header path (-want +got):\n%s", i, diff)
		}
	}
}

func TestSplitByHeadersSkipsEmptySections(t *testing.T) {
	sections := SplitByHeaders("# Empty\n\n# Full\ncontent")
	if len(sections) != 1 || sections[0].Title != "Full" {
		t.Fatalf("sections = %+v, want only Full", sections)
	}
}

// A 3-section document under one h1 must produce exactly three leaves
// with hierarchy-reflecting breadcrumbs, all under one parent.
func TestThreeSectionDocumentGrouping(t *testing.T) {
	md := fmt.Sprintf("# H1\n%s\n\n## H2a\n%s\n\n## H2b\n%s\n",
		paragraph(40, "top"), paragraph(40, "left"), paragraph(40, "right"))

	opts := Options{MinTokens: 1, MaxTokens: 500, ParentMaxTokens: 2000}
	leaves := ChunkDocument("plan.md", md, opts)
	if len(leaves) != 3 {
		t.Fatalf("got %d leaves, want 3", len(leaves))
	}

	wantPaths := [][]string{{"H1"}, {"H1", "H2a"}, {"H1", "H2b"}}
	for i, want := range wantPaths {
		if diff := cmp.Diff(want, leaves[i].HeaderPath); diff != "" {
			t.Errorf("leaf %d breadcrumb (-want +got):\n%s", i, diff)
		}
	}

	for i, leaf := range leaves {
		if leaf.ParentID != leaves[0].ParentID {
			t.Errorf("leaf %d has parent %s, want shared parent %s", i, leaf.ParentID, leaves[0].ParentID)
		}
		if leaf.LeafIndex != i {
			t.Errorf("leaf %d LeafIndex = %d", i, leaf.LeafIndex)
		}
		if !strings.Contains(leaf.ContextHeader, "plan.md") {
			t.Errorf("leaf %d context header missing source: %q", i, leaf.ContextHeader)
		}
	}
}

// Concatenating the leaves of one parent in leaf-index order must
// reproduce the parent text exactly.
func TestParentRoundTrip(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Doc\n")
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "\n## Section %d\n%s\n", i, paragraph(120, fmt.Sprintf("s%d_", i)))
	}

	leaves := ChunkDocument("doc.md", b.String(), DefaultOptions())
	if len(leaves) == 0 {
		t.Fatal("no leaves produced")
	}

	byParent := map[string][]LeafChunk{}
	for _, l := range leaves {
		byParent[l.ParentID] = append(byParent[l.ParentID], l)
	}
	for parentID, group := range byParent {
		texts := make([]string, len(group))
		for _, l := range group {
			texts[l.LeafIndex] = l.Text
		}
		if joined := strings.Join(texts, "\n\n"); joined != group[0].ParentText {
			t.Errorf("parent %s: leaf concatenation does not reproduce parent text", parentID)
		}
	}
}

func TestChunkSizeBounds(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Long\n")
	for i := 0; i < 12; i++ {
		b.WriteString("\n" + paragraph(150, fmt.Sprintf("p%d_", i)) + "\n")
	}

	opts := DefaultOptions()
	leaves := ChunkDocument("long.md", b.String(), opts)
	for i, leaf := range leaves {
		tokens := EstimateTokens(leaf.Text)
		if tokens > opts.MaxTokens {
			t.Errorf("leaf %d exceeds max: %.1f tokens", i, tokens)
		}
		if tokens < opts.MinTokens {
			t.Errorf("leaf %d below min: %.1f tokens", i, tokens)
		}
	}
}

func TestOversizedSectionSplitsIntoParts(t *testing.T) {
	md := "# Big\n" + paragraph(300, "a") + "\n\n" + paragraph(300, "b") + "\n\n" + paragraph(300, "c")

	chunks := EnforceSizes(SplitByHeaders(md), DefaultOptions())
	if len(chunks) < 2 {
		t.Fatalf("oversized section not split: %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if !strings.Contains(c.Title, "(part ") {
			t.Errorf("chunk %d title missing part suffix: %q", i, c.Title)
		}
	}
}

// A single sentence above the max may stay whole, but must never be cut.
func TestOversizedSentenceStaysWhole(t *testing.T) {
	sentence := strings.TrimSuffix(paragraph(600, "w"), ".")
	md := "# S\n" + sentence

	chunks := EnforceSizes(SplitByHeaders(md), DefaultOptions())
	if len(chunks) != 1 {
		t.Fatalf("un-splittable sentence was cut into %d chunks", len(chunks))
	}
}

func TestUndersizedMergesWithNextSibling(t *testing.T) {
	md := "## A\n" + paragraph(10, "a") + "\n\n## B\n" + paragraph(200, "b")

	chunks := EnforceSizes(SplitByHeaders(md), DefaultOptions())
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 after merge", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "a0") || !strings.Contains(chunks[0].Text, "b0") {
		t.Errorf("merged chunk missing source text: %q", chunks[0].Text[:80])
	}
}

func TestChunkingIsDeterministic(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Root\n")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "\n## S%d\n%s\n", i, paragraph(130, fmt.Sprintf("d%d_", i)))
	}
	md := b.String()

	first := ChunkDocument("det.md", md, DefaultOptions())
	second := ChunkDocument("det.md", md, DefaultOptions())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("chunking not deterministic (-first +second):\n%s", diff)
	}
}

func TestParentBudgetSplitsLargeGroups(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Root\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "\n## S%d\n%s\n", i, paragraph(300, fmt.Sprintf("g%d_", i)))
	}

	leaves := ChunkDocument("big.md", b.String(), DefaultOptions())
	parents := map[string]bool{}
	for _, l := range leaves {
		parents[l.ParentID] = true
		if EstimateTokens(l.ParentText) > DefaultOptions().ParentMaxTokens+DefaultOptions().MaxTokens {
			t.Errorf("parent %s grossly exceeds budget", l.ParentID)
		}
	}
	if len(parents) < 2 {
		t.Errorf("one h1 worth ~4000 tokens produced %d parents, want several", len(parents))
	}
}
