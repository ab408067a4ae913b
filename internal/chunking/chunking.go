// Package chunking converts uploaded documents into a hierarchy of leaf
// and parent text spans with positional breadcrumbs. Leaves are sized for
// precise similarity matching; parents carry the surrounding section so a
// match can be returned with enough context to be useful.
//
// All splitting is deterministic: identical input text and thresholds
// always produce identical chunk boundaries.
package chunking

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"forge/internal/logging"
)

// ConversionError reports a per-document conversion failure. The caller
// keeps the original file; one bad document never stops the pipeline.
type ConversionError struct {
	Source string
	Format string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting %s (%s): %v", e.Source, e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Options bound chunk sizes, in estimated tokens.
type Options struct {
	MinTokens       float64
	MaxTokens       float64
	ParentMaxTokens float64
}

// DefaultOptions returns the standard size bounds.
func DefaultOptions() Options {
	return Options{MinTokens: 100, MaxTokens: 500, ParentMaxTokens: 2000}
}

// Section is one header-delimited span of the source document.
type Section struct {
	Title      string
	Text       string
	HeaderPath []string
	Level      int
}

// Chunk is a size-bounded span ready for parent grouping.
type Chunk struct {
	Title      string
	Text       string
	HeaderPath []string
	Level      int
}

// LeafChunk is the final retrievable unit with its parent linkage.
type LeafChunk struct {
	Text          string
	HeaderPath    []string
	ContextHeader string
	ParentID      string
	ParentText    string
	LeafIndex     int
}

// EstimateTokens is the cheap word-count heuristic used for all size
// decisions. It deliberately avoids an exact tokenizer.
func EstimateTokens(text string) float64 {
	return float64(len(strings.Fields(text))) * 1.3
}

// Convert turns raw document bytes into markdown text. Markdown and plain
// text pass through; anything else is a typed conversion failure isolated
// to this document.
func Convert(source string, data []byte, format string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "md", "markdown", "txt":
		return string(data), nil
	default:
		return "", &ConversionError{
			Source: source,
			Format: format,
			Err:    fmt.Errorf("unsupported format"),
		}
	}
}

var headerRe = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)

// SplitByHeaders splits markdown at h1-h3 boundaries, tracking the header
// path of each section. Text before the first header becomes an
// "Introduction" section.
func SplitByHeaders(markdown string) []Section {
	type stackEntry struct {
		title string
		level int
	}

	var sections []Section
	var stack []stackEntry
	current := Section{Title: "Introduction", HeaderPath: []string{"Introduction"}, Level: 1}
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			current.Text = text
			sections = append(sections, current)
		}
		body = body[:0]
	}

	for _, line := range strings.Split(markdown, "\n") {
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		flush()

		level := len(m[1])
		title := strings.TrimSpace(m[2])
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, stackEntry{title: title, level: level})

		path := make([]string, len(stack))
		for i, e := range stack {
			path[i] = e.title
		}
		current = Section{Title: title, HeaderPath: path, Level: level}
	}
	flush()

	return sections
}

// ContextHeader renders the breadcrumb that prefixes a leaf at embedding
// time, e.g. "[Source: plan.md > Rollout > Phase 1]".
func ContextHeader(source string, headerPath []string) string {
	return fmt.Sprintf("[Source: %s > %s]", source, strings.Join(headerPath, " > "))
}

// EnforceSizes splits oversized sections at paragraph then sentence
// boundaries and merges undersized chunks into their next same-level
// sibling. A single sentence larger than maxTokens stays whole; chunks
// never split mid-sentence.
func EnforceSizes(sections []Section, opts Options) []Chunk {
	var sized []Chunk
	for _, sec := range sections {
		pieces := splitToFit(sec.Text, opts.MaxTokens)
		for i, text := range pieces {
			title := sec.Title
			if len(pieces) > 1 {
				title = fmt.Sprintf("%s (part %d)", sec.Title, i+1)
			}
			sized = append(sized, Chunk{
				Title:      title,
				Text:       text,
				HeaderPath: sec.HeaderPath,
				Level:      sec.Level,
			})
		}
	}

	return mergeUndersized(sized, opts.MinTokens)
}

// splitToFit breaks text into pieces no larger than maxTokens, trying
// paragraph boundaries first, then sentence boundaries.
func splitToFit(text string, maxTokens float64) []string {
	if EstimateTokens(text) <= maxTokens {
		return []string{text}
	}

	var pieces []string
	var buf []string
	var bufTokens float64

	flush := func() {
		if len(buf) > 0 {
			pieces = append(pieces, strings.Join(buf, "\n\n"))
			buf = buf[:0]
			bufTokens = 0
		}
	}

	for _, para := range splitParagraphs(text) {
		pt := EstimateTokens(para)
		if pt > maxTokens {
			flush()
			pieces = append(pieces, splitSentencesToFit(para, maxTokens)...)
			continue
		}
		if bufTokens+pt > maxTokens {
			flush()
		}
		buf = append(buf, para)
		bufTokens += pt
	}
	flush()

	return pieces
}

var paragraphRe = regexp.MustCompile(`\n\s*\n`)

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentencesToFit packs sentences into pieces bounded by maxTokens.
// A lone oversized sentence is kept whole; that is the one sanctioned
// exception to the upper bound.
func splitSentencesToFit(text string, maxTokens float64) []string {
	sentences := splitSentences(text)

	var pieces []string
	var buf []string
	var bufTokens float64

	flush := func() {
		if len(buf) > 0 {
			pieces = append(pieces, strings.Join(buf, " "))
			buf = buf[:0]
			bufTokens = 0
		}
	}

	for _, s := range sentences {
		st := EstimateTokens(s)
		if bufTokens+st > maxTokens && len(buf) > 0 {
			flush()
		}
		buf = append(buf, s)
		bufTokens += st
	}
	flush()

	return pieces
}

// splitSentences cuts after ". " boundaries. Cheap, deterministic, and
// good enough for size enforcement; no NLP involved.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := strings.Index(rest, ". ")
		if idx < 0 {
			break
		}
		out = append(out, strings.TrimSpace(rest[:idx+1]))
		rest = rest[idx+2:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// mergeUndersized folds chunks below minTokens into the next chunk at the
// same header level. A trailing undersized chunk merges backward instead.
func mergeUndersized(chunks []Chunk, minTokens float64) []Chunk {
	var out []Chunk
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		for EstimateTokens(c.Text) < minTokens && i+1 < len(chunks) && chunks[i+1].Level == c.Level {
			next := chunks[i+1]
			c.Text = c.Text + "\n\n" + next.Text
			i++
		}
		out = append(out, c)
	}

	// Trailing runt: merge into the previous chunk when levels match.
	if n := len(out); n >= 2 {
		last := out[n-1]
		prev := out[n-2]
		if EstimateTokens(last.Text) < minTokens && last.Level == prev.Level {
			prev.Text = prev.Text + "\n\n" + last.Text
			out = append(out[:n-2], prev)
		}
	}
	return out
}

// BuildParentChild groups contiguous chunks that share a top-level header
// into parents bounded by ParentMaxTokens. The parent id is derived from
// the parent text, so re-ingesting an unchanged document yields the same
// ids.
func BuildParentChild(source string, chunks []Chunk, opts Options) []LeafChunk {
	var leaves []LeafChunk
	var group []Chunk
	var groupTokens float64
	var groupRoot string

	flush := func() {
		if len(group) == 0 {
			return
		}
		texts := make([]string, len(group))
		for i, c := range group {
			texts[i] = c.Text
		}
		parentText := strings.Join(texts, "\n\n")
		sum := md5.Sum([]byte(parentText))
		parentID := hex.EncodeToString(sum[:])[:12]

		for i, c := range group {
			leaves = append(leaves, LeafChunk{
				Text:          c.Text,
				HeaderPath:    c.HeaderPath,
				ContextHeader: ContextHeader(source, c.HeaderPath),
				ParentID:      parentID,
				ParentText:    parentText,
				LeafIndex:     i,
			})
		}
		group = group[:0]
		groupTokens = 0
	}

	for _, c := range chunks {
		root := c.HeaderPath[0]
		tokens := EstimateTokens(c.Text)
		if len(group) > 0 && (root != groupRoot || groupTokens+tokens > opts.ParentMaxTokens) {
			flush()
		}
		groupRoot = root
		group = append(group, c)
		groupTokens += tokens
	}
	flush()

	return leaves
}

// ChunkDocument runs the full pipeline: header split, size enforcement,
// parent grouping.
func ChunkDocument(source, markdown string, opts Options) []LeafChunk {
	timer := logging.StartTimer(logging.CategoryChunking, fmt.Sprintf("chunk %s", source))
	defer timer.Stop()

	sections := SplitByHeaders(markdown)
	chunks := EnforceSizes(sections, opts)
	leaves := BuildParentChild(source, chunks, opts)

	logging.Chunking("%s: %d sections -> %d leaves", source, len(sections), len(leaves))
	return leaves
}
