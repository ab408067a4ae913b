package retrieval

import (
	"context"
	"fmt"
	"sort"

	"forge/internal/embedding"
	"forge/internal/logging"
	"forge/internal/store"
)

// DocumentMatch is one retrieved parent chunk.
type DocumentMatch struct {
	ParentID      string
	Source        string
	ContextHeader string
	Text          string // Parent text, not the matching leaf
	Score         float64
}

// TurnMatch is one retrieved past conversation turn.
type TurnMatch struct {
	TurnNumber        int
	Summary           string
	UserMessage       string
	AssistantResponse string
	ActiveProbe       string
	Score             float64
}

// TurnRecord is a completed turn handed over for indexing.
type TurnRecord struct {
	TurnNumber        int
	Summary           string
	UserMessage       string
	AssistantResponse string
	ActiveProbe       string
	ActiveMode        string
}

// Retriever runs the two similarity queries and indexes completed turns.
type Retriever struct {
	index          VectorIndex
	engine         embedding.Engine
	docTopK        int
	convTopK       int
	alwaysOnWindow int
}

// NewRetriever builds a retriever with the given result budgets.
func NewRetriever(index VectorIndex, engine embedding.Engine, docTopK, convTopK, alwaysOnWindow int) *Retriever {
	if docTopK <= 0 {
		docTopK = 4
	}
	if convTopK <= 0 {
		convTopK = 3
	}
	return &Retriever{
		index:          index,
		engine:         engine,
		docTopK:        docTopK,
		convTopK:       convTopK,
		alwaysOnWindow: alwaysOnWindow,
	}
}

// RetrieveDocuments searches leaf embeddings and returns deduplicated
// parents: the index over-fetches, then keeps only the best-scoring leaf
// per parent, so one hot section cannot crowd out the rest.
func (r *Retriever) RetrieveDocuments(ctx context.Context, query string) ([]DocumentMatch, error) {
	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding document query: %w", err)
	}

	results, err := r.index.Search(ctx, store.CollectionDocuments, vec, r.docTopK*2, nil)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}

	seen := map[string]bool{}
	var matches []DocumentMatch
	for _, res := range results {
		parentID, _ := res.Metadata["parent_id"].(string)
		if parentID == "" || seen[parentID] {
			continue
		}
		seen[parentID] = true

		parentText, _ := res.Metadata["parent_text"].(string)
		contextHeader, _ := res.Metadata["context_header"].(string)
		matches = append(matches, DocumentMatch{
			ParentID:      parentID,
			Source:        res.Source,
			ContextHeader: contextHeader,
			Text:          parentText,
			Score:         res.Similarity,
		})
		if len(matches) == r.docTopK {
			break
		}
	}

	logging.RetrievalDebug("document query returned %d parents from %d leaves", len(matches), len(results))
	return matches, nil
}

// RetrieveConversations searches turn summaries, excluding turns still
// inside the always-on window, and returns matches re-sorted
// chronologically for presentation.
func (r *Retriever) RetrieveConversations(ctx context.Context, query string, currentTurn int) ([]TurnMatch, error) {
	threshold := currentTurn - r.alwaysOnWindow
	if threshold <= 0 {
		return nil, nil
	}

	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding conversation query: %w", err)
	}

	results, err := r.index.Search(ctx, store.CollectionConversations, vec, r.convTopK, func(rec store.Record) bool {
		turn, ok := rec.Metadata["turn_number"].(float64)
		return ok && int(turn) < threshold
	})
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	matches := make([]TurnMatch, 0, len(results))
	for _, res := range results {
		turn, _ := res.Metadata["turn_number"].(float64)
		userMsg, _ := res.Metadata["user_message"].(string)
		assistant, _ := res.Metadata["assistant_response"].(string)
		probe, _ := res.Metadata["active_probe"].(string)
		matches = append(matches, TurnMatch{
			TurnNumber:        int(turn),
			Summary:           res.Content,
			UserMessage:       userMsg,
			AssistantResponse: assistant,
			ActiveProbe:       probe,
			Score:             res.Similarity,
		})
	}

	// Similarity picked them; time orders them.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].TurnNumber < matches[j].TurnNumber
	})
	return matches, nil
}

// IndexTurn embeds a completed turn's summary and stores the full pair
// as retrievable payload. Append-only: turn ids never collide because
// turn numbers only grow.
func (r *Retriever) IndexTurn(ctx context.Context, rec TurnRecord) error {
	if rec.Summary == "" {
		return fmt.Errorf("index turn %d: empty summary", rec.TurnNumber)
	}

	vec, err := r.engine.Embed(ctx, rec.Summary)
	if err != nil {
		return fmt.Errorf("embedding turn %d summary: %w", rec.TurnNumber, err)
	}

	return r.index.Upsert(ctx, store.CollectionConversations, []store.Record{{
		ID:        fmt.Sprintf("turn_%d", rec.TurnNumber),
		Source:    "conversation",
		Content:   rec.Summary,
		Embedding: vec,
		Metadata: map[string]interface{}{
			"turn_number":        rec.TurnNumber,
			"user_message":       rec.UserMessage,
			"assistant_response": rec.AssistantResponse,
			"active_probe":       rec.ActiveProbe,
			"active_mode":        rec.ActiveMode,
		},
	}})
}
