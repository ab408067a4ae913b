package retrieval

import (
	"context"
	"fmt"
	"strings"

	"forge/internal/knowledge"
	"forge/internal/logging"
)

// AlwaysOn is the cheap, deterministic context every turn carries
// regardless of the routing decision. All fields are pre-rendered by the
// caller from local state; building it involves no I/O.
type AlwaysOn struct {
	OrgContext     string
	Register       string
	Skeleton       string
	RoutingContext string
	RecentTurns    string
}

// AssembleInput carries the routing decision fields that condition
// retrieval.
type AssembleInput struct {
	AlwaysOn          AlwaysOn
	RequiresRetrieval bool
	ActiveProbe       string
	TriggeredPatterns []string
	TurnNumber        int
}

// Bundle is the typed context bundle handed to the executor. It stays
// structured until Render, the single point where state becomes prompt
// text.
type Bundle struct {
	AlwaysOn      AlwaysOn
	Guidance      []knowledge.Unit
	Patterns      []knowledge.Unit
	Documents     []DocumentMatch
	Conversations []TurnMatch
	Retrieved     bool // false on the bypass path
}

// Assembler merges knowledge lookups and vector queries into a bundle.
type Assembler struct {
	knowledge *knowledge.Index
	retriever *Retriever
}

// NewAssembler builds an assembler over the knowledge index and retriever.
func NewAssembler(idx *knowledge.Index, retriever *Retriever) *Assembler {
	return &Assembler{knowledge: idx, retriever: retriever}
}

// Assemble builds the context bundle for one turn.
//
// The always-on part is unconditional. When the decision says no
// retrieval is required, only the active guidance unit is appended and
// the vector index is never touched; acknowledgment turns pay no
// retrieval latency. Otherwise both collections are queried, and a
// retrieval failure degrades to an empty result rather than failing the
// turn.
func (a *Assembler) Assemble(ctx context.Context, userMessage string, in AssembleInput) *Bundle {
	bundle := &Bundle{AlwaysOn: in.AlwaysOn}

	if in.ActiveProbe != "" && a.knowledge != nil {
		if unit, err := a.knowledge.Lookup(knowledge.KindProbe, in.ActiveProbe); err == nil {
			bundle.Guidance = append(bundle.Guidance, unit)
		} else {
			logging.RetrievalWarn("active probe %q not in catalog", in.ActiveProbe)
		}
	}

	if !in.RequiresRetrieval {
		logging.RetrievalDebug("turn %d: retrieval bypassed", in.TurnNumber)
		return bundle
	}
	if a.knowledge != nil {
		for _, key := range in.TriggeredPatterns {
			if unit, err := a.knowledge.Lookup(knowledge.KindPattern, key); err == nil {
				bundle.Patterns = append(bundle.Patterns, unit)
			} else {
				logging.RetrievalWarn("triggered pattern %q not in catalog", key)
			}
		}
	}

	if a.retriever == nil {
		return bundle
	}
	bundle.Retrieved = true

	// The probe name sharpens the document query when one is active.
	query := userMessage
	if in.ActiveProbe != "" {
		query = userMessage + " " + in.ActiveProbe
	}

	docs, err := a.retriever.RetrieveDocuments(ctx, query)
	if err != nil {
		logging.RetrievalWarn("document retrieval degraded to empty: %v", err)
	} else {
		bundle.Documents = docs
	}

	convs, err := a.retriever.RetrieveConversations(ctx, userMessage, in.TurnNumber)
	if err != nil {
		logging.RetrievalWarn("conversation retrieval degraded to empty: %v", err)
	} else {
		bundle.Conversations = convs
	}

	return bundle
}

// Render serializes the bundle to prompt text. This is the only place
// bundle structure becomes a string.
func (b *Bundle) Render() string {
	var sb strings.Builder

	sb.WriteString("## Project Context\n")
	sb.WriteString(orEmpty(b.AlwaysOn.OrgContext, "No organizational context recorded."))
	sb.WriteString("\n\n## Assumption Register\n")
	sb.WriteString(b.AlwaysOn.Register)
	sb.WriteString("\n\n## Finding Skeleton\n")
	sb.WriteString(b.AlwaysOn.Skeleton)
	sb.WriteString("\n\n## Routing Context\n")
	sb.WriteString(b.AlwaysOn.RoutingContext)
	sb.WriteString("\n\n## Recent Turns\n")
	sb.WriteString(orEmpty(b.AlwaysOn.RecentTurns, "None yet."))

	for _, u := range b.Guidance {
		fmt.Fprintf(&sb, "\n\n## Active Guidance: %s\n%s", u.Name, u.Body)
	}
	for _, u := range b.Patterns {
		fmt.Fprintf(&sb, "\n\n## Triggered Pattern: %s\n%s", u.Name, u.Body)
	}

	if len(b.Documents) > 0 {
		sb.WriteString("\n\n## Retrieved Document Context\n")
		for _, d := range b.Documents {
			fmt.Fprintf(&sb, "\n%s\n%s\n", d.ContextHeader, d.Text)
		}
	}
	if len(b.Conversations) > 0 {
		sb.WriteString("\n\n## Related Earlier Turns\n")
		for _, c := range b.Conversations {
			fmt.Fprintf(&sb, "\n[Turn %d] User: %s\nAssistant: %s\n", c.TurnNumber, c.UserMessage, c.AssistantResponse)
		}
	}

	return sb.String()
}

func orEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
