// Package session owns the explicit per-conversation state object and its
// persistence. State is passed through the orchestrator by pointer; nothing
// in this package is global. One conversation has one State and one
// goroutine mutating it, so State itself carries no lock.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forge/internal/facts"
)

// Phase is the conversation-level state machine.
type Phase string

const (
	PhaseGathering  Phase = "gathering"
	PhaseModeActive Phase = "mode_active"
)

// Mode names an active analysis mode.
type Mode string

const (
	ModeDiscovery  Mode = "discovery"
	ModeEvaluation Mode = "evaluation"
)

// SchemaVersion is written into every persisted state file.
const SchemaVersion = "1.0"

// TurnEntry is one completed exchange kept in the message history.
type TurnEntry struct {
	Turn              int       `json:"turn"`
	UserMessage       string    `json:"userMessage"`
	AssistantResponse string    `json:"assistantResponse"`
	Summary           string    `json:"summary,omitempty"`
	ActiveProbe       string    `json:"activeProbe,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// GuidanceEvent is one probe or pattern firing, kept in firing order
// with the model's free-text outcome note.
type GuidanceEvent struct {
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
	Turn int    `json:"turn"`
}

// RoutingContext is the router's working memory across turns.
type RoutingContext struct {
	ProbesFired       []GuidanceEvent `json:"probesFired,omitempty"`
	PatternsFired     []GuidanceEvent `json:"patternsFired,omitempty"`
	RollingSummary    string          `json:"rollingSummary,omitempty"`
	LastSynthesisTurn int             `json:"lastSynthesisTurn,omitempty"`
}

// OrgContext is the editable organizational context folded into every
// turn's always-on bundle.
type OrgContext struct {
	Domain          string `json:"domain,omitempty"`
	Text            string `json:"text,omitempty"`
	EnrichmentCount int    `json:"enrichmentCount,omitempty"`
}

// maxEnrichments bounds how many times the model may rewrite the org
// context on its own initiative.
const maxEnrichments = 3

// Artifact is the most recently rendered work product.
type Artifact struct {
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	Turn    int       `json:"turn"`
	Time    time.Time `json:"time"`
}

// State is the complete persistable conversation state.
type State struct {
	SchemaVersion  string          `json:"schemaVersion"`
	ConversationID string          `json:"conversationId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	TurnCount      int             `json:"turnCount"`
	Phase          Phase           `json:"phase"`
	ActiveMode     Mode            `json:"activeMode,omitempty"`
	Turns          []TurnEntry     `json:"turns,omitempty"`
	Routing        RoutingContext  `json:"routing"`
	Org            OrgContext      `json:"org"`
	LatestArtifact *Artifact       `json:"latestArtifact,omitempty"`
	Facts          *facts.Snapshot `json:"facts,omitempty"`
}

// New creates a fresh conversation state.
func New() *State {
	now := time.Now()
	return &State{
		SchemaVersion:  SchemaVersion,
		ConversationID: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Phase:          PhaseGathering,
	}
}

// RecordTurn appends a completed exchange and advances the turn counter.
func (s *State) RecordTurn(userMessage, assistantResponse, summary, activeProbe string) {
	s.TurnCount++
	s.Turns = append(s.Turns, TurnEntry{
		Turn:              s.TurnCount,
		UserMessage:       userMessage,
		AssistantResponse: assistantResponse,
		Summary:           summary,
		ActiveProbe:       activeProbe,
		Timestamp:         time.Now(),
	})
	s.UpdatedAt = time.Now()
}

// RecentTurns returns the last n exchanges, newest last.
func (s *State) RecentTurns(n int) []TurnEntry {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// RenderRecentTurns formats the last n exchanges for prompt inclusion.
func (s *State) RenderRecentTurns(n int) string {
	turns := s.RecentTurns(n)
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[Turn %d] User: %s\n[Turn %d] Assistant: %s\n", t.Turn, t.UserMessage, t.Turn, t.AssistantResponse)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RecordProbeFired notes a guidance unit as used, with the model's
// outcome note. Re-firing an already recorded probe is a no-op.
func (s *State) RecordProbeFired(name, note string) {
	if name == "" || hasEvent(s.Routing.ProbesFired, name) {
		return
	}
	s.Routing.ProbesFired = append(s.Routing.ProbesFired, GuidanceEvent{
		Name: name, Note: note, Turn: s.TurnCount + 1,
	})
}

// RecordPatternFired notes an analysis pattern as surfaced, with the
// reason it triggered. Re-firing an already recorded pattern is a no-op.
func (s *State) RecordPatternFired(name, note string) {
	if name == "" || hasEvent(s.Routing.PatternsFired, name) {
		return
	}
	s.Routing.PatternsFired = append(s.Routing.PatternsFired, GuidanceEvent{
		Name: name, Note: note, Turn: s.TurnCount + 1,
	})
}

// ActiveProbe is the most recently fired guidance unit, if any.
func (s *State) ActiveProbe() string {
	if len(s.Routing.ProbesFired) == 0 {
		return ""
	}
	return s.Routing.ProbesFired[len(s.Routing.ProbesFired)-1].Name
}

// EnterMode transitions Gathering -> ModeActive. Entering a mode while
// one is already active replaces it; nested modes do not exist.
func (s *State) EnterMode(mode Mode) {
	s.Phase = PhaseModeActive
	s.ActiveMode = mode
	s.UpdatedAt = time.Now()
}

// CompleteMode transitions back to Gathering.
func (s *State) CompleteMode() {
	s.Phase = PhaseGathering
	s.ActiveMode = ""
	s.UpdatedAt = time.Now()
}

// CanEnrich reports whether the model may still rewrite the org context.
func (s *State) CanEnrich() bool {
	return s.Org.EnrichmentCount < maxEnrichments
}

// RecordEnrichment applies a model-initiated org-context update. Returns
// false without mutating once the cap is reached.
func (s *State) RecordEnrichment(domain, text string) bool {
	if !s.CanEnrich() {
		return false
	}
	if domain != "" {
		s.Org.Domain = domain
	}
	if text != "" {
		s.Org.Text = text
	}
	s.Org.EnrichmentCount++
	s.UpdatedAt = time.Now()
	return true
}

// SetArtifact stores the most recently rendered work product.
func (s *State) SetArtifact(kind, content string) {
	s.LatestArtifact = &Artifact{
		Kind:    kind,
		Content: content,
		Turn:    s.TurnCount + 1,
		Time:    time.Now(),
	}
	s.UpdatedAt = time.Now()
}

// RenderRoutingContext formats the router's working memory for phase-A
// prompts.
func (s *State) RenderRoutingContext() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Turn: %d\nPhase: %s\n", s.TurnCount+1, s.Phase)
	if s.ActiveMode != "" {
		fmt.Fprintf(&sb, "Active mode: %s\n", s.ActiveMode)
	}
	if len(s.Routing.ProbesFired) > 0 {
		sb.WriteString("Probes fired:\n")
		writeEvents(&sb, s.Routing.ProbesFired)
	}
	if len(s.Routing.PatternsFired) > 0 {
		sb.WriteString("Patterns fired:\n")
		writeEvents(&sb, s.Routing.PatternsFired)
	}
	if s.Routing.RollingSummary != "" {
		fmt.Fprintf(&sb, "Conversation so far: %s\n", s.Routing.RollingSummary)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func hasEvent(list []GuidanceEvent, name string) bool {
	for _, ev := range list {
		if ev.Name == name {
			return true
		}
	}
	return false
}

func writeEvents(sb *strings.Builder, list []GuidanceEvent) {
	for _, ev := range list {
		fmt.Fprintf(sb, "  - %s (turn %d)", ev.Name, ev.Turn)
		if ev.Note != "" {
			fmt.Fprintf(sb, ": %s", ev.Note)
		}
		sb.WriteString("\n")
	}
}
