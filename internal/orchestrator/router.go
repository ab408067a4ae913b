package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forge/internal/facts"
	"forge/internal/logging"
	"forge/internal/session"
	"forge/internal/types"
)

// Decision is the phase-A routing output.
type Decision struct {
	NextAction        string   `json:"next_action"`
	EnterMode         string   `json:"enter_mode,omitempty"`
	Reasoning         string   `json:"reasoning,omitempty"`
	RequiresRetrieval bool     `json:"requires_retrieval"`
	ConflictFlags     []string `json:"conflict_flags,omitempty"`
	HighRiskUnprobed  []string `json:"high_risk_unprobed,omitempty"`
	SuggestedProbes   []string `json:"suggested_probes,omitempty"`
	TriggeredPatterns []string `json:"triggered_patterns,omitempty"`
	MicroSynthesisDue bool     `json:"micro_synthesis_due,omitempty"`
	EnrichmentNeeded  bool     `json:"enrichment_needed,omitempty"`
	EnrichmentQuery   string   `json:"enrichment_query,omitempty"`
}

const (
	ActionAskQuestions   = "ask_questions"
	ActionMicroSynth     = "micro_synthesize"
	ActionEnterMode      = "enter_mode"
	ActionContinueMode   = "continue_mode"
	ActionFlagConflict   = "flag_conflict"
	ActionCompleteMode   = "complete_mode"
	defaultRouterTimeout = 30 * time.Second
)

// Router runs the lightweight phase-A call.
type Router struct {
	llm     types.LLMClient
	timeout time.Duration
}

// NewRouter builds a router over the small-model client.
func NewRouter(llm types.LLMClient, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = defaultRouterTimeout
	}
	return &Router{llm: llm, timeout: timeout}
}

// Route decides what this turn should do. It never returns an error:
// any failure of the call or of decision parsing degrades to the
// conservative fallback, which keeps gathering and keeps retrieval on.
func (r *Router) Route(ctx context.Context, st *session.State, fs *facts.Store, userMessage string) Decision {
	timer := logging.StartTimer(logging.CategoryRouter, "phase A route")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := buildRouterPrompt(st, fs, userMessage)
	raw, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		logging.RouterWarn("phase A call failed, using fallback decision: %v", err)
		return FallbackDecision()
	}

	decision, err := parseDecision(raw)
	if err != nil {
		logging.RouterWarn("phase A output unparseable, using fallback decision: %v", err)
		return FallbackDecision()
	}

	logging.Router("turn %d: next_action=%s enter_mode=%s retrieval=%t",
		st.TurnCount+1, decision.NextAction, decision.EnterMode, decision.RequiresRetrieval)
	return decision
}

// FallbackDecision is the conservative default used on any routing
// failure: keep gathering, keep retrieval on, change nothing.
func FallbackDecision() Decision {
	return Decision{
		NextAction:        ActionAskQuestions,
		Reasoning:         "fallback: routing unavailable",
		RequiresRetrieval: true,
	}
}

func buildRouterPrompt(st *session.State, fs *facts.Store, userMessage string) string {
	original := "(none yet)"
	if len(st.Turns) > 0 {
		original = st.Turns[0].UserMessage
	}
	summary := st.Routing.RollingSummary
	if summary == "" {
		summary = "(No summary yet. First turn.)"
	}
	recent := st.RenderRecentTurns(3)
	if recent == "" {
		recent = "(none)"
	}

	microDue := st.TurnCount > 0 && st.TurnCount%3 == 0

	return fmt.Sprintf(routerPromptTemplate,
		original,
		summary,
		st.RenderRoutingContext(),
		microDue,
		orNone(st.Org.Domain),
		st.Org.EnrichmentCount,
		fs.SummarizeRegister(),
		recent,
		userMessage,
	)
}

// parseDecision extracts the JSON decision, tolerating markdown fences
// around it.
func parseDecision(raw string) (Decision, error) {
	cleaned := stripCodeFences(raw)

	// requires_retrieval must default to true when the model omits it.
	decision := Decision{RequiresRetrieval: true}
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		return Decision{}, fmt.Errorf("parsing routing decision: %w", err)
	}
	if !validAction(decision.NextAction) {
		return Decision{}, fmt.Errorf("unknown next_action %q", decision.NextAction)
	}
	return decision, nil
}

// stripCodeFences removes markdown code fences from a JSON response.
func stripCodeFences(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

func validAction(a string) bool {
	switch a {
	case ActionAskQuestions, ActionMicroSynth, ActionEnterMode, ActionContinueMode, ActionFlagConflict, ActionCompleteMode:
		return true
	}
	return false
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
