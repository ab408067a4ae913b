// Package orchestrator sequences one conversation turn: a small routing
// call, targeted context assembly, the heavy generation call with its
// tool loop, and post-turn bookkeeping. One Engine serves one
// conversation; independent conversations get independent Engines and
// share nothing.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forge/internal/facts"
	"forge/internal/knowledge"
	"forge/internal/logging"
	"forge/internal/retrieval"
	"forge/internal/session"
	"forge/internal/types"
)

// Deps are the collaborators an Engine needs. Retriever and Assembler
// may be nil, in which case the engine runs without vector retrieval
// and assembles always-on context only.
type Deps struct {
	LLM        types.LLMClient // Main model, phase B
	RouterLLM  types.LLMClient // Small model, phase A
	SummaryLLM types.LLMClient // Small model, turn summaries
	Facts      *facts.Store
	State      *session.State
	Manager    *session.Manager
	Watcher    *session.ContextWatcher
	Knowledge  *knowledge.Index
	Assembler  *retrieval.Assembler
	Retriever  *retrieval.Retriever

	MaxToolCalls   int
	AlwaysOnWindow int
}

// Engine owns the per-turn pipeline for one conversation.
type Engine struct {
	deps     Deps
	router   *Router
	executor *Executor
}

// NewEngine wires the pipeline.
func NewEngine(deps Deps) *Engine {
	if deps.AlwaysOnWindow <= 0 {
		deps.AlwaysOnWindow = 3
	}
	return &Engine{
		deps:     deps,
		router:   NewRouter(deps.RouterLLM, 0),
		executor: NewExecutor(deps.LLM, deps.MaxToolCalls),
	}
}

// RunTurn processes one user message end to end and returns the
// assistant response. State mutations from tool calls are kept even
// when later steps degrade; each tool call is independently idempotent.
func (e *Engine) RunTurn(ctx context.Context, userMessage string) (string, error) {
	st := e.deps.State
	turn := st.TurnCount + 1
	logging.Session("turn %d starting", turn)

	e.refreshOrgContext()

	decision := e.router.Route(ctx, st, e.deps.Facts, userMessage)
	firstModeTurn := e.applyDecision(decision)

	bundle := e.assemble(ctx, userMessage, decision)

	prompt := e.buildPhaseBPrompt(decision, bundle, userMessage, firstModeTurn)
	res := e.executor.Execute(ctx, prompt, NewDispatcher(e.deps.Facts, st, e.deps.Manager))

	e.finishTurn(ctx, userMessage, res)

	return res.Text, nil
}

// refreshOrgContext folds manual edits of context.md into state before
// routing, so the edit lands on this turn. Manual edits do not count
// against the enrichment cap; only model-initiated rewrites do.
func (e *Engine) refreshOrgContext() {
	if e.deps.Watcher == nil || !e.deps.Watcher.Changed() {
		return
	}
	text, err := e.deps.Manager.ReadOrgContext()
	if err != nil {
		logging.SessionWarn("re-reading edited context.md: %v", err)
		return
	}
	e.deps.State.Org.Text = text
	logging.Session("org context refreshed from manual edit")
}

// applyDecision applies routing transitions and reports whether a mode
// was entered this turn.
func (e *Engine) applyDecision(d Decision) bool {
	st := e.deps.State

	if d.NextAction == ActionCompleteMode && st.Phase == session.PhaseModeActive {
		// Safety net: phase B never signaled completion, the router
		// judged the mode finished. Phase resets; the skeleton is left
		// alone so nothing the user saw rendered is lost.
		logging.Router("safety-net mode completion for %s", st.ActiveMode)
		st.CompleteMode()
		return false
	}

	if d.EnterMode != "" {
		mode := session.Mode(d.EnterMode)
		if st.ActiveMode != mode {
			st.EnterMode(mode)
			logging.Router("entered mode %s", mode)
			return true
		}
	}
	return false
}

func (e *Engine) assemble(ctx context.Context, userMessage string, d Decision) *retrieval.Bundle {
	st := e.deps.State

	activeProbe := st.ActiveProbe()
	if len(d.SuggestedProbes) > 0 {
		activeProbe = d.SuggestedProbes[0]
	}

	in := retrieval.AssembleInput{
		AlwaysOn: retrieval.AlwaysOn{
			OrgContext:     st.Org.Text,
			Register:       e.deps.Facts.SummarizeRegister(),
			Skeleton:       e.deps.Facts.FormatSkeleton(),
			RoutingContext: st.RenderRoutingContext(),
			RecentTurns:    st.RenderRecentTurns(e.deps.AlwaysOnWindow),
		},
		RequiresRetrieval: d.RequiresRetrieval,
		ActiveProbe:       activeProbe,
		TriggeredPatterns: d.TriggeredPatterns,
		TurnNumber:        st.TurnCount + 1,
	}

	if e.deps.Assembler == nil {
		return &retrieval.Bundle{AlwaysOn: in.AlwaysOn}
	}
	return e.deps.Assembler.Assemble(ctx, userMessage, in)
}

func (e *Engine) buildPhaseBPrompt(d Decision, bundle *retrieval.Bundle, userMessage string, firstModeTurn bool) string {
	st := e.deps.State

	decisionJSON, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		decisionJSON = []byte(fmt.Sprintf("next_action: %s", d.NextAction))
	}

	assembled := bundle.Render()
	if firstModeTurn && e.deps.Knowledge != nil {
		// Entering a mode gets the full catalog once; later turns rely
		// on targeted lookups.
		assembled += "\n\n" + e.deps.Knowledge.ModeKnowledge()
	}

	history := st.RenderRecentTurns(0)
	if history == "" {
		history = "(none)"
	}
	turn := st.TurnCount + 1

	switch {
	case st.Phase == session.PhaseModeActive && st.ActiveMode == session.ModeDiscovery:
		return fmt.Sprintf(discoveryPromptTemplate,
			turn, firstModeTurn, decisionJSON, assembled, history,
			e.deps.Facts.FormatRegister(), e.deps.Facts.FormatSkeleton(), userMessage)
	case st.Phase == session.PhaseModeActive && st.ActiveMode == session.ModeEvaluation:
		return fmt.Sprintf(evaluationPromptTemplate,
			turn, firstModeTurn, decisionJSON, assembled, history,
			e.deps.Facts.FormatRegister(), e.deps.Facts.FormatSkeleton(), userMessage)
	default:
		return fmt.Sprintf(gatheringPromptTemplate,
			turn, decisionJSON, assembled, history, userMessage)
	}
}

// finishTurn runs the post-turn bookkeeping: summary obligation,
// history append, conversation indexing, persistence.
func (e *Engine) finishTurn(ctx context.Context, userMessage string, res ExecResult) {
	st := e.deps.State

	if !res.SummaryUpdated {
		logging.ExecutorWarn("model never called %s, synthesizing fallback summary", ToolUpdateSummary)
		if fallback := e.fallbackSummary(); fallback != "" {
			st.Routing.RollingSummary = fallback
		}
	}

	st.RecordTurn(userMessage, res.Text, st.Routing.RollingSummary, st.ActiveProbe())

	e.indexTurn(ctx, userMessage, res.Text)

	st.Facts = e.deps.Facts.Snapshot()
	if e.deps.Manager != nil {
		if err := e.deps.Manager.Save(st); err != nil {
			logging.SessionWarn("auto-save failed: %v", err)
		}
	}
	logging.Session("turn %d complete", st.TurnCount)
}

// fallbackSummary synthesizes a rolling summary from structured state
// when the model skipped its end-of-turn obligation.
func (e *Engine) fallbackSummary() string {
	st := e.deps.State
	skeleton := e.deps.Facts.Skeleton()

	var parts []string
	if skeleton.ProblemStatement != "" {
		parts = append(parts, fmt.Sprintf("Working problem: %s.", skeleton.ProblemStatement))
	}
	if n := e.deps.Facts.Count(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d assumptions tracked.", n))
	}
	if st.Phase == session.PhaseModeActive {
		parts = append(parts, fmt.Sprintf("Currently in %s mode.", st.ActiveMode))
	} else {
		parts = append(parts, "Still gathering context.")
	}
	return strings.Join(parts, " ")
}

// indexTurn embeds and stores the completed turn once it leaves the
// always-on window. Failures are logged, never surfaced; retrieval is
// an enhancement, not a dependency.
func (e *Engine) indexTurn(ctx context.Context, userMessage, assistantResponse string) {
	st := e.deps.State
	if e.deps.Retriever == nil || st.TurnCount <= e.deps.AlwaysOnWindow {
		return
	}

	summary := e.turnSummary(ctx, userMessage, assistantResponse)
	if summary == "" {
		logging.SessionWarn("turn %d: no usable summary, skipping indexing", st.TurnCount)
		return
	}

	err := e.deps.Retriever.IndexTurn(ctx, retrieval.TurnRecord{
		TurnNumber:        st.TurnCount,
		Summary:           summary,
		UserMessage:       userMessage,
		AssistantResponse: assistantResponse,
		ActiveProbe:       st.ActiveProbe(),
		ActiveMode:        string(st.ActiveMode),
	})
	if err != nil {
		logging.SessionWarn("turn indexing failed: %v", err)
	}
}

// turnSummary asks the small model for a 1-2 sentence embedding target.
// Falls back to the rolling summary when the call fails or returns
// nothing usable.
func (e *Engine) turnSummary(ctx context.Context, userMessage, assistantResponse string) string {
	if e.deps.SummaryLLM != nil {
		prompt := fmt.Sprintf(turnSummaryPromptTemplate, truncate(userMessage, 1000), truncate(assistantResponse, 1000))
		summary, err := e.deps.SummaryLLM.Complete(ctx, prompt)
		if err != nil {
			logging.SessionWarn("turn summary generation failed: %v", err)
		} else if s := strings.TrimSpace(summary); s != "" {
			return s
		}
	}
	return strings.TrimSpace(e.deps.State.Routing.RollingSummary)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
