package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"forge/internal/facts"
	"forge/internal/knowledge"
	"forge/internal/retrieval"
	"forge/internal/session"
	"forge/internal/types"
)

// mockLLM scripts both the plain-completion and tool-loop surfaces.
type mockLLM struct {
	completeFunc func(prompt string) (string, error)
	toolFunc     func(call int, messages []types.Message) (*types.ToolResponse, error)
	toolCalls    int
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if m.completeFunc == nil {
		return "", errors.New("no completion scripted")
	}
	return m.completeFunc(prompt)
}

func (m *mockLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return m.Complete(ctx, prompt)
}

func (m *mockLLM) CompleteWithTools(ctx context.Context, system string, messages []types.Message, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	m.toolCalls++
	if m.toolFunc == nil {
		return nil, errors.New("no tool response scripted")
	}
	return m.toolFunc(m.toolCalls, messages)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *facts.Store, *session.State) {
	t.Helper()
	fs := facts.NewStore()
	st := session.New()
	return NewDispatcher(fs, st, nil), fs, st
}

func textOnly(text string) *types.ToolResponse {
	return &types.ToolResponse{Text: text, StopReason: "end_turn"}
}

func TestRouteParsesFencedDecision(t *testing.T) {
	llm := &mockLLM{completeFunc: func(prompt string) (string, error) {
		return "```json\n{\"next_action\": \"enter_mode\", \"enter_mode\": \"discovery\", \"requires_retrieval\": true}\n```", nil
	}}
	r := NewRouter(llm, 0)

	d := r.Route(context.Background(), session.New(), facts.NewStore(), "we should build a dashboard")
	if d.NextAction != ActionEnterMode {
		t.Fatalf("next_action = %q", d.NextAction)
	}
	if d.EnterMode != "discovery" {
		t.Errorf("enter_mode = %q", d.EnterMode)
	}
	if !d.RequiresRetrieval {
		t.Error("requires_retrieval lost in parsing")
	}
}

func TestRouteFallsBackOnMalformedOutput(t *testing.T) {
	cases := map[string]func(prompt string) (string, error){
		"not json":       func(string) (string, error) { return "I think we should ask questions", nil },
		"unknown action": func(string) (string, error) { return `{"next_action": "reticulate_splines"}`, nil },
		"call error":     func(string) (string, error) { return "", errors.New("timeout") },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRouter(&mockLLM{completeFunc: fn}, 0)
			d := r.Route(context.Background(), session.New(), facts.NewStore(), "hello")
			if d.NextAction != ActionAskQuestions {
				t.Errorf("fallback next_action = %q", d.NextAction)
			}
			if !d.RequiresRetrieval {
				t.Error("fallback must keep retrieval on")
			}
		})
	}
}

func TestParseDecisionDefaultsRetrievalOn(t *testing.T) {
	d, err := parseDecision(`{"next_action": "continue_mode"}`)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if !d.RequiresRetrieval {
		t.Error("omitted requires_retrieval must default to true")
	}
}

func TestDispatcherRegisterAndCascade(t *testing.T) {
	d, fs, _ := newTestDispatcher(t)

	res := d.Handle(types.ToolCall{ID: "t1", Name: "register_assumption", Input: map[string]interface{}{
		"claim": "churn is driven by pricing", "category": "market",
		"impact": "high", "confidence": "guessed", "basis": "user statement",
	}})
	if res.IsError {
		t.Fatalf("register failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "A1") {
		t.Errorf("result = %q, want assigned id", res.Content)
	}

	res = d.Handle(types.ToolCall{ID: "t2", Name: "register_assumption", Input: map[string]interface{}{
		"claim": "a price cut will reduce churn", "category": "value",
		"impact": "high", "confidence": "guessed", "basis": "follows from A1",
		"depends_on": []interface{}{"A1"},
	}})
	if res.IsError {
		t.Fatalf("dependent register failed: %s", res.Content)
	}

	res = d.Handle(types.ToolCall{ID: "t3", Name: "update_assumption_status", Input: map[string]interface{}{
		"assumption_id": "A1", "new_status": "invalidated", "reason": "churn is involuntary",
	}})
	if res.IsError {
		t.Fatalf("status update failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "A2 flagged as at-risk") {
		t.Errorf("cascade missing from result: %q", res.Content)
	}

	a2, err := fs.Get("A2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a2.Status != facts.StatusAtRisk {
		t.Errorf("A2 status = %s", a2.Status)
	}
}

func TestDispatcherUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res := d.Handle(types.ToolCall{ID: "t1", Name: "launch_rockets", Input: nil})
	if !res.IsError {
		t.Fatal("unknown tool must produce an error result")
	}
	if !strings.Contains(res.Content, "launch_rockets") {
		t.Errorf("error content = %q", res.Content)
	}
}

func TestDispatcherSuccessMetricsPartialUpdate(t *testing.T) {
	d, fs, _ := newTestDispatcher(t)

	d.Handle(types.ToolCall{ID: "t1", Name: "update_success_metrics", Input: map[string]interface{}{
		"leading": "weekly active teams", "lagging": "net revenue retention",
	}})
	d.Handle(types.ToolCall{ID: "t2", Name: "update_success_metrics", Input: map[string]interface{}{
		"anti_metric": "support ticket volume",
	}})

	m := fs.Skeleton().SuccessMetrics
	if m.Leading != "weekly active teams" || m.Anti != "support ticket volume" {
		t.Errorf("metrics = %+v, partial update clobbered fields", m)
	}
}

func TestDispatcherRiskAssessmentPerDimension(t *testing.T) {
	d, fs, _ := newTestDispatcher(t)

	d.Handle(types.ToolCall{ID: "t1", Name: "set_risk_assessment", Input: map[string]interface{}{
		"dimension": "value", "level": "high", "summary": "no demand evidence",
	}})
	d.Handle(types.ToolCall{ID: "t2", Name: "set_risk_assessment", Input: map[string]interface{}{
		"dimension": "feasibility", "level": "low", "summary": "standard stack",
	}})
	d.Handle(types.ToolCall{ID: "t3", Name: "set_risk_assessment", Input: map[string]interface{}{
		"dimension": "value", "level": "medium", "summary": "one pilot signed",
	}})

	text := fs.Skeleton().RiskAssessment
	if !strings.Contains(text, "Value: MEDIUM") {
		t.Errorf("re-assessment did not replace value line: %q", text)
	}
	if strings.Contains(text, "Value: HIGH") {
		t.Errorf("stale value line kept: %q", text)
	}
	if !strings.Contains(text, "Feasibility: LOW") {
		t.Errorf("other dimension lost: %q", text)
	}
}

func TestExecutorToolLoopFeedsResultsBack(t *testing.T) {
	d, fs, _ := newTestDispatcher(t)

	llm := &mockLLM{toolFunc: func(call int, messages []types.Message) (*types.ToolResponse, error) {
		switch call {
		case 1:
			return &types.ToolResponse{
				Text:       "Let me note that down. ",
				StopReason: "tool_use",
				ToolCalls: []types.ToolCall{
					{ID: "tc1", Name: "register_assumption", Input: map[string]interface{}{
						"claim": "adoption blocked by onboarding", "category": "value",
						"impact": "high", "confidence": "guessed", "basis": "said in passing",
					}},
					{ID: "tc2", Name: "update_conversation_summary", Input: map[string]interface{}{
						"summary": "User suspects onboarding friction; one assumption registered.",
					}},
				},
			}, nil
		case 2:
			// The loop must have fed the tool results back.
			last := messages[len(messages)-1]
			if last.Role != "user" || len(last.Blocks) != 2 || last.Blocks[0].Type != "tool_result" {
				return nil, fmt.Errorf("unexpected continuation message: %+v", last)
			}
			if !strings.Contains(last.Blocks[0].Content, "A1") {
				return nil, fmt.Errorf("tool result missing register outcome: %q", last.Blocks[0].Content)
			}
			return textOnly("What does onboarding look like today?"), nil
		}
		return nil, errors.New("too many calls")
	}}

	res := NewExecutor(llm, 0).Execute(context.Background(), "prompt", d)
	if llm.toolCalls != 2 {
		t.Fatalf("llm calls = %d, want 2", llm.toolCalls)
	}
	if !res.SummaryUpdated {
		t.Error("summary tool call not tracked")
	}
	if fs.Count() != 1 {
		t.Errorf("assumption count = %d", fs.Count())
	}
	if !strings.Contains(res.Text, "Let me note that down.") || !strings.Contains(res.Text, "onboarding look like today") {
		t.Errorf("final text = %q", res.Text)
	}
}

func TestExecutorArtifactBypassesModel(t *testing.T) {
	d, fs, _ := newTestDispatcher(t)

	// Skeleton populated enough for a real render.
	fs.SetProblemStatement("Churn concentrates in month two")
	fs.AddStakeholder(facts.Stakeholder{Name: "Head of CS", Role: "pain_holder"})
	fs.SetSuccessMetrics(facts.SuccessMetrics{Lagging: "logo churn"})
	fs.AddDecisionCriterion(facts.DecisionCriterion{Kind: facts.CriterionProceedIf, Text: "pilot retention improves"})

	var ackSeen string
	llm := &mockLLM{toolFunc: func(call int, messages []types.Message) (*types.ToolResponse, error) {
		switch call {
		case 1:
			return &types.ToolResponse{
				StopReason: "tool_use",
				ToolCalls: []types.ToolCall{{ID: "tc1", Name: ToolGenerateArtifact,
					Input: map[string]interface{}{"artifact_type": "problem_brief"}}},
			}, nil
		case 2:
			ackSeen = messages[len(messages)-1].Blocks[0].Content
			return textOnly("Recommended next step: validate with the CS team."), nil
		}
		return nil, errors.New("too many calls")
	}}

	res := NewExecutor(llm, 0).Execute(context.Background(), "prompt", d)
	if !res.ArtifactRendered {
		t.Fatal("artifact not flagged as rendered")
	}
	if ackSeen != "Artifact rendered and displayed to user." {
		t.Errorf("model saw %q instead of the acknowledgment", ackSeen)
	}
	if !strings.Contains(res.Text, "# Problem Brief") || !strings.Contains(res.Text, "Churn concentrates in month two") {
		t.Errorf("rendered artifact missing from user text: %q", res.Text)
	}
}

func TestExecutorArtifactWarningReturnsToModel(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	var warningSeen string
	llm := &mockLLM{toolFunc: func(call int, messages []types.Message) (*types.ToolResponse, error) {
		switch call {
		case 1:
			return &types.ToolResponse{
				StopReason: "tool_use",
				ToolCalls: []types.ToolCall{{ID: "tc1", Name: ToolGenerateArtifact,
					Input: map[string]interface{}{"artifact_type": "problem_brief"}}},
			}, nil
		case 2:
			warningSeen = messages[len(messages)-1].Blocks[0].Content
			return textOnly("I need a bit more before I can draft the brief."), nil
		}
		return nil, errors.New("too many calls")
	}}

	res := NewExecutor(llm, 0).Execute(context.Background(), "prompt", d)
	if res.ArtifactRendered {
		t.Error("empty-skeleton render must not count as an artifact")
	}
	if !strings.HasPrefix(warningSeen, "WARNING:") {
		t.Errorf("model did not receive the warning: %q", warningSeen)
	}
	if strings.Contains(res.Text, "WARNING:") {
		t.Errorf("warning leaked to the user: %q", res.Text)
	}
}

func TestExecutorDegradesOnCallFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	t.Run("first call fails", func(t *testing.T) {
		llm := &mockLLM{toolFunc: func(int, []types.Message) (*types.ToolResponse, error) {
			return nil, errors.New("upstream 529")
		}}
		res := NewExecutor(llm, 0).Execute(context.Background(), "prompt", d)
		if res.Text != msgTemporaryIssue {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("mid-loop failure keeps partial text and mutations", func(t *testing.T) {
		dd, fs, _ := newTestDispatcher(t)
		llm := &mockLLM{toolFunc: func(call int, _ []types.Message) (*types.ToolResponse, error) {
			if call == 1 {
				return &types.ToolResponse{
					Text:       "Registering what we know.",
					StopReason: "tool_use",
					ToolCalls: []types.ToolCall{{ID: "tc1", Name: "register_assumption", Input: map[string]interface{}{
						"claim": "x", "category": "technical", "impact": "low", "confidence": "guessed", "basis": "b",
					}}},
				}, nil
			}
			return nil, errors.New("connection reset")
		}}
		res := NewExecutor(llm, 0).Execute(context.Background(), "prompt", dd)
		if !strings.Contains(res.Text, "Registering what we know.") {
			t.Errorf("partial text lost: %q", res.Text)
		}
		if !strings.Contains(res.Text, "error mid-response") {
			t.Errorf("degradation note missing: %q", res.Text)
		}
		if fs.Count() != 1 {
			t.Errorf("earlier mutation rolled back, count = %d", fs.Count())
		}
	})
}

func TestExecutorIterationBound(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	llm := &mockLLM{toolFunc: func(call int, _ []types.Message) (*types.ToolResponse, error) {
		return &types.ToolResponse{
			Text:       ".",
			StopReason: "tool_use",
			ToolCalls: []types.ToolCall{{ID: fmt.Sprintf("tc%d", call), Name: "record_probe_fired",
				Input: map[string]interface{}{"probe_name": fmt.Sprintf("probe_%d", call)}}},
		}, nil
	}}

	NewExecutor(llm, 5).Execute(context.Background(), "prompt", d)
	if llm.toolCalls != 5 {
		t.Errorf("llm calls = %d, want the iteration bound 5", llm.toolCalls)
	}
}

func newTestEngine(t *testing.T, main, router, summary *mockLLM) (*Engine, *session.Manager) {
	t.Helper()
	m, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	var summaryLLM types.LLMClient
	if summary != nil {
		summaryLLM = summary
	}
	eng := NewEngine(Deps{
		LLM:        main,
		RouterLLM:  router,
		SummaryLLM: summaryLLM,
		Facts:      facts.NewStore(),
		State:      session.New(),
		Manager:    m,
	})
	return eng, m
}

func TestEngineRunTurnEndToEnd(t *testing.T) {
	router := &mockLLM{completeFunc: func(string) (string, error) {
		return `{"next_action": "ask_questions", "requires_retrieval": true, "suggested_probes": ["churn_probe"]}`, nil
	}}
	main := &mockLLM{toolFunc: func(call int, _ []types.Message) (*types.ToolResponse, error) {
		if call == 1 {
			return &types.ToolResponse{
				Text:       "Why do you believe churn is the problem?",
				StopReason: "tool_use",
				ToolCalls: []types.ToolCall{{ID: "tc1", Name: ToolUpdateSummary,
					Input: map[string]interface{}{"summary": "User raised churn; cause still unknown."}}},
			}, nil
		}
		return textOnly(""), nil
	}}

	eng, m := newTestEngine(t, main, router, nil)
	resp, err := eng.RunTurn(context.Background(), "our churn is too high, we need a loyalty program")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.Contains(resp, "Why do you believe") {
		t.Errorf("response = %q", resp)
	}

	st := eng.deps.State
	if st.TurnCount != 1 {
		t.Errorf("turn count = %d", st.TurnCount)
	}
	if st.Routing.RollingSummary != "User raised churn; cause still unknown." {
		t.Errorf("rolling summary = %q", st.Routing.RollingSummary)
	}
	if _, err := os.Stat(m.StatePath()); err != nil {
		t.Errorf("state not auto-saved: %v", err)
	}
}

func TestEngineSynthesizesFallbackSummary(t *testing.T) {
	router := &mockLLM{completeFunc: func(string) (string, error) {
		return `{"next_action": "ask_questions", "requires_retrieval": false}`, nil
	}}
	// Phase B never calls update_conversation_summary.
	main := &mockLLM{toolFunc: func(int, []types.Message) (*types.ToolResponse, error) {
		return textOnly("Noted, thanks."), nil
	}}

	eng, _ := newTestEngine(t, main, router, nil)
	if _, err := eng.RunTurn(context.Background(), "sounds good"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.Contains(eng.deps.State.Routing.RollingSummary, "Still gathering context.") {
		t.Errorf("fallback summary = %q", eng.deps.State.Routing.RollingSummary)
	}
}

func TestEngineSafetyNetCompletesMode(t *testing.T) {
	router := &mockLLM{completeFunc: func(string) (string, error) {
		return `{"next_action": "complete_mode", "requires_retrieval": false}`, nil
	}}
	main := &mockLLM{toolFunc: func(int, []types.Message) (*types.ToolResponse, error) {
		return textOnly("That wraps up discovery. What would you like to dig into next?"), nil
	}}

	eng, _ := newTestEngine(t, main, router, nil)
	eng.deps.State.EnterMode(session.ModeDiscovery)

	if _, err := eng.RunTurn(context.Background(), "great, thanks, that brief is what I needed"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if eng.deps.State.Phase != session.PhaseGathering {
		t.Errorf("phase = %s, safety net did not fire", eng.deps.State.Phase)
	}
}

func TestEngineModeEntrySwitchesPrompt(t *testing.T) {
	router := &mockLLM{completeFunc: func(string) (string, error) {
		return `{"next_action": "enter_mode", "enter_mode": "discovery", "requires_retrieval": true}`, nil
	}}
	var promptSeen string
	main := &mockLLM{toolFunc: func(call int, messages []types.Message) (*types.ToolResponse, error) {
		promptSeen = messages[0].Blocks[0].Text
		return textOnly("Entering discovery."), nil
	}}

	eng, _ := newTestEngine(t, main, router, nil)
	if _, err := eng.RunTurn(context.Background(), "ok let's frame this properly"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if eng.deps.State.ActiveMode != session.ModeDiscovery {
		t.Errorf("mode = %s", eng.deps.State.ActiveMode)
	}
	if !strings.Contains(promptSeen, "Discovery mode") {
		t.Errorf("phase B prompt not the discovery template")
	}
	if !strings.Contains(promptSeen, "First turn in current mode: true") {
		t.Errorf("first-mode-turn flag missing from prompt")
	}
}

func TestParseDecisionCarriesTriggeredPatterns(t *testing.T) {
	d, err := parseDecision(`{"next_action": "continue_mode", "triggered_patterns": ["survivorship", "solution_first"]}`)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if len(d.TriggeredPatterns) != 2 || d.TriggeredPatterns[0] != "survivorship" || d.TriggeredPatterns[1] != "solution_first" {
		t.Errorf("triggered_patterns = %v", d.TriggeredPatterns)
	}
}

func TestAssembleUsesDecisionPatternsNotHistory(t *testing.T) {
	idx, err := knowledge.Parse([]byte(`
patterns:
  - name: survivorship
    body: Retained users are not representative of churned ones.
  - name: solution_first
    body: A proposed solution arrived before the problem was framed.
`))
	if err != nil {
		t.Fatalf("Parse catalog: %v", err)
	}

	eng := NewEngine(Deps{
		Facts:     facts.NewStore(),
		State:     session.New(),
		Assembler: retrieval.NewAssembler(idx, nil),
	})
	// survivorship fired on an earlier turn; the router only flags
	// solution_first for this one.
	eng.deps.State.RecordPatternFired("survivorship", "only current customers surveyed")

	bundle := eng.assemble(context.Background(), "we should just ship the loyalty program", Decision{
		NextAction:        ActionContinueMode,
		RequiresRetrieval: true,
		TriggeredPatterns: []string{"solution_first"},
	})

	if len(bundle.Patterns) != 1 {
		t.Fatalf("bundle patterns = %d, want only the newly triggered one", len(bundle.Patterns))
	}
	if bundle.Patterns[0].Name != "solution_first" {
		t.Errorf("pattern = %q, want solution_first", bundle.Patterns[0].Name)
	}
	for _, u := range bundle.Patterns {
		if u.Name == "survivorship" {
			t.Error("previously fired pattern leaked back into the bundle")
		}
	}
}
