package orchestrator

import (
	"fmt"
	"strings"

	"forge/internal/facts"
	"forge/internal/logging"
	"forge/internal/session"
	"forge/internal/types"
)

// ToolGenerateArtifact is special-cased by the executor: its output goes
// to the user, not back to the model.
const ToolGenerateArtifact = "generate_artifact"

// ToolUpdateSummary is the mandatory end-of-turn summary tool.
const ToolUpdateSummary = "update_conversation_summary"

func prop(typ, desc string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func enumProp(desc string, values ...string) map[string]interface{} {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	p := map[string]interface{}{"type": "string", "enum": vals}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func arrayProp(desc string) map[string]interface{} {
	p := map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

// ToolDefinitions returns every tagged command phase B may invoke.
func ToolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        "register_assumption",
			Description: "Register a new assumption discovered during analysis. Call this whenever you identify something that is being assumed but not validated.",
			InputSchema: schema([]string{"claim", "category", "impact", "confidence", "basis"}, map[string]interface{}{
				"claim":      prop("string", "The specific assumption being made"),
				"category":   enumProp("", "value", "technical", "stakeholder_dependency", "market", "organizational"),
				"impact":     enumProp("High = if wrong, changes whether you'd pursue at all. Medium = changes approach. Low = refines details.", "high", "medium", "low"),
				"confidence": enumProp("", "validated", "informed", "guessed"),
				"basis":      prop("string", "Where this assumption came from"),
				"surfaced_by": prop("string", "Which probe or pattern identified this"),
				"depends_on": arrayProp("IDs of assumptions this depends on"),
			}),
		},
		{
			Name:        "update_assumption_status",
			Description: "Update the status of an existing assumption, for example when new information confirms or invalidates it.",
			InputSchema: schema([]string{"assumption_id", "new_status", "reason"}, map[string]interface{}{
				"assumption_id": prop("string", ""),
				"new_status":    enumProp("", "active", "at_risk", "invalidated", "confirmed"),
				"reason":        prop("string", ""),
			}),
		},
		{
			Name:        "update_assumption_confidence",
			Description: "Update the confidence level of an existing assumption.",
			InputSchema: schema([]string{"assumption_id", "new_confidence", "reason"}, map[string]interface{}{
				"assumption_id":  prop("string", ""),
				"new_confidence": enumProp("", "validated", "informed", "guessed"),
				"reason":         prop("string", ""),
			}),
		},
		{
			Name:        "update_problem_statement",
			Description: "Set or update the problem statement in the document skeleton.",
			InputSchema: schema([]string{"text"}, map[string]interface{}{"text": prop("string", "")}),
		},
		{
			Name:        "update_target_audience",
			Description: "Set or update the target audience.",
			InputSchema: schema([]string{"text"}, map[string]interface{}{"text": prop("string", "")}),
		},
		{
			Name:        "add_stakeholder",
			Description: "Add a stakeholder to the document skeleton.",
			InputSchema: schema([]string{"name", "role"}, map[string]interface{}{
				"name": prop("string", ""),
				"role": enumProp("", "decision_authority", "pain_holder", "status_quo_beneficiary", "execution_dependency"),
				"notes": prop("string", ""),
			}),
		},
		{
			Name:        "update_success_metrics",
			Description: "Set or update success metrics. Only include the fields you want to change.",
			InputSchema: schema(nil, map[string]interface{}{
				"leading":     prop("string", ""),
				"lagging":     prop("string", ""),
				"anti_metric": prop("string", ""),
			}),
		},
		{
			Name:        "add_decision_criteria",
			Description: "Add a proceed/don't-proceed criterion.",
			InputSchema: schema([]string{"criteria_type", "condition"}, map[string]interface{}{
				"criteria_type": enumProp("", "proceed_if", "do_not_proceed_if"),
				"condition":     prop("string", "Specific, measurable condition"),
			}),
		},
		{
			Name:        ToolGenerateArtifact,
			Description: "Render the current document skeleton into a formatted artifact. Call this when the user asks for a deliverable or when a mode completes.",
			InputSchema: schema([]string{"artifact_type"}, map[string]interface{}{
				"artifact_type": enumProp("", "problem_brief", "solution_evaluation_brief"),
			}),
		},
		{
			Name:        "record_probe_fired",
			Description: "Record that a diagnostic probe has been executed this turn. Call this when you actively explore a probe's questions with the user.",
			InputSchema: schema([]string{"probe_name"}, map[string]interface{}{
				"probe_name": prop("string", "Probe identifier"),
				"summary":    prop("string", "What was learned and whether the probe's completion criteria are satisfied"),
			}),
		},
		{
			Name:        "record_pattern_fired",
			Description: "Record that a domain pattern has been evaluated and triggered.",
			InputSchema: schema([]string{"pattern_name", "trigger_reason"}, map[string]interface{}{
				"pattern_name":   prop("string", "Pattern identifier"),
				"trigger_reason": prop("string", "Why the trigger conditions were met"),
			}),
		},
		{
			Name:        ToolUpdateSummary,
			Description: "Update the rolling conversation summary. Call this at the END of every turn with a 2-3 sentence summary of what has been established, what open questions remain, and what changed this turn.",
			InputSchema: schema([]string{"summary"}, map[string]interface{}{
				"summary": prop("string", "Cumulative summary of conversation state"),
			}),
		},
		{
			Name:        "update_org_context",
			Description: "Update the organizational context. Call on the first turn to capture public knowledge about the company/domain, and when the user provides internal context.",
			InputSchema: schema([]string{"company", "domain"}, map[string]interface{}{
				"company":          prop("string", "Company or organization name"),
				"domain":           prop("string", "The domain or functional area this context covers"),
				"public_context":   prop("string", "Public knowledge about the company relevant to the problem"),
				"internal_context": prop("string", "User-provided internal details"),
			}),
		},
		{
			Name:        "set_solution_info",
			Description: "Set the solution name and description. Call on the first evaluation turn to identify what's being evaluated.",
			InputSchema: schema([]string{"solution_name", "solution_description"}, map[string]interface{}{
				"solution_name":        prop("string", ""),
				"solution_description": prop("string", "2-3 sentence summary of the proposed solution"),
				"build_vs_buy":         prop("string", "Build vs buy assessment, optional"),
			}),
		},
		{
			Name:        "set_risk_assessment",
			Description: "Set or update a risk assessment for one of the four risk dimensions. Call this as you evaluate each dimension.",
			InputSchema: schema([]string{"dimension", "level", "summary"}, map[string]interface{}{
				"dimension": enumProp("", "value", "usability", "feasibility", "viability"),
				"level":     enumProp("", "low", "medium", "high"),
				"summary":   prop("string", "1-2 sentence assessment of this dimension"),
			}),
		},
		{
			Name:        "set_validation_plan",
			Description: "Set the recommended validation approach for the riskiest assumption.",
			InputSchema: schema([]string{"riskiest_assumption", "approach", "description", "success_criteria"}, map[string]interface{}{
				"riskiest_assumption": prop("string", "Assumption ID"),
				"approach":            enumProp("", "painted_door", "concierge", "technical_spike", "wizard_of_oz", "prototype", "other"),
				"description":         prop("string", "Specific validation plan"),
				"timeline":            prop("string", "Estimated duration"),
				"success_criteria":    prop("string", "What validated looks like"),
			}),
		},
		{
			Name:        "set_go_no_go",
			Description: "Set the go/no-go recommendation with conditions and dealbreakers. Call this when the evaluation is complete, before generating the artifact.",
			InputSchema: schema([]string{"recommendation", "conditions", "dealbreakers"}, map[string]interface{}{
				"recommendation": enumProp("", "go", "conditional_go", "pivot", "no_go"),
				"conditions":     arrayProp("What must be true for go"),
				"dealbreakers":   arrayProp("What would make this no_go"),
			}),
		},
		{
			Name:        "complete_mode",
			Description: "Signal that the current mode's work is complete. Call this after generating the final artifact and providing closing recommendations.",
			InputSchema: schema([]string{"mode_completed", "summary"}, map[string]interface{}{
				"mode_completed": prop("string", "Which mode just completed"),
				"summary":        prop("string", "Brief summary of what was accomplished"),
			}),
		},
	}
}

// Dispatcher routes tagged tool commands to state mutations. Every
// handler is idempotent, so a retried or duplicated call is safe.
type Dispatcher struct {
	facts   *facts.Store
	state   *session.State
	manager *session.Manager
}

// NewDispatcher wires the dispatcher to one conversation's state.
func NewDispatcher(fs *facts.Store, st *session.State, m *session.Manager) *Dispatcher {
	return &Dispatcher{facts: fs, state: st, manager: m}
}

// Handle executes one tool call and returns its result. Unknown tools
// produce an error result for the model, never a Go error: the loop
// must keep going.
func (d *Dispatcher) Handle(call types.ToolCall) types.ToolResult {
	logging.ExecutorDebug("tool call: %s", call.Name)

	text, err := d.dispatch(call.Name, call.Input)
	if err != nil {
		logging.ExecutorWarn("tool %s failed: %v", call.Name, err)
		return types.ToolResult{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}
	return types.ToolResult{ToolUseID: call.ID, Content: text}
}

func (d *Dispatcher) dispatch(name string, in map[string]interface{}) (string, error) {
	switch name {
	case "register_assumption":
		return d.registerAssumption(in)
	case "update_assumption_status":
		return d.updateAssumptionStatus(in)
	case "update_assumption_confidence":
		return d.updateAssumptionConfidence(in)
	case "update_problem_statement":
		d.facts.SetProblemStatement(str(in, "text"))
		return "Problem statement updated", nil
	case "update_target_audience":
		d.facts.SetTargetAudience(str(in, "text"))
		return "Target audience updated", nil
	case "add_stakeholder":
		return d.addStakeholder(in)
	case "update_success_metrics":
		return d.updateSuccessMetrics(in)
	case "add_decision_criteria":
		return d.addDecisionCriteria(in)
	case ToolGenerateArtifact:
		return d.generateArtifact(in)
	case "record_probe_fired":
		probe := str(in, "probe_name")
		d.state.RecordProbeFired(probe, str(in, "summary"))
		return fmt.Sprintf("Recorded probe fired: %s", probe), nil
	case "record_pattern_fired":
		pattern := str(in, "pattern_name")
		d.state.RecordPatternFired(pattern, str(in, "trigger_reason"))
		return fmt.Sprintf("Recorded pattern fired: %s", pattern), nil
	case ToolUpdateSummary:
		summary := strings.TrimSpace(str(in, "summary"))
		if summary == "" {
			return "", fmt.Errorf("conversation summary must not be empty")
		}
		d.state.Routing.RollingSummary = summary
		return "Conversation summary updated", nil
	case "update_org_context":
		return d.updateOrgContext(in)
	case "set_solution_info":
		return d.setSolutionInfo(in)
	case "set_risk_assessment":
		return d.setRiskAssessment(in)
	case "set_validation_plan":
		return d.setValidationPlan(in)
	case "set_go_no_go":
		return d.setGoNoGo(in)
	case "complete_mode":
		return d.completeMode(in)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (d *Dispatcher) registerAssumption(in map[string]interface{}) (string, error) {
	id, err := d.facts.RegisterAssumption(facts.RegisterInput{
		Claim:       str(in, "claim"),
		Category:    facts.Category(strings.ReplaceAll(str(in, "category"), "_", "-")),
		Impact:      facts.Impact(str(in, "impact")),
		Confidence:  facts.Confidence(str(in, "confidence")),
		Basis:       str(in, "basis"),
		SourceProbe: str(in, "surfaced_by"),
		DependsOn:   strs(in, "depends_on"),
		Turn:        d.state.TurnCount + 1,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Registered assumption %s: %s", id, str(in, "claim")), nil
}

func (d *Dispatcher) updateAssumptionStatus(in map[string]interface{}) (string, error) {
	id := str(in, "assumption_id")
	status := facts.Status(strings.ReplaceAll(str(in, "new_status"), "_", "-"))
	reason := str(in, "reason")

	report, err := d.facts.UpdateStatus(id, status, reason, d.state.TurnCount+1)
	if err != nil {
		return "", err
	}

	result := fmt.Sprintf("Updated %s status to %s: %s", id, status, reason)
	var cascade []string
	for _, dep := range report.MarkedAtRisk {
		cascade = append(cascade, fmt.Sprintf("%s flagged as at-risk", dep))
	}
	for _, dep := range report.Upgraded {
		cascade = append(cascade, fmt.Sprintf("%s confidence upgraded to informed", dep))
	}
	if len(cascade) > 0 {
		result += "\nCascade: " + strings.Join(cascade, "; ")
	}
	return result, nil
}

func (d *Dispatcher) updateAssumptionConfidence(in map[string]interface{}) (string, error) {
	id := str(in, "assumption_id")
	conf := facts.Confidence(str(in, "new_confidence"))
	if err := d.facts.UpdateConfidence(id, conf, str(in, "reason"), d.state.TurnCount+1); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated %s confidence to %s: %s", id, conf, str(in, "reason")), nil
}

func (d *Dispatcher) addStakeholder(in map[string]interface{}) (string, error) {
	name := str(in, "name")
	if name == "" {
		return "", fmt.Errorf("stakeholder name must not be empty")
	}
	d.facts.AddStakeholder(facts.Stakeholder{
		Name:     name,
		Role:     str(in, "role"),
		Interest: str(in, "notes"),
	})
	return fmt.Sprintf("Added stakeholder: %s", name), nil
}

func (d *Dispatcher) updateSuccessMetrics(in map[string]interface{}) (string, error) {
	// Partial update: absent fields keep their current value.
	m := d.facts.Skeleton().SuccessMetrics
	if v, ok := in["leading"]; ok {
		m.Leading, _ = v.(string)
	}
	if v, ok := in["lagging"]; ok {
		m.Lagging, _ = v.(string)
	}
	if v, ok := in["anti_metric"]; ok {
		m.Anti, _ = v.(string)
	}
	d.facts.SetSuccessMetrics(m)
	return "Success metrics updated", nil
}

func (d *Dispatcher) addDecisionCriteria(in map[string]interface{}) (string, error) {
	kind := facts.CriterionKind(str(in, "criteria_type"))
	if kind != facts.CriterionProceedIf && kind != facts.CriterionDoNotProceedIf {
		return "", fmt.Errorf("unknown criteria_type: %s", str(in, "criteria_type"))
	}
	condition := str(in, "condition")
	d.facts.AddDecisionCriterion(facts.DecisionCriterion{Kind: kind, Text: condition})
	return fmt.Sprintf("Added %s: %s", kind, condition), nil
}

func (d *Dispatcher) generateArtifact(in map[string]interface{}) (string, error) {
	kind := str(in, "artifact_type")
	var doc string
	switch kind {
	case "problem_brief":
		doc = RenderProblemBrief(d.facts)
	case "solution_evaluation_brief":
		doc = RenderSolutionEvaluationBrief(d.facts)
	default:
		return "", fmt.Errorf("unknown artifact type: %s", kind)
	}

	if !strings.HasPrefix(doc, "WARNING:") {
		d.state.SetArtifact(kind, doc)
	}
	return doc, nil
}

func (d *Dispatcher) updateOrgContext(in map[string]interface{}) (string, error) {
	company := str(in, "company")
	domain := str(in, "domain")
	if company == "" || domain == "" {
		return "", fmt.Errorf("update_org_context requires company and domain")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\nDomain: %s\n", company, domain)
	if public := str(in, "public_context"); public != "" {
		fmt.Fprintf(&sb, "\n## Public Context\n%s\n", public)
	}
	if internal := str(in, "internal_context"); internal != "" {
		fmt.Fprintf(&sb, "\n## Internal Context\n%s\n", internal)
	}
	text := sb.String()

	if !d.state.RecordEnrichment(domain, text) {
		return "Org context enrichment limit reached; existing context kept.", nil
	}
	if d.manager != nil {
		if err := d.manager.WriteOrgContext(text); err != nil {
			logging.SessionWarn("persisting org context: %v", err)
		}
	}
	return fmt.Sprintf("Org context updated for %s (%s)", company, domain), nil
}

func (d *Dispatcher) setSolutionInfo(in map[string]interface{}) (string, error) {
	name := str(in, "solution_name")
	if name == "" {
		return "", fmt.Errorf("solution_name must not be empty")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n%s", name, str(in, "solution_description"))
	if bvb := str(in, "build_vs_buy"); bvb != "" {
		fmt.Fprintf(&sb, "\n\nBuild vs buy: %s", bvb)
	}
	d.facts.SetSolutionInfo(sb.String())
	return fmt.Sprintf("Solution info set: %s", name), nil
}

func (d *Dispatcher) setRiskAssessment(in map[string]interface{}) (string, error) {
	dim := str(in, "dimension")
	level := str(in, "level")
	summary := str(in, "summary")
	if dim == "" || level == "" {
		return "", fmt.Errorf("set_risk_assessment requires dimension and level")
	}

	// One line per dimension; re-assessing a dimension replaces its
	// line and leaves the others alone.
	line := fmt.Sprintf("%s: %s. %s", titleCase(dim), strings.ToUpper(level), summary)
	existing := d.facts.Skeleton().RiskAssessment
	var kept []string
	for _, l := range strings.Split(existing, "\n") {
		if l == "" || strings.HasPrefix(l, titleCase(dim)+":") {
			continue
		}
		kept = append(kept, l)
	}
	kept = append(kept, line)
	d.facts.SetRiskAssessment(strings.Join(kept, "\n"))
	return fmt.Sprintf("Set %s risk: %s. %s", dim, level, summary), nil
}

func (d *Dispatcher) setValidationPlan(in map[string]interface{}) (string, error) {
	riskiest := str(in, "riskiest_assumption")
	approach := str(in, "approach")
	if riskiest == "" || approach == "" {
		return "", fmt.Errorf("set_validation_plan requires riskiest_assumption and approach")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Approach:** %s (for %s)\n%s", approach, riskiest, str(in, "description"))
	if tl := str(in, "timeline"); tl != "" {
		fmt.Fprintf(&sb, "\n\n**Timeline:** %s", tl)
	}
	if sc := str(in, "success_criteria"); sc != "" {
		fmt.Fprintf(&sb, "\n\n**Success criteria:** %s", sc)
	}
	d.facts.SetValidationPlan(sb.String())
	return fmt.Sprintf("Validation plan set: %s for %s", approach, riskiest), nil
}

func (d *Dispatcher) setGoNoGo(in map[string]interface{}) (string, error) {
	rec := str(in, "recommendation")
	if rec == "" {
		return "", fmt.Errorf("recommendation must not be empty")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Recommendation: %s**", strings.ToUpper(strings.ReplaceAll(rec, "_", " ")))
	if conditions := strs(in, "conditions"); len(conditions) > 0 {
		sb.WriteString("\n\nProceed IF:\n")
		for _, c := range conditions {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if dealbreakers := strs(in, "dealbreakers"); len(dealbreakers) > 0 {
		sb.WriteString("\nDo NOT proceed IF:\n")
		for _, dd := range dealbreakers {
			fmt.Fprintf(&sb, "- %s\n", dd)
		}
	}
	d.facts.SetGoNoGo(strings.TrimRight(sb.String(), "\n"))
	return fmt.Sprintf("Go/no-go set: %s", rec), nil
}

func (d *Dispatcher) completeMode(in map[string]interface{}) (string, error) {
	completed := str(in, "mode_completed")
	d.state.CompleteMode()
	d.facts.CompleteMode()
	return fmt.Sprintf("Mode %s complete. System returned to context gathering. Summary: %s", completed, str(in, "summary")), nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func str(in map[string]interface{}, key string) string {
	v, _ := in[key].(string)
	return v
}

func strs(in map[string]interface{}, key string) []string {
	raw, _ := in[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
