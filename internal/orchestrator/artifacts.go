package orchestrator

import (
	"fmt"
	"strings"

	"forge/internal/facts"
	"forge/internal/logging"
)

const notYetDefined = "_Not yet defined_"

// RenderProblemBrief renders the discovery artifact from the skeleton
// and register. If the load-bearing fields are still empty it returns a
// WARNING string instead of a hollow document, which sends the model
// back to populate the skeleton first.
func RenderProblemBrief(fs *facts.Store) string {
	skeleton := fs.Skeleton()

	var empty []string
	if skeleton.ProblemStatement == "" {
		empty = append(empty, "problem_statement")
	}
	if len(skeleton.Stakeholders) == 0 {
		empty = append(empty, "stakeholders")
	}
	if skeleton.SuccessMetrics == (facts.SuccessMetrics{}) {
		empty = append(empty, "success_metrics")
	}
	if len(skeleton.DecisionCriteria) == 0 {
		empty = append(empty, "decision_criteria")
	}
	if len(empty) > 0 {
		logging.ExecutorWarn("problem brief requested with empty fields: %s", strings.Join(empty, ", "))
		return fmt.Sprintf(
			"WARNING: The following skeleton fields are empty: %s. "+
				"You must call update_problem_statement, add_stakeholder, update_success_metrics, "+
				"and add_decision_criteria BEFORE calling generate_artifact. "+
				"Please populate these fields first, then call generate_artifact again.",
			strings.Join(empty, ", "))
	}

	var sb strings.Builder
	sb.WriteString("# Problem Brief\n\n")

	sb.WriteString("## Problem Statement\n")
	sb.WriteString(orDefined(skeleton.ProblemStatement))
	sb.WriteString("\n\n## Target Audience\n")
	sb.WriteString(orDefined(skeleton.TargetAudience))

	sb.WriteString("\n\n## Stakeholders\n")
	for _, st := range skeleton.Stakeholders {
		fmt.Fprintf(&sb, "- **%s** (%s): %s\n", st.Name, st.Role, st.Interest)
	}

	sb.WriteString("\n## Key Assumptions\n\n")
	sb.WriteString(assumptionTable(fs))

	sb.WriteString("\n## Success Metrics\n")
	sb.WriteString(metricsText(skeleton.SuccessMetrics))

	sb.WriteString("\n## Decision Criteria\n\n**Worth pursuing IF:**\n")
	sb.WriteString(criteriaText(skeleton.DecisionCriteria, facts.CriterionProceedIf))
	sb.WriteString("\n**Do NOT invest IF:**\n")
	sb.WriteString(criteriaText(skeleton.DecisionCriteria, facts.CriterionDoNotProceedIf))

	return sb.String()
}

// RenderSolutionEvaluationBrief renders the evaluation artifact.
func RenderSolutionEvaluationBrief(fs *facts.Store) string {
	skeleton := fs.Skeleton()

	var empty []string
	if skeleton.SolutionInfo == "" {
		empty = append(empty, "solution_info")
	}
	if skeleton.RiskAssessment == "" {
		empty = append(empty, "risk_assessment")
	}
	if skeleton.GoNoGo == "" {
		empty = append(empty, "go_no_go")
	}
	if len(empty) > 0 {
		logging.ExecutorWarn("solution evaluation requested with empty fields: %s", strings.Join(empty, ", "))
		return fmt.Sprintf(
			"WARNING: The following skeleton fields are empty: %s. "+
				"You must call set_solution_info, set_risk_assessment, and set_go_no_go "+
				"BEFORE calling generate_artifact. Please populate these fields first, then call generate_artifact again.",
			strings.Join(empty, ", "))
	}

	var sb strings.Builder
	sb.WriteString("# Solution Evaluation\n\n")

	sb.WriteString("## Solution\n")
	sb.WriteString(skeleton.SolutionInfo)

	sb.WriteString("\n\n## Problem-Solution Fit\nEvaluated against: ")
	if skeleton.ProblemStatement != "" {
		sb.WriteString(skeleton.ProblemStatement)
	} else {
		sb.WriteString("_No problem statement from discovery_")
	}

	sb.WriteString("\n\n## Risk Assessment\n")
	sb.WriteString(skeleton.RiskAssessment)

	sb.WriteString("\n\n## Key Assumptions Requiring Validation\n\n")
	sb.WriteString(assumptionTable(fs))

	sb.WriteString("\n## Recommended Validation Approach\n")
	sb.WriteString(orDefined(skeleton.ValidationPlan))

	sb.WriteString("\n\n## Go/No-Go Assessment\n")
	sb.WriteString(skeleton.GoNoGo)
	sb.WriteString("\n")

	return sb.String()
}

// assumptionTable renders active and at-risk assumptions as a markdown
// table.
func assumptionTable(fs *facts.Store) string {
	rows := fs.Query(facts.QueryFilter{Status: facts.StatusActive})
	rows = append(rows, fs.Query(facts.QueryFilter{Status: facts.StatusAtRisk})...)

	var sb strings.Builder
	sb.WriteString("| ID | Claim | Impact | Confidence | Status |\n")
	sb.WriteString("|----|-------|--------|------------|--------|\n")
	if len(rows) == 0 {
		sb.WriteString("| — | No assumptions registered yet | — | — | — |\n")
		return sb.String()
	}
	for _, a := range rows {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n", a.ID, a.Claim, a.Impact, a.Confidence, a.Status)
	}
	return sb.String()
}

func metricsText(m facts.SuccessMetrics) string {
	var sb strings.Builder
	if m.Leading != "" {
		fmt.Fprintf(&sb, "- **Leading:** %s\n", m.Leading)
	}
	if m.Lagging != "" {
		fmt.Fprintf(&sb, "- **Lagging:** %s\n", m.Lagging)
	}
	if m.Anti != "" {
		fmt.Fprintf(&sb, "- **Anti-metric:** %s\n", m.Anti)
	}
	if sb.Len() == 0 {
		return notYetDefined + "\n"
	}
	return sb.String()
}

func criteriaText(criteria []facts.DecisionCriterion, kind facts.CriterionKind) string {
	var sb strings.Builder
	for _, c := range criteria {
		if c.Kind == kind {
			fmt.Fprintf(&sb, "- %s\n", c.Text)
		}
	}
	if sb.Len() == 0 {
		return notYetDefined + "\n"
	}
	return sb.String()
}

func orDefined(v string) string {
	if v == "" {
		return notYetDefined
	}
	return v
}
