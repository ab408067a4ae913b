package facts

import (
	"fmt"
	"strings"
)

// SummarizeRegister renders the compact register view used by the routing
// phase. High-impact guessed assumptions get a flag so the router can
// prioritize probing them.
func (s *Store) SummarizeRegister() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return "No assumptions registered yet."
	}

	var b strings.Builder
	for _, id := range s.order {
		a := s.assumptions[id]
		flag := ""
		if a.Impact == ImpactHigh && a.Confidence == ConfidenceGuessed && a.Status == StatusActive {
			flag = " 🔴"
		}
		fmt.Fprintf(&b, "- %s [%s/%s/%s]%s: %s\n", a.ID, a.Impact, a.Confidence, a.Status, flag, a.Claim)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatRegister renders the full register for the analysis phase,
// including basis and dependency edges.
func (s *Store) FormatRegister() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return "No assumptions registered yet."
	}

	var b strings.Builder
	for _, id := range s.order {
		a := s.assumptions[id]
		fmt.Fprintf(&b, "### %s: %s\n", a.ID, a.Claim)
		fmt.Fprintf(&b, "- Category: %s | Impact: %s | Confidence: %s | Status: %s\n",
			a.Category, a.Impact, a.Confidence, a.Status)
		if a.Basis != "" {
			fmt.Fprintf(&b, "- Basis: %s\n", a.Basis)
		}
		if a.SourceProbe != "" {
			fmt.Fprintf(&b, "- Source probe: %s\n", a.SourceProbe)
		}
		if len(a.DependsOn) > 0 {
			fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(a.DependsOn, ", "))
		}
		if len(a.Dependents) > 0 {
			fmt.Fprintf(&b, "- Dependents: %s\n", strings.Join(a.Dependents, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

const notYetDefined = "Not yet defined"

// FormatSkeleton renders the finding skeleton with placeholders for
// unset fields, so the analysis phase can see what is still missing.
func (s *Store) FormatSkeleton() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.skeleton
	var b strings.Builder

	fmt.Fprintf(&b, "Problem statement: %s\n", orPlaceholder(sk.ProblemStatement))
	fmt.Fprintf(&b, "Target audience: %s\n", orPlaceholder(sk.TargetAudience))

	b.WriteString("Stakeholders:")
	if len(sk.Stakeholders) == 0 {
		fmt.Fprintf(&b, " %s\n", notYetDefined)
	} else {
		b.WriteString("\n")
		for _, st := range sk.Stakeholders {
			fmt.Fprintf(&b, "  - %s", st.Name)
			if st.Role != "" {
				fmt.Fprintf(&b, " (%s)", st.Role)
			}
			if st.Interest != "" {
				fmt.Fprintf(&b, ": %s", st.Interest)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "Success metrics:\n")
	fmt.Fprintf(&b, "  - Leading: %s\n", orPlaceholder(sk.SuccessMetrics.Leading))
	fmt.Fprintf(&b, "  - Lagging: %s\n", orPlaceholder(sk.SuccessMetrics.Lagging))
	fmt.Fprintf(&b, "  - Anti-metric: %s\n", orPlaceholder(sk.SuccessMetrics.Anti))

	b.WriteString("Decision criteria:")
	if len(sk.DecisionCriteria) == 0 {
		fmt.Fprintf(&b, " %s\n", notYetDefined)
	} else {
		b.WriteString("\n")
		for _, c := range sk.DecisionCriteria {
			label := "Proceed IF"
			if c.Kind == CriterionDoNotProceedIf {
				label = "Do NOT proceed IF"
			}
			fmt.Fprintf(&b, "  - %s: %s\n", label, c.Text)
		}
	}

	if sk.SolutionInfo != "" {
		fmt.Fprintf(&b, "Solution under evaluation: %s\n", sk.SolutionInfo)
	}
	if sk.RiskAssessment != "" {
		fmt.Fprintf(&b, "Risk assessment: %s\n", sk.RiskAssessment)
	}
	if sk.ValidationPlan != "" {
		fmt.Fprintf(&b, "Validation plan: %s\n", sk.ValidationPlan)
	}
	if sk.GoNoGo != "" {
		fmt.Fprintf(&b, "Go/no-go: %s\n", sk.GoNoGo)
	}

	return strings.TrimRight(b.String(), "\n")
}

func orPlaceholder(v string) string {
	if v == "" {
		return notYetDefined
	}
	return v
}
