package facts

import "forge/internal/logging"

// Stakeholder is one person or group with a stake in the finding.
type Stakeholder struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Interest string `json:"interest,omitempty"`
}

// SuccessMetrics holds the leading/lagging/anti metric triple.
type SuccessMetrics struct {
	Leading string `json:"leading,omitempty"`
	Lagging string `json:"lagging,omitempty"`
	Anti    string `json:"anti,omitempty"`
}

// CriterionKind distinguishes proceed conditions from stop conditions.
type CriterionKind string

const (
	CriterionProceedIf      CriterionKind = "proceed_if"
	CriterionDoNotProceedIf CriterionKind = "do_not_proceed_if"
)

// DecisionCriterion is one concrete proceed/stop condition.
type DecisionCriterion struct {
	Kind CriterionKind `json:"kind"`
	Text string        `json:"text"`
}

// Skeleton is the progressively-filled structured work product. Fields
// are either unset or hold the most recently confirmed value; every
// mutation is a named single-field operation, never a bulk rewrite.
type Skeleton struct {
	ProblemStatement string              `json:"problem_statement,omitempty"`
	TargetAudience   string              `json:"target_audience,omitempty"`
	Stakeholders     []Stakeholder       `json:"stakeholders,omitempty"`
	SuccessMetrics   SuccessMetrics      `json:"success_metrics,omitempty"`
	DecisionCriteria []DecisionCriterion `json:"decision_criteria,omitempty"`
	SolutionInfo     string              `json:"solution_info,omitempty"`
	RiskAssessment   string              `json:"risk_assessment,omitempty"`
	ValidationPlan   string              `json:"validation_plan,omitempty"`
	GoNoGo           string              `json:"go_no_go,omitempty"`
}

// SetProblemStatement replaces the reframed problem statement.
func (s *Store) SetProblemStatement(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.ProblemStatement = text
}

// SetTargetAudience replaces the target audience description.
func (s *Store) SetTargetAudience(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.TargetAudience = text
}

// AddStakeholder appends a stakeholder. Re-adding the same name updates
// the existing entry instead of duplicating it.
func (s *Store) AddStakeholder(st Stakeholder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.skeleton.Stakeholders {
		if existing.Name == st.Name {
			s.skeleton.Stakeholders[i] = st
			return
		}
	}
	s.skeleton.Stakeholders = append(s.skeleton.Stakeholders, st)
}

// SetSuccessMetrics replaces the metric triple.
func (s *Store) SetSuccessMetrics(m SuccessMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.SuccessMetrics = m
}

// AddDecisionCriterion appends one proceed/stop condition, skipping
// exact duplicates.
func (s *Store) AddDecisionCriterion(c DecisionCriterion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.skeleton.DecisionCriteria {
		if existing.Kind == c.Kind && existing.Text == c.Text {
			return
		}
	}
	s.skeleton.DecisionCriteria = append(s.skeleton.DecisionCriteria, c)
}

// SetSolutionInfo records the solution under evaluation.
func (s *Store) SetSolutionInfo(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.SolutionInfo = text
}

// SetRiskAssessment replaces the risk assessment text.
func (s *Store) SetRiskAssessment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.RiskAssessment = text
}

// SetValidationPlan replaces the validation plan text.
func (s *Store) SetValidationPlan(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.ValidationPlan = text
}

// SetGoNoGo records the go/no-go recommendation.
func (s *Store) SetGoNoGo(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton.GoNoGo = text
}

// Skeleton returns a copy of the current skeleton.
func (s *Store) Skeleton() Skeleton {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.skeleton
	out.Stakeholders = append([]Stakeholder(nil), s.skeleton.Stakeholders...)
	out.DecisionCriteria = append([]DecisionCriterion(nil), s.skeleton.DecisionCriteria...)
	return out
}

// CompleteMode clears the mode-specific sub-goal fields of the skeleton.
// The durable finding context (problem statement, audience, stakeholders,
// metrics, criteria) and the assumption graph carry forward, so work done
// in discovery is still there when evaluation starts.
func (s *Store) CompleteMode() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skeleton.SolutionInfo = ""
	s.skeleton.RiskAssessment = ""
	s.skeleton.ValidationPlan = ""
	s.skeleton.GoNoGo = ""
	logging.Facts("mode completed, sub-goal fields cleared (register preserved: %d assumptions)", len(s.order))
}
