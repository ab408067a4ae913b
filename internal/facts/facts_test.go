package facts

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func register(t *testing.T, s *Store, claim string, deps ...string) string {
	t.Helper()
	id, err := s.RegisterAssumption(RegisterInput{
		Claim:      claim,
		Impact:     ImpactHigh,
		Confidence: ConfidenceGuessed,
		DependsOn:  deps,
		Turn:       1,
	})
	if err != nil {
		t.Fatalf("RegisterAssumption(%q) failed: %v", claim, err)
	}
	return id
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "users want faster checkout")
	a2 := register(t, s, "checkout speed drives conversion")

	if a1 != "A1" || a2 != "A2" {
		t.Fatalf("expected A1, A2; got %s, %s", a1, a2)
	}
}

func TestRegisterDuplicateClaimReturnsExistingID(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "mobile users dominate traffic")
	again := register(t, s, "mobile users dominate traffic")

	if again != a1 {
		t.Fatalf("duplicate claim created new id %s, want %s", again, a1)
	}
	if s.Count() != 1 {
		t.Fatalf("register count = %d, want 1", s.Count())
	}
}

func TestRegisterUnknownDependencyFails(t *testing.T) {
	s := NewStore()
	_, err := s.RegisterAssumption(RegisterInput{Claim: "x", DependsOn: []string{"A99"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("failed registration mutated state: count = %d", s.Count())
	}
}

// Invalidating A1 must mark its active dependent A2 at-risk and leave a
// cascade note naming A1 in A2's basis.
func TestInvalidateCascadesToDependents(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "exec sponsor supports the initiative")
	a2 := register(t, s, "budget will be approved", a1)

	report, err := s.UpdateStatus(a1, StatusInvalidated, "sponsor left the company", 3)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(report.MarkedAtRisk) != 1 || report.MarkedAtRisk[0] != a2 {
		t.Fatalf("MarkedAtRisk = %v, want [%s]", report.MarkedAtRisk, a2)
	}

	dep, err := s.Get(a2)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", a2, err)
	}
	if dep.Status != StatusAtRisk {
		t.Errorf("dependent status = %s, want %s", dep.Status, StatusAtRisk)
	}
	if !strings.Contains(dep.Basis, a1) || !strings.Contains(dep.Basis, "sponsor left") {
		t.Errorf("dependent basis missing cascade note: %q", dep.Basis)
	}
}

func TestInvalidateCascadeIsTransitive(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "claim one")
	a2 := register(t, s, "claim two", a1)
	a3 := register(t, s, "claim three", a2)

	report, err := s.UpdateStatus(a1, StatusInvalidated, "disproven", 2)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(report.MarkedAtRisk) != 2 {
		t.Fatalf("MarkedAtRisk = %v, want both dependents", report.MarkedAtRisk)
	}
	for _, id := range []string{a2, a3} {
		a, _ := s.Get(id)
		if a.Status != StatusAtRisk {
			t.Errorf("%s status = %s, want %s", id, a.Status, StatusAtRisk)
		}
	}
}

// The cascade must not touch nodes beyond the depth bound.
func TestInvalidateCascadeRespectsDepthBound(t *testing.T) {
	s := NewStore()
	chain := []string{register(t, s, "root claim")}
	for i := 0; i < cascadeDepthLimit+2; i++ {
		chain = append(chain, register(t, s, strings.Repeat("x", i+1), chain[len(chain)-1]))
	}

	report, err := s.UpdateStatus(chain[0], StatusInvalidated, "gone", 2)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if report.DepthReached != cascadeDepthLimit {
		t.Errorf("DepthReached = %d, want %d", report.DepthReached, cascadeDepthLimit)
	}
	if len(report.MarkedAtRisk) != cascadeDepthLimit {
		t.Errorf("marked %d nodes, want %d", len(report.MarkedAtRisk), cascadeDepthLimit)
	}

	beyond, _ := s.Get(chain[len(chain)-1])
	if beyond.Status != StatusActive {
		t.Errorf("node beyond depth bound was touched: status = %s", beyond.Status)
	}
}

// A dependency cycle must terminate via the visited set, not hang.
func TestInvalidateCascadeToleratesCycles(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "first")
	a2 := register(t, s, "second", a1)

	// Manually close the loop the way a buggy caller could.
	s.mu.Lock()
	s.assumptions[a1].DependsOn = append(s.assumptions[a1].DependsOn, a2)
	s.assumptions[a2].Dependents = append(s.assumptions[a2].Dependents, a1)
	s.mu.Unlock()

	report, err := s.UpdateStatus(a1, StatusInvalidated, "cycle", 2)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(report.MarkedAtRisk) != 1 {
		t.Fatalf("MarkedAtRisk = %v, want only %s", report.MarkedAtRisk, a2)
	}
}

func TestReinvalidateIsNoOp(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "claim")
	a2 := register(t, s, "dependent claim", a1)

	if _, err := s.UpdateStatus(a1, StatusInvalidated, "reason", 2); err != nil {
		t.Fatalf("first invalidate failed: %v", err)
	}
	before, _ := s.Get(a2)

	report, err := s.UpdateStatus(a1, StatusInvalidated, "reason again", 3)
	if err != nil {
		t.Fatalf("second invalidate failed: %v", err)
	}
	if len(report.MarkedAtRisk) != 0 {
		t.Errorf("re-invalidation cascaded again: %v", report.MarkedAtRisk)
	}

	after, _ := s.Get(a2)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("dependent changed on re-invalidation (-before +after):\n%s", diff)
	}
}

func TestConfirmUpgradesGuessedDependents(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "platform team has capacity")
	a2 := register(t, s, "migration finishes this quarter", a1)

	report, err := s.UpdateStatus(a1, StatusConfirmed, "confirmed by platform lead", 4)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(report.Upgraded) != 1 || report.Upgraded[0] != a2 {
		t.Fatalf("Upgraded = %v, want [%s]", report.Upgraded, a2)
	}

	dep, _ := s.Get(a2)
	if dep.Confidence != ConfidenceInformed {
		t.Errorf("dependent confidence = %s, want %s", dep.Confidence, ConfidenceInformed)
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	s := NewStore()
	_, err := s.UpdateStatus("A42", StatusConfirmed, "", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewStore()
	register(t, s, "high guessed claim")
	id2, err := s.RegisterAssumption(RegisterInput{
		Claim:      "low informed claim",
		Impact:     ImpactLow,
		Confidence: ConfidenceInformed,
		Category:   CategoryTechnical,
	})
	if err != nil {
		t.Fatalf("RegisterAssumption failed: %v", err)
	}

	got := s.Query(QueryFilter{Impact: ImpactLow})
	if len(got) != 1 || got[0].ID != id2 {
		t.Fatalf("Query(ImpactLow) = %v, want only %s", got, id2)
	}
	if n := len(s.Query(QueryFilter{})); n != 2 {
		t.Fatalf("unfiltered query returned %d, want 2", n)
	}
	if n := len(s.Query(QueryFilter{Category: CategoryMarket})); n != 0 {
		t.Fatalf("Query(CategoryMarket) returned %d, want 0", n)
	}
}

func TestStakeholderAndCriterionIdempotency(t *testing.T) {
	s := NewStore()
	s.AddStakeholder(Stakeholder{Name: "VP Sales", Role: "sponsor"})
	s.AddStakeholder(Stakeholder{Name: "VP Sales", Role: "sponsor, updated"})
	s.AddDecisionCriterion(DecisionCriterion{Kind: CriterionProceedIf, Text: "pilot hits 20% adoption"})
	s.AddDecisionCriterion(DecisionCriterion{Kind: CriterionProceedIf, Text: "pilot hits 20% adoption"})

	sk := s.Skeleton()
	if len(sk.Stakeholders) != 1 {
		t.Fatalf("stakeholders = %d, want 1", len(sk.Stakeholders))
	}
	if sk.Stakeholders[0].Role != "sponsor, updated" {
		t.Errorf("re-adding a stakeholder did not update the entry: %+v", sk.Stakeholders[0])
	}
	if len(sk.DecisionCriteria) != 1 {
		t.Fatalf("criteria = %d, want 1", len(sk.DecisionCriteria))
	}
}

func TestCompleteModeKeepsDurableContext(t *testing.T) {
	s := NewStore()
	register(t, s, "some claim")
	s.SetProblemStatement("the real problem")
	s.AddStakeholder(Stakeholder{Name: "Head of CS", Role: "pain_holder"})
	s.SetSuccessMetrics(SuccessMetrics{Lagging: "logo churn"})
	s.AddDecisionCriterion(DecisionCriterion{Kind: CriterionProceedIf, Text: "pilot retention improves"})
	s.SetSolutionInfo("loyalty program")
	s.SetRiskAssessment("Value: HIGH. no demand evidence")
	s.SetValidationPlan("two-week concierge pilot")
	s.SetGoNoGo("go")

	s.CompleteMode()

	if s.Count() != 1 {
		t.Errorf("CompleteMode dropped assumptions: count = %d", s.Count())
	}
	sk := s.Skeleton()
	if sk.ProblemStatement != "the real problem" {
		t.Errorf("CompleteMode wiped the problem statement: %q", sk.ProblemStatement)
	}
	if len(sk.Stakeholders) != 1 {
		t.Errorf("CompleteMode wiped stakeholders: %+v", sk.Stakeholders)
	}
	if sk.SuccessMetrics.Lagging != "logo churn" {
		t.Errorf("CompleteMode wiped success metrics: %+v", sk.SuccessMetrics)
	}
	if len(sk.DecisionCriteria) != 1 {
		t.Errorf("CompleteMode wiped decision criteria: %+v", sk.DecisionCriteria)
	}
	if sk.SolutionInfo != "" || sk.RiskAssessment != "" || sk.ValidationPlan != "" || sk.GoNoGo != "" {
		t.Errorf("CompleteMode left mode-specific fields set: %+v", sk)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewStore()
	a1 := register(t, s, "claim one")
	register(t, s, "claim two", a1)
	s.SetProblemStatement("problem")
	s.AddStakeholder(Stakeholder{Name: "Ops lead"})
	s.AddDecisionCriterion(DecisionCriterion{Kind: CriterionDoNotProceedIf, Text: "cost exceeds budget"})

	snap := s.Snapshot()

	restored := NewStore()
	restored.Restore(snap)

	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Fatalf("snapshot round-trip mismatch (-want +got):\n%s", diff)
	}

	// Counter must survive so new ids do not collide.
	a3 := register(t, restored, "claim three")
	if a3 != "A3" {
		t.Errorf("post-restore id = %s, want A3", a3)
	}
}

func TestSummarizeRegisterFlagsHighRiskGuesses(t *testing.T) {
	s := NewStore()
	register(t, s, "risky unvalidated claim")

	summary := s.SummarizeRegister()
	if !strings.Contains(summary, "🔴") {
		t.Errorf("high-impact guessed assumption not flagged: %q", summary)
	}
}

func TestFormatSkeletonPlaceholders(t *testing.T) {
	s := NewStore()
	out := s.FormatSkeleton()
	if !strings.Contains(out, notYetDefined) {
		t.Errorf("empty skeleton missing placeholders: %q", out)
	}

	s.SetProblemStatement("churn is concentrated in the first week")
	out = s.FormatSkeleton()
	if !strings.Contains(out, "churn is concentrated") {
		t.Errorf("problem statement not rendered: %q", out)
	}
}
