// Package facts holds the assumption dependency graph and the structured
// finding skeleton for one conversation. All mutation goes through a
// single Store guarded by a mutex, so the dependency cascade always sees
// a consistent snapshot.
package facts

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"forge/internal/logging"
)

// ErrNotFound is returned when a mutation references an unknown assumption id.
var ErrNotFound = errors.New("assumption not found")

// Category classifies what kind of claim an assumption makes.
type Category string

const (
	CategoryValue          Category = "value"
	CategoryTechnical      Category = "technical"
	CategoryStakeholderDep Category = "stakeholder-dependency"
	CategoryMarket         Category = "market"
	CategoryOrganizational Category = "organizational"
)

// Impact grades how much rides on an assumption being true.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// Confidence grades how well an assumption is supported.
type Confidence string

const (
	ConfidenceValidated Confidence = "validated"
	ConfidenceInformed  Confidence = "informed"
	ConfidenceGuessed   Confidence = "guessed"
)

// Status is the lifecycle state of an assumption. Assumptions are never
// deleted, only superseded in status.
type Status string

const (
	StatusActive      Status = "active"
	StatusAtRisk      Status = "at-risk"
	StatusInvalidated Status = "invalidated"
	StatusConfirmed   Status = "confirmed"
)

// Assumption is one tracked claim with its dependency edges.
type Assumption struct {
	ID          string     `json:"id"`
	Claim       string     `json:"claim"`
	Category    Category   `json:"category"`
	Impact      Impact     `json:"impact"`
	Confidence  Confidence `json:"confidence"`
	Status      Status     `json:"status"`
	Basis       string     `json:"basis"`
	SourceProbe string     `json:"source_probe,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Dependents  []string   `json:"dependents,omitempty"` // Inverse edges, maintained automatically
	CreatedTurn int        `json:"created_turn"`
	UpdatedTurn int        `json:"updated_turn"`
}

// RegisterInput is the payload for registering a new assumption.
type RegisterInput struct {
	Claim       string
	Category    Category
	Impact      Impact
	Confidence  Confidence
	Basis       string
	SourceProbe string
	DependsOn   []string
	Turn        int
}

// CascadeReport describes what a status change propagated to.
type CascadeReport struct {
	Origin       string   `json:"origin"`
	MarkedAtRisk []string `json:"marked_at_risk,omitempty"`
	Upgraded     []string `json:"upgraded,omitempty"`
	DepthReached int      `json:"depth_reached"`
}

// QueryFilter selects assumptions by optional attribute equality.
// Empty fields match everything.
type QueryFilter struct {
	Status   Status
	Impact   Impact
	Category Category
}

// cascadeDepthLimit bounds the dependents walk. The graph is acyclic in
// practice but a cycle must not hang the engine.
const cascadeDepthLimit = 8

// Store owns the assumption register and the finding skeleton for one
// conversation.
type Store struct {
	mu          sync.Mutex
	assumptions map[string]*Assumption
	order       []string // Registration order for stable formatting
	counter     int
	skeleton    Skeleton
}

// NewStore returns an empty fact store.
func NewStore() *Store {
	return &Store{
		assumptions: make(map[string]*Assumption),
	}
}

// RegisterAssumption adds a claim to the register and wires its dependency
// edges. Registering an identical claim again returns the existing id
// instead of creating a duplicate.
func (s *Store) RegisterAssumption(in RegisterInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Claim == "" {
		return "", fmt.Errorf("register assumption: empty claim")
	}

	for _, id := range s.order {
		if s.assumptions[id].Claim == in.Claim {
			return id, nil
		}
	}

	// Validate dependencies before mutating anything.
	for _, dep := range in.DependsOn {
		if _, ok := s.assumptions[dep]; !ok {
			return "", fmt.Errorf("register assumption: dependency %s: %w", dep, ErrNotFound)
		}
	}

	if in.Category == "" {
		in.Category = CategoryValue
	}
	if in.Impact == "" {
		in.Impact = ImpactMedium
	}
	if in.Confidence == "" {
		in.Confidence = ConfidenceGuessed
	}

	s.counter++
	id := fmt.Sprintf("A%d", s.counter)
	a := &Assumption{
		ID:          id,
		Claim:       in.Claim,
		Category:    in.Category,
		Impact:      in.Impact,
		Confidence:  in.Confidence,
		Status:      StatusActive,
		Basis:       in.Basis,
		SourceProbe: in.SourceProbe,
		DependsOn:   append([]string(nil), in.DependsOn...),
		CreatedTurn: in.Turn,
		UpdatedTurn: in.Turn,
	}
	s.assumptions[id] = a
	s.order = append(s.order, id)

	for _, dep := range in.DependsOn {
		s.assumptions[dep].Dependents = append(s.assumptions[dep].Dependents, id)
	}

	logging.Facts("registered %s (%s/%s/%s): %s", id, a.Category, a.Impact, a.Confidence, a.Claim)
	return id, nil
}

// UpdateStatus changes an assumption's status and runs the dependency
// cascade. Invalidating marks each currently-active direct and transitive
// dependent at-risk (bounded depth, each node once); confirming upgrades
// active guessed dependents to informed. Re-applying the current status
// is a no-op.
func (s *Store) UpdateStatus(id string, status Status, reason string, turn int) (*CascadeReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assumptions[id]
	if !ok {
		return nil, fmt.Errorf("update status %s: %w", id, ErrNotFound)
	}
	if !validStatus(status) {
		return nil, fmt.Errorf("update status %s: unknown status %q", id, status)
	}

	report := &CascadeReport{Origin: id}
	if a.Status == status {
		return report, nil
	}

	a.Status = status
	a.UpdatedTurn = turn
	if reason != "" {
		a.Basis = appendNote(a.Basis, fmt.Sprintf("Status changed to %s: %s", status, reason))
	}

	switch status {
	case StatusInvalidated:
		s.cascadeInvalidate(a, reason, turn, report)
	case StatusConfirmed:
		s.cascadeConfirm(a, turn, report)
	}

	logging.Facts("status %s -> %s (at-risk: %d, upgraded: %d)", id, status, len(report.MarkedAtRisk), len(report.Upgraded))
	return report, nil
}

// UpdateConfidence changes an assumption's confidence grade.
func (s *Store) UpdateConfidence(id string, confidence Confidence, reason string, turn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assumptions[id]
	if !ok {
		return fmt.Errorf("update confidence %s: %w", id, ErrNotFound)
	}
	if !validConfidence(confidence) {
		return fmt.Errorf("update confidence %s: unknown confidence %q", id, confidence)
	}
	if a.Confidence == confidence {
		return nil
	}

	a.Confidence = confidence
	a.UpdatedTurn = turn
	if reason != "" {
		a.Basis = appendNote(a.Basis, fmt.Sprintf("Confidence changed to %s: %s", confidence, reason))
	}
	return nil
}

// Get returns a copy of one assumption.
func (s *Store) Get(id string) (Assumption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assumptions[id]
	if !ok {
		return Assumption{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return *a, nil
}

// Query returns assumptions matching the filter, in registration order.
func (s *Store) Query(f QueryFilter) []Assumption {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Assumption
	for _, id := range s.order {
		a := s.assumptions[id]
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Impact != "" && a.Impact != f.Impact {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Count returns the number of registered assumptions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// cascadeInvalidate walks dependents breadth-first, marking active nodes
// at-risk. Visited set guards against cycles; depth is capped.
func (s *Store) cascadeInvalidate(origin *Assumption, reason string, turn int, report *CascadeReport) {
	visited := map[string]bool{origin.ID: true}
	frontier := append([]string(nil), origin.Dependents...)

	for depth := 1; depth <= cascadeDepthLimit && len(frontier) > 0; depth++ {
		report.DepthReached = depth
		var next []string
		for _, id := range frontier {
			if visited[id] {
				continue
			}
			visited[id] = true

			dep, ok := s.assumptions[id]
			if !ok {
				continue
			}
			if dep.Status == StatusActive {
				dep.Status = StatusAtRisk
				dep.UpdatedTurn = turn
				dep.Basis = appendNote(dep.Basis,
					fmt.Sprintf("⚠️ Dependency %s was invalidated: %s", origin.ID, reason))
				report.MarkedAtRisk = append(report.MarkedAtRisk, id)
			}
			next = append(next, dep.Dependents...)
		}
		frontier = next
	}
	sort.Strings(report.MarkedAtRisk)
}

// cascadeConfirm upgrades active guessed direct dependents to informed.
func (s *Store) cascadeConfirm(origin *Assumption, turn int, report *CascadeReport) {
	for _, id := range origin.Dependents {
		dep, ok := s.assumptions[id]
		if !ok {
			continue
		}
		if dep.Status == StatusActive && dep.Confidence == ConfidenceGuessed {
			dep.Confidence = ConfidenceInformed
			dep.UpdatedTurn = turn
			dep.Basis = appendNote(dep.Basis,
				fmt.Sprintf("Upgraded to informed: dependency %s was confirmed", origin.ID))
			report.Upgraded = append(report.Upgraded, id)
		}
	}
	report.DepthReached = 1
	sort.Strings(report.Upgraded)
}

func appendNote(basis, note string) string {
	if basis == "" {
		return note
	}
	return basis + "\n" + note
}

func validStatus(s Status) bool {
	switch s {
	case StatusActive, StatusAtRisk, StatusInvalidated, StatusConfirmed:
		return true
	}
	return false
}

func validConfidence(c Confidence) bool {
	switch c {
	case ConfidenceValidated, ConfidenceInformed, ConfidenceGuessed:
		return true
	}
	return false
}
