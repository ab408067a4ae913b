package facts

// Snapshot is the serializable image of a fact store. The persistence
// layer decides where and when it is written; the store only guarantees
// that Restore(Snapshot()) is lossless.
type Snapshot struct {
	Assumptions []Assumption `json:"assumptions"`
	Counter     int          `json:"counter"`
	Skeleton    Skeleton     `json:"skeleton"`
}

// Snapshot returns a deep copy of the store's state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Counter:  s.counter,
		Skeleton: s.skeleton,
	}
	snap.Skeleton.Stakeholders = append([]Stakeholder(nil), s.skeleton.Stakeholders...)
	snap.Skeleton.DecisionCriteria = append([]DecisionCriterion(nil), s.skeleton.DecisionCriteria...)

	for _, id := range s.order {
		a := *s.assumptions[id]
		a.DependsOn = append([]string(nil), a.DependsOn...)
		a.Dependents = append([]string(nil), a.Dependents...)
		snap.Assumptions = append(snap.Assumptions, a)
	}
	return snap
}

// Restore replaces the store's state with a previously taken snapshot.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assumptions = make(map[string]*Assumption, len(snap.Assumptions))
	s.order = s.order[:0]
	for i := range snap.Assumptions {
		a := snap.Assumptions[i]
		a.DependsOn = append([]string(nil), a.DependsOn...)
		a.Dependents = append([]string(nil), a.Dependents...)
		s.assumptions[a.ID] = &a
		s.order = append(s.order, a.ID)
	}
	s.counter = snap.Counter
	s.skeleton = snap.Skeleton
	s.skeleton.Stakeholders = append([]Stakeholder(nil), snap.Skeleton.Stakeholders...)
	s.skeleton.DecisionCriteria = append([]DecisionCriterion(nil), snap.Skeleton.DecisionCriteria...)
}
