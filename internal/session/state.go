package session

import (
	"maps"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/experiment"
)

// Slot holds one allocation position of a trial. The zero Slot is unset.
type Slot struct {
	alloc *domain.Allocation
}

func filled(a domain.Allocation) Slot { return Slot{alloc: &a} }

// Get returns the stored allocation and whether the slot is set.
func (s Slot) Get() (domain.Allocation, bool) {
	if s.alloc == nil {
		return domain.Allocation{}, false
	}
	return *s.alloc, true
}

// IsSet reports whether an allocation has been recorded.
func (s Slot) IsSet() bool { return s.alloc != nil }

// Split returns the recorded fund split, if any.
func (s Slot) Split() (experiment.Split, bool) {
	if s.alloc == nil {
		return experiment.Split{}, false
	}
	return experiment.Split{FundA: s.alloc.FundA, FundB: s.alloc.FundB}, true
}

// TrialRecord is everything known about one ordinal of a session.
type TrialRecord struct {
	Ordinal  int
	Identity int
	ReturnA  float64
	ReturnB  float64
	// TrialID is empty until the first allocation creates the trial row.
	TrialID string

	Initial Slot
	AI      Slot
	Final   Slot
}

// Slot returns the slot for an allocation type.
func (r *TrialRecord) Slot(t domain.AllocationType) Slot {
	switch t {
	case domain.AllocationInitial:
		return r.Initial
	case domain.AllocationAI:
		return r.AI
	case domain.AllocationFinal:
		return r.Final
	}
	return Slot{}
}

func (r *TrialRecord) set(a domain.Allocation) {
	r.TrialID = a.TrialID
	switch a.Type {
	case domain.AllocationInitial:
		r.Initial = filled(a)
	case domain.AllocationAI:
		r.AI = filled(a)
	case domain.AllocationFinal:
		r.Final = filled(a)
	}
}

// State is a session together with the catalog entries and recorded trials
// it refers to. Manager methods never modify a State in place; they return
// a new one.
type State struct {
	Session  domain.Session
	Scenario domain.Scenario
	Sequence domain.TrialSequence

	// Trials is keyed by ordinal and holds every ordinal with recorded
	// allocations plus the current one.
	Trials map[int]*TrialRecord
	// Closing is the final-allocation pseudo-trial, set once the session
	// reaches the final page.
	Closing *TrialRecord
	// Demo is scratch data for the walkthrough screens. It is never stored.
	Demo *experiment.Demo
}

// Position returns the session's state vector.
func (s *State) Position() experiment.Position {
	return experiment.PositionOf(&s.Session)
}

// Current returns the record for the trial being shown, or nil off the
// trial and final pages.
func (s *State) Current() *TrialRecord {
	switch s.Session.Page {
	case domain.PageTrial:
		return s.Trials[s.Session.Ordinal]
	case domain.PageFinal, domain.PageDebrief:
		return s.Closing
	}
	return nil
}

// Clone returns a copy that can be changed without affecting s.
func (s *State) Clone() *State {
	out := *s
	out.Trials = maps.Clone(s.Trials)
	for ord, rec := range out.Trials {
		cp := *rec
		out.Trials[ord] = &cp
	}
	if s.Closing != nil {
		cp := *s.Closing
		out.Closing = &cp
	}
	if s.Demo != nil {
		d := *s.Demo
		out.Demo = &d
	}
	return &out
}
