// Package experiment implements the participant state machine: which page,
// trial ordinal and trial step come next, and the numeric rules applied to
// allocations along the way. Everything here is pure; persistence belongs to
// the session package.
package experiment

import (
	"fmt"

	"github.com/ashureev/allocation-study/internal/domain"
)

// Trial sub-steps. StepInstructed only occurs at the scenario's instructed
// ordinal, between StepInitial and StepRevised.
const (
	StepInitial    = 1
	StepRevised    = 2
	StepReveal     = 3
	StepInstructed = 4
)

// DemoSteps is the number of walkthrough screens before the first real trial.
const DemoSteps = 3

// Position is the state vector persisted on every transition.
type Position struct {
	Page    domain.Page `json:"page"`
	Ordinal int         `json:"ordinal"`
	Step    int         `json:"step"`
}

// Start is the position of a freshly created session.
func Start() Position {
	return Position{Page: domain.PageConsent, Ordinal: 1, Step: 1}
}

// PositionOf extracts the state vector from a session row.
func PositionOf(s *domain.Session) Position {
	return Position{Page: s.Page, Ordinal: s.Ordinal, Step: s.Step}
}

// Apply writes p onto the session row.
func (p Position) Apply(s *domain.Session) {
	s.Page = p.Page
	s.Ordinal = p.Ordinal
	s.Step = p.Step
}

func (p Position) String() string {
	switch p.Page {
	case domain.PageTrial:
		return fmt.Sprintf("trial(%d,%d)", p.Ordinal, p.Step)
	case domain.PageDemo:
		return fmt.Sprintf("demo(%d)", p.Step)
	}
	return string(p.Page)
}

// Check verifies p is a reachable state for a scenario with trialCount
// ordinals and the attention check at instructedOrdinal (0 when disabled).
// A failure means stored state is corrupt.
func Check(p Position, trialCount, instructedOrdinal int) error {
	if !p.Page.Valid() {
		return domain.Invariant("unknown_page", fmt.Sprintf("unknown page %q", p.Page))
	}
	if p.Ordinal < 0 || p.Ordinal > trialCount {
		return domain.Invariant("ordinal_out_of_range",
			fmt.Sprintf("ordinal %d outside 0..%d", p.Ordinal, trialCount))
	}
	switch p.Page {
	case domain.PageTrial:
		if p.Ordinal < 1 || p.Step < StepInitial || p.Step > StepInstructed {
			return domain.Invariant("trial_state_invalid", "invalid trial state "+p.String())
		}
		if p.Step == StepInstructed && (instructedOrdinal == 0 || p.Ordinal != instructedOrdinal) {
			return domain.Invariant("instructed_step_misplaced",
				fmt.Sprintf("attention check step at %s, expected only at ordinal %d", p, instructedOrdinal))
		}
	case domain.PageDemo:
		if p.Step < 1 || p.Step > DemoSteps {
			return domain.Invariant("demo_step_invalid", "invalid demo state "+p.String())
		}
	}
	return nil
}

// AcceptConsent moves consent -> intro. Declining is rejected without a
// state change.
func AcceptConsent(p Position, consent bool) (Position, error) {
	if p.Page != domain.PageConsent {
		return p, wrongPage(p, "consent")
	}
	if !consent {
		return p, domain.Validation("consent_required", "you must agree to participate to continue")
	}
	return Position{Page: domain.PageIntro, Ordinal: p.Ordinal, Step: 1}, nil
}

// Advance performs the transitions that need no participant input:
// intro -> demo, through the demo screens, and from a trial's reveal step to
// the next ordinal or the final allocation.
func Advance(p Position, trialCount int) (Position, error) {
	switch p.Page {
	case domain.PageIntro:
		return Position{Page: domain.PageDemo, Ordinal: p.Ordinal, Step: 1}, nil
	case domain.PageDemo:
		if p.Step < DemoSteps {
			return Position{Page: domain.PageDemo, Ordinal: p.Ordinal, Step: p.Step + 1}, nil
		}
		return Position{Page: domain.PageTrial, Ordinal: 1, Step: StepInitial}, nil
	case domain.PageTrial:
		if p.Step != StepReveal {
			return p, domain.Validation("allocation_required", "submit an allocation to continue")
		}
		if p.Ordinal < trialCount {
			return Position{Page: domain.PageTrial, Ordinal: p.Ordinal + 1, Step: StepInitial}, nil
		}
		return Position{Page: domain.PageFinal, Ordinal: p.Ordinal, Step: 1}, nil
	case domain.PageConsent:
		return p, domain.Validation("consent_required", "consent must be given to continue")
	case domain.PageFinal:
		return p, domain.Validation("allocation_required", "submit the final allocation to continue")
	}
	return p, domain.Validation("session_finished", "no further steps in this session")
}

// AllocationSlot reports which allocation a submission at p records. ok is
// false where no allocation is accepted. The instructed step records no
// allocation row but still takes a fund A value.
func AllocationSlot(p Position) (t domain.AllocationType, instructed bool, ok bool) {
	switch {
	case p.Page == domain.PageTrial && p.Step == StepInitial:
		return domain.AllocationInitial, false, true
	case p.Page == domain.PageTrial && p.Step == StepInstructed:
		return "", true, true
	case p.Page == domain.PageTrial && p.Step == StepRevised:
		return domain.AllocationFinal, false, true
	case p.Page == domain.PageFinal:
		return domain.AllocationFinal, false, true
	}
	return "", false, false
}

// AfterAllocation returns the position reached once a valid allocation has
// been recorded at p.
func AfterAllocation(p Position, instructedOrdinal int) (Position, error) {
	switch {
	case p.Page == domain.PageTrial && p.Step == StepInitial:
		next := StepRevised
		if instructedOrdinal > 0 && p.Ordinal == instructedOrdinal {
			next = StepInstructed
		}
		return Position{Page: domain.PageTrial, Ordinal: p.Ordinal, Step: next}, nil
	case p.Page == domain.PageTrial && p.Step == StepInstructed:
		return Position{Page: domain.PageTrial, Ordinal: p.Ordinal, Step: StepRevised}, nil
	case p.Page == domain.PageTrial && p.Step == StepRevised:
		return Position{Page: domain.PageTrial, Ordinal: p.Ordinal, Step: StepReveal}, nil
	case p.Page == domain.PageFinal:
		return Position{Page: domain.PageDebrief, Ordinal: p.Ordinal, Step: 1}, nil
	}
	return p, domain.Validation("no_allocation_expected", "no allocation is expected at "+p.String())
}

// Progress is the fraction of the study completed, for the progress bar.
func Progress(p Position, trialCount int) float64 {
	switch p.Page {
	case domain.PageDebrief:
		return 1
	case domain.PageFinal:
		return 1
	case domain.PageTrial:
		if trialCount <= 0 {
			return 0
		}
		return min(float64(p.Ordinal-1)/float64(trialCount), 1)
	}
	return 0
}

func wrongPage(p Position, want string) error {
	return domain.Validation("wrong_page", fmt.Sprintf("expected %s page, session is at %s", want, p))
}
