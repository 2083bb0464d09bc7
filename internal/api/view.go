package api

import (
	"slices"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/experiment"
	"github.com/ashureev/allocation-study/internal/session"
)

// StateView is what the presentation layer renders from.
type StateView struct {
	SessionID       string           `json:"session_id"`
	Page            domain.Page      `json:"page"`
	Ordinal         int              `json:"ordinal"`
	Step            int              `json:"step"`
	MaxTrials       int              `json:"max_trials"`
	PeriodsPerTrial int              `json:"periods_per_trial"`
	Progress        float64          `json:"progress"`
	ConsentGiven    bool             `json:"consent_given"`
	Completed       bool             `json:"completed"`
	Demo            *experiment.Demo `json:"demo,omitempty"`
	Trial           *TrialView       `json:"trial,omitempty"`
	// History lists revealed trials before the current one.
	History []TrialView `json:"history,omitempty"`
}

// TrialView is one trial as the participant sees it. Returns appear only
// once revealed.
type TrialView struct {
	Ordinal        int               `json:"ordinal"`
	Initial        *AllocationView   `json:"initial,omitempty"`
	Recommendation *experiment.Split `json:"recommendation,omitempty"`
	Final          *AllocationView   `json:"final,omitempty"`
	ReturnA        *float64          `json:"return_a,omitempty"`
	ReturnB        *float64          `json:"return_b,omitempty"`
}

// AllocationView is a recorded split.
type AllocationView struct {
	FundA           int      `json:"fund_a_pct"`
	FundB           int      `json:"fund_b_pct"`
	PortfolioReturn *float64 `json:"portfolio_return,omitempty"`
}

func allocationView(s session.Slot, revealed bool) *AllocationView {
	a, ok := s.Get()
	if !ok {
		return nil
	}
	v := &AllocationView{FundA: a.FundA, FundB: a.FundB}
	if revealed {
		v.PortfolioReturn = a.PortfolioReturn
	}
	return v
}

func trialView(rec *session.TrialRecord, revealed bool) TrialView {
	v := TrialView{
		Ordinal: rec.Ordinal,
		Initial: allocationView(rec.Initial, revealed),
		Final:   allocationView(rec.Final, revealed),
	}
	if ai, ok := rec.AI.Split(); ok {
		v.Recommendation = &ai
	}
	if revealed {
		ra, rb := rec.ReturnA, rec.ReturnB
		v.ReturnA, v.ReturnB = &ra, &rb
	}
	return v
}

// NewStateView builds the outbound state for st.
func NewStateView(st *session.State) StateView {
	p := st.Position()
	v := StateView{
		SessionID:       st.Session.SessionID,
		Page:            p.Page,
		Ordinal:         p.Ordinal,
		Step:            p.Step,
		MaxTrials:       st.Scenario.TrialCount,
		PeriodsPerTrial: st.Scenario.PeriodsPerTrial,
		Progress:        experiment.Progress(p, st.Scenario.TrialCount),
		ConsentGiven:    st.Session.ConsentGiven,
		Completed:       st.Session.Completed(),
	}
	if p.Page == domain.PageDemo {
		v.Demo = st.Demo
	}

	if rec := st.Current(); rec != nil {
		revealed := p.Page == domain.PageDebrief ||
			(p.Page == domain.PageTrial && p.Step == experiment.StepReveal)
		tv := trialView(rec, revealed)
		if p.Page == domain.PageTrial && p.Step == experiment.StepInstructed {
			fixed := experiment.InstructedRecommendation()
			tv.Recommendation = &fixed
		}
		v.Trial = &tv
	}

	ordinals := make([]int, 0, len(st.Trials))
	for ord, rec := range st.Trials {
		if rec.Final.IsSet() && (p.Page != domain.PageTrial || ord < p.Ordinal) {
			ordinals = append(ordinals, ord)
		}
	}
	slices.Sort(ordinals)
	for _, ord := range ordinals {
		v.History = append(v.History, trialView(st.Trials[ord], true))
	}
	return v
}
