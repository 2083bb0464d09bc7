// Package domain contains core domain types for the allocation study.
package domain

// AIBias describes how a scenario's AI advisor behaves.
type AIBias string

const (
	BiasUnbiased AIBias = "unbiased"
	BiasBiased   AIBias = "biased"
)

// Valid reports whether b is a known bias type.
func (b AIBias) Valid() bool {
	return b == BiasUnbiased || b == BiasBiased
}

// Scenario is one experimental condition axis: AI bias and session length.
type Scenario struct {
	ScenarioID        string `json:"scenario_id"`
	Name              string `json:"name"`
	AIBias            AIBias `json:"ai_bias"`
	TrialCount        int    `json:"trial_count"`
	PeriodsPerTrial   int    `json:"periods_per_trial"`
	InstructedOrdinal int    `json:"instructed_ordinal"`
	Description       string `json:"description,omitempty"`
}

// FinalIdentity is the trial identity used for the closing allocation that
// follows the last ordinal.
func (s *Scenario) FinalIdentity() int {
	return s.TrialCount + 1
}

// TrialSequence maps presentation ordinals to underlying trial identities.
// Short and Long are permutations of 1..len.
type TrialSequence struct {
	SequenceID string `json:"sequence_id"`
	Position   int    `json:"position"`
	Short      []int  `json:"ordering_for_short"`
	Long       []int  `json:"ordering_for_long"`
}

// OrderingFor returns the ordering whose length matches trialCount, or nil.
func (q *TrialSequence) OrderingFor(trialCount int) []int {
	switch trialCount {
	case len(q.Short):
		return q.Short
	case len(q.Long):
		return q.Long
	}
	return nil
}

// FundReturns holds the pre-generated period returns for one trial identity.
type FundReturns struct {
	ScenarioID  string
	TrialNumber int
	ReturnA     float64
	ReturnB     float64
}

// Recommendation is the pre-generated AI split for one trial identity.
type Recommendation struct {
	ScenarioID  string
	TrialNumber int
	FundA       int
	FundB       int
}
