// Package assign balances new sessions across (trial sequence, scenario)
// conditions.
//
// A session counts toward its condition when it completed with usable data,
// or when it was created within the lock window and may still be in flight.
// Sequences are filled in catalog order: the first sequence lacking coverage
// for some scenario receives one of its missing scenarios at random. When
// every sequence covers every scenario, sequence and scenario are drawn
// independently.
package assign

import (
	"math/rand/v2"
	"time"

	"github.com/ashureev/allocation-study/internal/domain"
)

// Rand picks an index in [0, n).
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// DefaultRand draws from math/rand/v2's goroutine-safe global source.
var DefaultRand Rand = globalRand{}

// Gap is one under-covered sequence and the scenarios it still needs.
type Gap struct {
	SequenceID string
	Missing    []string
}

// Plan is the deterministic part of an assignment decision.
type Plan struct {
	// Gaps lists under-covered sequences in catalog order. Missing scenario
	// IDs keep catalog order too.
	Gaps []Gap
	// Coverage maps sequence ID to the scenario IDs it has valid coverage for.
	Coverage map[string]map[string]bool
}

// Balanced reports whether every sequence covers every scenario.
func (p Plan) Balanced() bool {
	return len(p.Gaps) == 0
}

// Candidates computes coverage from the session history. The result depends
// only on its inputs.
func Candidates(sequences []domain.TrialSequence, scenarios []domain.Scenario, sessions []domain.Session, lockWindow time.Duration, now time.Time) Plan {
	known := make(map[string]bool, len(scenarios))
	for _, sc := range scenarios {
		known[sc.ScenarioID] = true
	}

	coverage := make(map[string]map[string]bool, len(sequences))
	for _, seq := range sequences {
		coverage[seq.SequenceID] = make(map[string]bool)
	}
	for i := range sessions {
		s := &sessions[i]
		covered, ok := coverage[s.SequenceID]
		if !ok || !known[s.ScenarioID] {
			continue
		}
		if s.CountsAsCoverage(now, lockWindow) {
			covered[s.ScenarioID] = true
		}
	}

	var gaps []Gap
	for _, seq := range sequences {
		covered := coverage[seq.SequenceID]
		if len(covered) >= len(scenarios) {
			continue
		}
		gap := Gap{SequenceID: seq.SequenceID}
		for _, sc := range scenarios {
			if !covered[sc.ScenarioID] {
				gap.Missing = append(gap.Missing, sc.ScenarioID)
			}
		}
		gaps = append(gaps, gap)
	}

	return Plan{Gaps: gaps, Coverage: coverage}
}

// Assign picks the condition for a new session. It fails with a
// configuration error when either catalog list is empty.
func Assign(sequences []domain.TrialSequence, scenarios []domain.Scenario, sessions []domain.Session, lockWindow time.Duration, now time.Time, r Rand) (domain.TrialSequence, domain.Scenario, error) {
	if len(sequences) == 0 {
		return domain.TrialSequence{}, domain.Scenario{}, domain.Configuration("catalog_empty", "no trial sequences in catalog")
	}
	if len(scenarios) == 0 {
		return domain.TrialSequence{}, domain.Scenario{}, domain.Configuration("catalog_empty", "no scenarios in catalog")
	}
	if r == nil {
		r = DefaultRand
	}

	plan := Candidates(sequences, scenarios, sessions, lockWindow, now)
	if plan.Balanced() {
		return sequences[r.IntN(len(sequences))], scenarios[r.IntN(len(scenarios))], nil
	}

	gap := plan.Gaps[0]
	scenarioID := gap.Missing[r.IntN(len(gap.Missing))]
	return *findSequence(sequences, gap.SequenceID), *findScenario(scenarios, scenarioID), nil
}

func findSequence(sequences []domain.TrialSequence, id string) *domain.TrialSequence {
	for i := range sequences {
		if sequences[i].SequenceID == id {
			return &sequences[i]
		}
	}
	return nil
}

func findScenario(scenarios []domain.Scenario, id string) *domain.Scenario {
	for i := range scenarios {
		if scenarios[i].ScenarioID == id {
			return &scenarios[i]
		}
	}
	return nil
}
