package experiment

import (
	"fmt"

	"github.com/ashureev/allocation-study/internal/domain"
)

// InstructedFundA is the fund A percentage participants are told to enter on
// the attention-check trial.
const InstructedFundA = 55

// Split is a fund A / fund B allocation. FundB is always derived.
type Split struct {
	FundA int `json:"fund_a_pct"`
	FundB int `json:"fund_b_pct"`
}

// NewSplit validates fund A and derives fund B = 100 - fund A.
func NewSplit(fundA *int) (Split, error) {
	if fundA == nil {
		return Split{}, domain.Validation("fund_a_required", "allocation to fund A (0% - 100%) is required")
	}
	if *fundA < 0 || *fundA > 100 {
		return Split{}, domain.Validation("fund_a_out_of_range",
			fmt.Sprintf("allocation to fund A must be between 0 and 100, got %d", *fundA))
	}
	return Split{FundA: *fundA, FundB: 100 - *fundA}, nil
}

// PortfolioReturn weights the two fund returns by the split.
func PortfolioReturn(s Split, returnA, returnB float64) float64 {
	return float64(s.FundA)/100*returnA + float64(s.FundB)/100*returnB
}

// InstructedRecommendation is the fixed split shown on the attention check.
func InstructedRecommendation() Split {
	return Split{FundA: InstructedFundA, FundB: 100 - InstructedFundA}
}

// InstructedPassed reports whether an attention-check submission followed
// the instruction.
func InstructedPassed(s Split) bool {
	return s.FundA == InstructedFundA
}

// DefaultInstructedOrdinal places the attention check for the two study
// lengths in use. Other lengths get none.
func DefaultInstructedOrdinal(trialCount int) int {
	switch trialCount {
	case 5:
		return 3
	case 100:
		return 79
	}
	return 0
}

// Identity maps a 1-based ordinal to the underlying trial identity through
// the sequence's ordering for this session length.
func Identity(seq *domain.TrialSequence, trialCount, ordinal int) (int, error) {
	ordering := seq.OrderingFor(trialCount)
	if ordering == nil {
		return 0, domain.Invariant("ordering_missing",
			fmt.Sprintf("sequence %s has no ordering of length %d", seq.SequenceID, trialCount))
	}
	if ordinal < 1 || ordinal > len(ordering) {
		return 0, domain.Invariant("ordinal_out_of_range",
			fmt.Sprintf("ordinal %d outside 1..%d", ordinal, len(ordering)))
	}
	return ordering[ordinal-1], nil
}

// RecommendationSource looks up pre-generated AI recommendations by trial
// identity.
type RecommendationSource interface {
	Recommendation(scenarioID string, identity int) (domain.Recommendation, bool)
}

// Recommend resolves the AI advice for a trial identity. Biased scenarios
// always advise everything in fund B.
func Recommend(sc *domain.Scenario, src RecommendationSource, identity int) (Split, error) {
	if sc.AIBias == domain.BiasBiased {
		return Split{FundA: 0, FundB: 100}, nil
	}
	rec, ok := src.Recommendation(sc.ScenarioID, identity)
	if !ok {
		return Split{}, domain.Invariant("recommendation_missing",
			fmt.Sprintf("no AI recommendation for scenario %s trial %d", sc.ScenarioID, identity))
	}
	return Split{FundA: rec.FundA, FundB: 100 - rec.FundA}, nil
}
