package catalog

import (
	"github.com/google/uuid"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/store"
)

// Rand is the randomness Generate draws from. *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
	NormFloat64() float64
	Perm(n int) []int
}

// Generate builds a full catalog from def. Fund returns cover trial
// identities 1..N+1 so the closing allocation has a period of its own; AI
// recommendations cover 1..N.
func Generate(def *Definition, r Rand) (*store.CatalogSeed, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	seed := &store.CatalogSeed{}
	for i := range def.Scenarios {
		sd := &def.Scenarios[i]
		sc := sd.scenario()
		seed.Scenarios = append(seed.Scenarios, sc)

		for identity := 1; identity <= sc.FinalIdentity(); identity++ {
			seed.Returns = append(seed.Returns, domain.FundReturns{
				ScenarioID:  sc.ScenarioID,
				TrialNumber: identity,
				ReturnA:     compound(def.FundA, sc.PeriodsPerTrial, r),
				ReturnB:     compound(def.FundB, sc.PeriodsPerTrial, r),
			})
		}

		for identity := 1; identity <= sc.TrialCount; identity++ {
			fundA := 0
			if sc.AIBias == domain.BiasUnbiased {
				fundA = r.IntN(101)
			}
			seed.Recommendations = append(seed.Recommendations, domain.Recommendation{
				ScenarioID:  sc.ScenarioID,
				TrialNumber: identity,
				FundA:       fundA,
				FundB:       100 - fundA,
			})
		}
	}

	for pos := 1; pos <= def.Sequences; pos++ {
		seed.Sequences = append(seed.Sequences, domain.TrialSequence{
			SequenceID: uuid.NewString(),
			Position:   pos,
			Short:      permutation(def.ShortTrials, r),
			Long:       permutation(def.LongTrials, r),
		})
	}

	return seed, nil
}

// compound draws one return per period and chains them into a trial return.
func compound(d Distribution, periods int, r Rand) float64 {
	total := 1.0
	for range periods {
		total *= 1 + d.Mean + d.StdDev*r.NormFloat64()
	}
	return total - 1
}

// permutation returns a shuffled 1..n.
func permutation(n int, r Rand) []int {
	p := r.Perm(n)
	for i := range p {
		p[i]++
	}
	return p
}
