package experiment

// Rand is the randomness the demo generator needs. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
	Float64() float64
}

// Demo is the synthetic data shown on the walkthrough screens. It is never
// persisted.
type Demo struct {
	Recommendation Split   `json:"recommendation"`
	ReturnA        float64 `json:"return_a"`
	ReturnB        float64 `json:"return_b"`
}

// NewDemo draws a recommendation with fund A in 40..60 and both returns in
// [0, 0.1).
func NewDemo(r Rand) Demo {
	a := 40 + r.IntN(21)
	return Demo{
		Recommendation: Split{FundA: a, FundB: 100 - a},
		ReturnA:        r.Float64() * 0.1,
		ReturnB:        r.Float64() * 0.1,
	}
}
