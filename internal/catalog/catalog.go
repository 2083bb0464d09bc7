// Package catalog holds the read-only condition catalog: scenarios, trial
// sequences and the pre-generated fund returns and AI recommendations keyed
// by trial identity.
package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/store"
)

// Reader is the slice of the repository the catalog is loaded from.
type Reader interface {
	ListScenarios(ctx context.Context) ([]domain.Scenario, error)
	ListSequences(ctx context.Context) ([]domain.TrialSequence, error)
	ListFundReturns(ctx context.Context) ([]domain.FundReturns, error)
	ListRecommendations(ctx context.Context) ([]domain.Recommendation, error)
}

type key struct {
	scenarioID string
	identity   int
}

// Catalog is an immutable, validated view of the condition catalog. It is
// safe for concurrent use.
type Catalog struct {
	scenarios []domain.Scenario
	sequences []domain.TrialSequence

	scenarioIdx map[string]int
	sequenceIdx map[string]int
	returns     map[key]domain.FundReturns
	recs        map[key]domain.Recommendation
}

// Load reads and validates the stored catalog.
func Load(ctx context.Context, r Reader) (*Catalog, error) {
	scenarios, err := r.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	sequences, err := r.ListSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sequences: %w", err)
	}
	returns, err := r.ListFundReturns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fund returns: %w", err)
	}
	recs, err := r.ListRecommendations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recommendations: %w", err)
	}
	return New(&store.CatalogSeed{
		Scenarios:       scenarios,
		Sequences:       sequences,
		Returns:         returns,
		Recommendations: recs,
	})
}

// New indexes and validates seed. Any gap that would strand a session
// mid-study is a configuration error.
func New(seed *store.CatalogSeed) (*Catalog, error) {
	c := &Catalog{
		scenarios:   slices.Clone(seed.Scenarios),
		sequences:   slices.Clone(seed.Sequences),
		scenarioIdx: make(map[string]int, len(seed.Scenarios)),
		sequenceIdx: make(map[string]int, len(seed.Sequences)),
		returns:     make(map[key]domain.FundReturns, len(seed.Returns)),
		recs:        make(map[key]domain.Recommendation, len(seed.Recommendations)),
	}
	slices.SortStableFunc(c.sequences, func(a, b domain.TrialSequence) int { return a.Position - b.Position })

	for i, sc := range c.scenarios {
		c.scenarioIdx[sc.ScenarioID] = i
	}
	for i, seq := range c.sequences {
		c.sequenceIdx[seq.SequenceID] = i
	}
	for _, fr := range seed.Returns {
		c.returns[key{fr.ScenarioID, fr.TrialNumber}] = fr
	}
	for _, rec := range seed.Recommendations {
		c.recs[key{rec.ScenarioID, rec.TrialNumber}] = rec
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	if len(c.scenarios) == 0 {
		return domain.Configuration("catalog_empty", "no scenarios in catalog")
	}
	if len(c.sequences) == 0 {
		return domain.Configuration("catalog_empty", "no trial sequences in catalog")
	}

	for i := range c.scenarios {
		sc := &c.scenarios[i]
		if !sc.AIBias.Valid() {
			return broken("scenario %s has unknown ai bias %q", sc.ScenarioID, sc.AIBias)
		}
		if sc.TrialCount < 1 {
			return broken("scenario %s has no trials", sc.ScenarioID)
		}
		if sc.InstructedOrdinal < 0 || sc.InstructedOrdinal > sc.TrialCount {
			return broken("scenario %s places its attention check at ordinal %d", sc.ScenarioID, sc.InstructedOrdinal)
		}

		for identity := 1; identity <= sc.FinalIdentity(); identity++ {
			if _, ok := c.returns[key{sc.ScenarioID, identity}]; !ok {
				return broken("scenario %s is missing fund returns for trial %d", sc.ScenarioID, identity)
			}
		}
		if sc.AIBias == domain.BiasUnbiased {
			for identity := 1; identity <= sc.TrialCount; identity++ {
				rec, ok := c.recs[key{sc.ScenarioID, identity}]
				if !ok {
					return broken("scenario %s is missing an AI recommendation for trial %d", sc.ScenarioID, identity)
				}
				if rec.FundA < 0 || rec.FundA > 100 || rec.FundA+rec.FundB != 100 {
					return broken("scenario %s trial %d recommends %d/%d", sc.ScenarioID, identity, rec.FundA, rec.FundB)
				}
			}
		}

		for _, seq := range c.sequences {
			if !isPermutation(seq.OrderingFor(sc.TrialCount), sc.TrialCount) {
				return broken("sequence %s has no valid ordering for %d trials", seq.SequenceID, sc.TrialCount)
			}
		}
	}
	return nil
}

func isPermutation(ordering []int, n int) bool {
	if len(ordering) != n {
		return false
	}
	seen := make([]bool, n+1)
	for _, id := range ordering {
		if id < 1 || id > n || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}

func broken(format string, args ...any) error {
	return domain.Configuration("catalog_invalid", fmt.Sprintf(format, args...))
}

// Scenarios returns the scenarios in catalog order.
func (c *Catalog) Scenarios() []domain.Scenario { return slices.Clone(c.scenarios) }

// Sequences returns the trial sequences ordered by position.
func (c *Catalog) Sequences() []domain.TrialSequence { return slices.Clone(c.sequences) }

// Scenario looks up a scenario by ID.
func (c *Catalog) Scenario(id string) (*domain.Scenario, bool) {
	i, ok := c.scenarioIdx[id]
	if !ok {
		return nil, false
	}
	sc := c.scenarios[i]
	return &sc, true
}

// Sequence looks up a trial sequence by ID.
func (c *Catalog) Sequence(id string) (*domain.TrialSequence, bool) {
	i, ok := c.sequenceIdx[id]
	if !ok {
		return nil, false
	}
	seq := c.sequences[i]
	return &seq, true
}

// Returns looks up the fund returns for a trial identity.
func (c *Catalog) Returns(scenarioID string, identity int) (domain.FundReturns, bool) {
	fr, ok := c.returns[key{scenarioID, identity}]
	return fr, ok
}

// Recommendation looks up the pre-generated AI split for a trial identity.
func (c *Catalog) Recommendation(scenarioID string, identity int) (domain.Recommendation, bool) {
	rec, ok := c.recs[key{scenarioID, identity}]
	return rec, ok
}
