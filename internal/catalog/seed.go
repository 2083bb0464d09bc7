package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/ashureev/allocation-study/internal/store"
)

// Writer stores a generated catalog.
type Writer interface {
	SeedCatalog(ctx context.Context, seed *store.CatalogSeed) error
}

// NewRand returns a generator for seed, or a randomly seeded one when seed
// is zero.
func NewRand(seed uint64) (*rand.Rand, uint64) {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed
}

// Seed generates a catalog from def and replaces the stored one.
func Seed(ctx context.Context, w Writer, def *Definition, seed uint64) (*store.CatalogSeed, error) {
	r, used := NewRand(seed)
	generated, err := Generate(def, r)
	if err != nil {
		return nil, err
	}
	if _, err := New(generated); err != nil {
		return nil, err
	}
	if err := w.SeedCatalog(ctx, generated); err != nil {
		return nil, fmt.Errorf("store catalog: %w", err)
	}

	slog.Info("Catalog seeded",
		"seed", used,
		"scenarios", len(generated.Scenarios),
		"sequences", len(generated.Sequences),
		"fund_returns", len(generated.Returns),
		"recommendations", len(generated.Recommendations),
	)
	return generated, nil
}
