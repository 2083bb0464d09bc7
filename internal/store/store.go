// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/allocation-study/internal/domain"
)

// ErrStale is returned by conditional session writes when the stored row is
// no longer where the caller read it.
var ErrStale = errors.New("session state changed since it was read")

// Vector is the stored position of a session: page, trial ordinal and step.
type Vector struct {
	Page    domain.Page
	Ordinal int
	Step    int
}

// VectorOf returns the position currently held by sess.
func VectorOf(sess *domain.Session) Vector {
	return Vector{Page: sess.Page, Ordinal: sess.Ordinal, Step: sess.Step}
}

// AllocationWrite is an allocation saved together with a session update.
// Inserted reports whether the row was new once the write committed.
type AllocationWrite struct {
	Trial    *domain.Trial
	Alloc    *domain.Allocation
	Inserted bool
}

// CatalogSeed is the full condition catalog written in one transaction.
type CatalogSeed struct {
	Scenarios       []domain.Scenario
	Sequences       []domain.TrialSequence
	Returns         []domain.FundReturns
	Recommendations []domain.Recommendation
}

// CatalogCounts summarizes what is stored per scenario.
type CatalogCounts struct {
	Scenarios       int
	Sequences       int
	Returns         map[string]int
	Recommendations map[string]int
}

// Repository defines the interface for persisting sessions, trial outcomes
// and the condition catalog.
type Repository interface {
	// ListScenarios returns all scenarios ordered by trial count, then name.
	ListScenarios(ctx context.Context) ([]domain.Scenario, error)

	// ListSequences returns all trial sequences ordered by position.
	ListSequences(ctx context.Context) ([]domain.TrialSequence, error)

	// ListFundReturns returns every pre-generated fund return row.
	ListFundReturns(ctx context.Context) ([]domain.FundReturns, error)

	// ListRecommendations returns every pre-generated AI recommendation row.
	ListRecommendations(ctx context.Context) ([]domain.Recommendation, error)

	// SeedCatalog replaces the condition catalog.
	SeedCatalog(ctx context.Context, seed *CatalogSeed) error

	// CountCatalog reports catalog row counts.
	CountCatalog(ctx context.Context) (*CatalogCounts, error)

	// GetSession retrieves a session, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateSessionIfAbsent inserts the session unless a row with the same ID
	// exists. created is false when another writer got there first.
	CreateSessionIfAbsent(ctx context.Context, session *domain.Session) (created bool, err error)

	// UpdateSession records writes and the session's full mutable state in
	// one transaction, provided the stored row is still unfinished and at
	// from. Otherwise nothing is written and ErrStale is returned.
	UpdateSession(ctx context.Context, session *domain.Session, from Vector, writes ...*AllocationWrite) error

	// ListAssignments returns the condition history used for balancing.
	ListAssignments(ctx context.Context) ([]domain.Session, error)

	// ListTrials returns the trials a session has touched.
	ListTrials(ctx context.Context, sessionID string) ([]domain.Trial, error)

	// ListAllocations returns every allocation recorded for a session.
	ListAllocations(ctx context.Context, sessionID string) ([]domain.Allocation, error)

	// RecordAllocation ensures the trial row exists, then inserts the
	// allocation unless one of the same type already exists for that trial.
	// The trial's stored ID is written back into trial and alloc.
	RecordAllocation(ctx context.Context, trial *domain.Trial, alloc *domain.Allocation) (inserted bool, err error)

	// SaveDemographics stores the debrief questionnaire and completes the
	// session in one transaction. A session that is not on the debrief page
	// or already completed yields ErrStale.
	SaveDemographics(ctx context.Context, demo *domain.Demographics, session *domain.Session) error

	// ListStaleSessions returns unfinished, unflagged sessions created before cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)

	// MarkAbandoned flags a session as abandoned unless it completed meanwhile.
	MarkAbandoned(ctx context.Context, sessionID string, at time.Time) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
