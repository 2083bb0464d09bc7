// Package sweeper flags sessions that were started but never finished.
// Rows are kept for analysis; only abandoned_at is set.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/shared"
)

const (
	markAttempts  = 3
	markBaseDelay = 50 * time.Millisecond
)

// Store is the persistence the sweeper needs.
type Store interface {
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)
	MarkAbandoned(ctx context.Context, sessionID string, at time.Time) error
}

// Sweeper periodically marks stale sessions as abandoned.
type Sweeper struct {
	repo         Store
	abandonAfter time.Duration
	interval     time.Duration
	now          func() time.Time
}

// New creates a sweeper that flags sessions older than abandonAfter every
// interval.
func New(repo Store, abandonAfter, interval time.Duration) *Sweeper {
	return &Sweeper{
		repo:         repo,
		abandonAfter: abandonAfter,
		interval:     interval,
		now:          time.Now,
	}
}

// Start runs the sweeper in a goroutine. The returned channel is closed
// once it has stopped after ctx is done.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("Abandonment sweeper started", "interval", s.interval, "abandon_after", s.abandonAfter)

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Abandonment sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.Info("Abandonment sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep flags every stale session once and returns how many were flagged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.repo.ListStaleSessions(ctx, now.Add(-s.abandonAfter))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	flagged := 0
	for _, sess := range stale {
		err := shared.RetryOnConflict(ctx, markAttempts, markBaseDelay, func(ctx context.Context) error {
			return s.repo.MarkAbandoned(ctx, sess.SessionID, now)
		})
		if err != nil {
			if ctx.Err() != nil {
				return flagged, ctx.Err()
			}
			slog.Warn("Failed to flag abandoned session", "session_id", sess.SessionID, "error", err)
			continue
		}
		flagged++
		slog.Debug("Session flagged as abandoned",
			"session_id", sess.SessionID,
			"page", sess.Page,
			"ordinal", sess.Ordinal,
		)
	}

	slog.Info("Abandonment sweep completed", "stale", len(stale), "flagged", flagged)
	return flagged, nil
}
