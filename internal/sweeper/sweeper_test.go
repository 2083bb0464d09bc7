package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu       sync.Mutex
	stale    []domain.Session
	cutoffs  []time.Time
	marked   []string
	failures map[string]int
	listErr  error
}

func (f *fakeStore) ListStaleSessions(_ context.Context, cutoff time.Time) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.stale, f.listErr
}

func (f *fakeStore) MarkAbandoned(_ context.Context, sessionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[sessionID] > 0 {
		f.failures[sessionID]--
		return errors.New("database is locked")
	}
	f.marked = append(f.marked, sessionID)
	return nil
}

func (f *fakeStore) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepFlagsStaleSessions(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	repo := &fakeStore{
		stale:    []domain.Session{{SessionID: "a"}, {SessionID: "b"}},
		failures: map[string]int{"b": 2},
	}
	s := New(repo, 168*time.Hour, time.Hour)
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(repo.marked) != 2 {
		t.Fatalf("expected both sessions flagged after retries, got %d (%v)", n, repo.marked)
	}
	if !repo.cutoffs[0].Equal(now.Add(-168 * time.Hour)) {
		t.Fatalf("unexpected cutoff %v", repo.cutoffs[0])
	}
}

func TestSweepSkipsPersistentFailures(t *testing.T) {
	repo := &fakeStore{
		stale:    []domain.Session{{SessionID: "a"}, {SessionID: "b"}},
		failures: map[string]int{"a": markAttempts},
	}
	n, err := New(repo, time.Hour, time.Hour).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || repo.marked[0] != "b" {
		t.Fatalf("expected only b flagged, got %d (%v)", n, repo.marked)
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	repo := &fakeStore{listErr: errors.New("closed")}
	if _, err := New(repo, time.Hour, time.Hour).Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	repo := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	done := New(repo, time.Hour, 10*time.Millisecond).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for repo.sweeps() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if repo.sweeps() < 2 {
		t.Fatalf("expected periodic sweeps, got %d", repo.sweeps())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	now := time.Now().Truncate(time.Second)
	old := now.Add(-200 * time.Hour)
	for _, sess := range []*domain.Session{
		{SessionID: "old-open", ScenarioID: "x", SequenceID: "s", Page: domain.PageTrial, Ordinal: 2, Step: 1, CreatedAt: old, UpdatedAt: old},
		{SessionID: "new-open", ScenarioID: "x", SequenceID: "s", Page: domain.PageConsent, Ordinal: 1, Step: 1, CreatedAt: now, UpdatedAt: now},
	} {
		if _, err := repo.CreateSessionIfAbsent(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	s := New(repo, 168*time.Hour, time.Hour)
	if n, err := s.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected one flagged session, got %d, %v", n, err)
	}
	if n, err := s.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected flagged session to be skipped, got %d, %v", n, err)
	}

	flagged, _ := repo.GetSession(ctx, "old-open")
	if flagged == nil || flagged.AbandonedAt == nil {
		t.Fatal("expected old session to be flagged, not deleted")
	}
	fresh, _ := repo.GetSession(ctx, "new-open")
	if fresh.AbandonedAt != nil {
		t.Fatal("expected recent session to stay unflagged")
	}
}
