package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/allocation-study/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "study.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSeed() *CatalogSeed {
	return &CatalogSeed{
		Scenarios: []domain.Scenario{
			{ScenarioID: "long", Name: "long", AIBias: domain.BiasBiased, TrialCount: 7, PeriodsPerTrial: 1},
			{ScenarioID: "short", Name: "short", AIBias: domain.BiasUnbiased, TrialCount: 3, PeriodsPerTrial: 20, InstructedOrdinal: 2},
		},
		Sequences: []domain.TrialSequence{
			{SequenceID: "seq-b", Position: 2, Short: []int{1, 2, 3}, Long: []int{7, 6, 5, 4, 3, 2, 1}},
			{SequenceID: "seq-a", Position: 1, Short: []int{3, 1, 2}, Long: []int{1, 2, 3, 4, 5, 6, 7}},
		},
		Returns: []domain.FundReturns{
			{ScenarioID: "short", TrialNumber: 1, ReturnA: 0.01, ReturnB: -0.02},
			{ScenarioID: "short", TrialNumber: 2, ReturnA: 0.02, ReturnB: 0.04},
		},
		Recommendations: []domain.Recommendation{
			{ScenarioID: "short", TrialNumber: 1, FundA: 30, FundB: 70},
		},
	}
}

func newSession(id string, created time.Time) *domain.Session {
	return &domain.Session{
		SessionID: id, ScenarioID: "short", SequenceID: "seq-a",
		Page: domain.PageConsent, Ordinal: 1, Step: 1,
		CreatedAt: created, UpdatedAt: created,
	}
}

func TestSeedAndListCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedCatalog(ctx, testSeed()); err != nil {
		t.Fatal(err)
	}
	// Reseeding replaces rather than duplicates.
	if err := s.SeedCatalog(ctx, testSeed()); err != nil {
		t.Fatal(err)
	}

	scenarios, err := s.ListScenarios(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scenarios) != 2 || scenarios[0].ScenarioID != "short" || scenarios[0].InstructedOrdinal != 2 {
		t.Fatalf("expected scenarios ordered by trial count, got %+v", scenarios)
	}

	seqs, err := s.ListSequences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 2 || seqs[0].SequenceID != "seq-a" {
		t.Fatalf("expected sequences ordered by position, got %+v", seqs)
	}
	if diff := cmp.Diff(testSeed().Sequences[1], seqs[0]); diff != "" {
		t.Fatalf("sequence not round-tripped (-want +got):\n%s", diff)
	}

	counts, err := s.CountCatalog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Scenarios != 2 || counts.Sequences != 2 || counts.Returns["short"] != 2 || counts.Recommendations["short"] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestCreateSessionIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	created, err := s.CreateSessionIfAbsent(ctx, newSession("p1", now))
	if err != nil || !created {
		t.Fatalf("expected first create to insert, got %v, %v", created, err)
	}

	other := newSession("p1", now)
	other.ScenarioID = "long"
	created, err = s.CreateSessionIfAbsent(ctx, other)
	if err != nil || created {
		t.Fatalf("expected second create to be a no-op, got %v, %v", created, err)
	}

	got, err := s.GetSession(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ScenarioID != "short" || !got.CreatedAt.Equal(now) {
		t.Fatalf("expected original row, got %+v", got)
	}

	missing, err := s.GetSession(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing session, got %v, %v", missing, err)
	}
}

func TestUpdateSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	sess := newSession("p1", now)
	if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}

	passed := false
	from := VectorOf(sess)
	sess.Page, sess.Ordinal, sess.Step = domain.PageTrial, 2, 4
	sess.ConsentGiven = true
	sess.InstructedResponsePassed = &passed
	sess.UpdatedAt = now.Add(time.Minute)
	if err := s.UpdateSession(ctx, sess, from); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, "p1")
	if got.Page != domain.PageTrial || got.Ordinal != 2 || got.Step != 4 || !got.ConsentGiven {
		t.Fatalf("state vector not persisted: %+v", got)
	}
	if got.InstructedResponsePassed == nil || *got.InstructedResponsePassed {
		t.Fatalf("expected instructed flag false, got %v", got.InstructedResponsePassed)
	}
	if got.DataQuality != nil || got.CompletedAt != nil {
		t.Fatal("expected unset nullable columns to stay nil")
	}

	ghost := newSession("ghost", now)
	if err := s.UpdateSession(ctx, ghost, VectorOf(ghost)); err == nil {
		t.Fatal("expected error updating a missing session")
	}
}

func TestUpdateSessionRejectsStaleVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	sess := newSession("p1", now)
	if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}
	start := VectorOf(sess)

	ahead := *sess
	ahead.Page, ahead.Ordinal, ahead.Step = domain.PageTrial, 2, 2
	if err := s.UpdateSession(ctx, &ahead, start); err != nil {
		t.Fatal(err)
	}

	// A second writer that read the row before the first update.
	ret := 0.01
	behind := *sess
	behind.Page, behind.Ordinal, behind.Step = domain.PageTrial, 1, 3
	write := &AllocationWrite{
		Trial: &domain.Trial{TrialID: "t-1", SessionID: "p1", TrialNumber: 4, ReturnA: 0.05, ReturnB: 0.02, CreatedAt: now},
		Alloc: &domain.Allocation{AllocationID: "a-1", Type: domain.AllocationFinal, FundA: 45, FundB: 55, PortfolioReturn: &ret, CreatedAt: now},
	}
	err := s.UpdateSession(ctx, &behind, start, write)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	got, _ := s.GetSession(ctx, "p1")
	if VectorOf(got) != VectorOf(&ahead) {
		t.Fatalf("expected stored position to stay at %+v, got %+v", VectorOf(&ahead), VectorOf(got))
	}
	allocs, _ := s.ListAllocations(ctx, "p1")
	trials, _ := s.ListTrials(ctx, "p1")
	if len(allocs) != 0 || len(trials) != 0 {
		t.Fatalf("expected rejected update to write nothing, got %d allocations and %d trials", len(allocs), len(trials))
	}
}

func TestUpdateSessionCommitsAllocationsWithState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	sess := newSession("p1", now)
	if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}

	ret := 0.02
	write := func(id string, typ domain.AllocationType) *AllocationWrite {
		return &AllocationWrite{
			Trial: &domain.Trial{TrialID: "t-" + id, SessionID: "p1", TrialNumber: 2, ReturnA: 0.01, ReturnB: 0.03, CreatedAt: now},
			Alloc: &domain.Allocation{AllocationID: "a-" + id, Type: typ, FundA: 50, FundB: 50, PortfolioReturn: &ret, CreatedAt: now},
		}
	}
	initial, ai := write("1", domain.AllocationInitial), write("2", domain.AllocationAI)

	from := VectorOf(sess)
	sess.Page, sess.Step = domain.PageTrial, 2
	if err := s.UpdateSession(ctx, sess, from, initial, ai); err != nil {
		t.Fatal(err)
	}
	if !initial.Inserted || !ai.Inserted {
		t.Fatal("expected both allocations to be inserted")
	}
	if ai.Alloc.TrialID != "t-1" {
		t.Fatalf("expected both allocations on the first trial row, got %q", ai.Alloc.TrialID)
	}

	allocs, _ := s.ListAllocations(ctx, "p1")
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
}

func TestRecordAllocationIsUniquePerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if _, err := s.CreateSessionIfAbsent(ctx, newSession("p1", now)); err != nil {
		t.Fatal(err)
	}

	ret := 0.01
	record := func(trialID, allocID string, typ domain.AllocationType, fundA int) bool {
		t.Helper()
		trial := &domain.Trial{TrialID: trialID, SessionID: "p1", TrialNumber: 3, ReturnA: 0.05, ReturnB: 0.02, CreatedAt: now}
		alloc := &domain.Allocation{AllocationID: allocID, Type: typ, FundA: fundA, FundB: 100 - fundA, PortfolioReturn: &ret, CreatedAt: now}
		inserted, err := s.RecordAllocation(ctx, trial, alloc)
		if err != nil {
			t.Fatal(err)
		}
		if alloc.TrialID != "t-1" {
			t.Fatalf("expected stored trial id to be written back, got %q", alloc.TrialID)
		}
		return inserted
	}

	if !record("t-1", "a-1", domain.AllocationInitial, 50) {
		t.Fatal("expected first initial allocation to insert")
	}
	if record("t-2", "a-2", domain.AllocationInitial, 10) {
		t.Fatal("expected duplicate initial allocation to be skipped")
	}
	if !record("t-3", "a-3", domain.AllocationFinal, 40) {
		t.Fatal("expected final allocation to insert on the same trial")
	}

	trials, err := s.ListTrials(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trials) != 1 || trials[0].TrialNumber != 3 {
		t.Fatalf("expected one trial row, got %+v", trials)
	}

	allocs, err := s.ListAllocations(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	for _, a := range allocs {
		if a.FundA+a.FundB != 100 || a.TrialNumber != 3 || a.PortfolioReturn == nil {
			t.Fatalf("unexpected allocation %+v", a)
		}
		if a.Type == domain.AllocationInitial && a.FundA != 50 {
			t.Fatalf("expected original initial allocation, got %+v", a)
		}
	}
}

func TestSaveDemographicsCompletesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	sess := newSession("p1", now)
	if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}

	from := VectorOf(sess)
	sess.Page = domain.PageDebrief
	if err := s.UpdateSession(ctx, sess, from); err != nil {
		t.Fatal(err)
	}

	quality := true
	sess.ConsentGiven = true
	sess.DataQuality = &quality
	sess.CompletedAt = &now
	demo := &domain.Demographics{
		DemographicID: "d-1", SessionID: "p1", Country: "Kenya", Gender: "Female", Age: 29,
		EducationLevel: "PhD", AIProficiency: 6, FinancialLiteracy: 3, CreatedAt: now,
	}
	if err := s.SaveDemographics(ctx, demo, sess); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(ctx, "p1")
	if !got.Completed() || got.DataQuality == nil || !*got.DataQuality {
		t.Fatalf("expected completed session, got %+v", got)
	}

	// A concurrent second submit must not overwrite the first answer.
	declined := false
	again := *sess
	again.DataQuality = &declined
	again.DataQualityComment = "changed my mind"
	second := *demo
	second.DemographicID = "d-2"
	if err := s.SaveDemographics(ctx, &second, &again); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for a second debrief, got %v", err)
	}
	got, _ = s.GetSession(ctx, "p1")
	if got.DataQuality == nil || !*got.DataQuality || got.DataQualityComment != "" {
		t.Fatalf("expected first debrief answer to stand, got %+v", got)
	}
}

func TestSaveDemographicsRequiresDebriefPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	sess := newSession("p1", now)
	if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}

	quality := true
	sess.DataQuality = &quality
	sess.CompletedAt = &now
	demo := &domain.Demographics{DemographicID: "d-1", SessionID: "p1", Country: "Peru", Gender: "Male", Age: 50,
		EducationLevel: "Bachelor", AIProficiency: 2, FinancialLiteracy: 2, CreatedAt: now}
	if err := s.SaveDemographics(ctx, demo, sess); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale away from the debrief page, got %v", err)
	}
	got, _ := s.GetSession(ctx, "p1")
	if got.Completed() {
		t.Fatal("expected session to stay open")
	}
}

func TestStaleSessionsAndAbandonment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	old := now.Add(-10 * 24 * time.Hour)
	done := newSession("done", old)
	for _, sess := range []*domain.Session{newSession("old", old), newSession("new", now), done} {
		if _, err := s.CreateSessionIfAbsent(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}
	done.CompletedAt = &now
	if err := s.UpdateSession(ctx, done, VectorOf(done)); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleSessions(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].SessionID != "old" {
		t.Fatalf("expected only the old unfinished session, got %+v", stale)
	}

	if err := s.MarkAbandoned(ctx, "old", now); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAbandoned(ctx, "done", now); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAssignments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected rows to be kept, got %d", len(all))
	}
	for _, sess := range all {
		flagged := sess.AbandonedAt != nil
		if flagged != (sess.SessionID == "old") {
			t.Fatalf("unexpected abandonment flag on %s: %v", sess.SessionID, sess.AbandonedAt)
		}
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
