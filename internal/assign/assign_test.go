package assign

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/allocation-study/internal/domain"
)

var (
	now        = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	lockWindow = 30 * time.Minute
	yes        = true
	no         = false
)

func catalog() ([]domain.TrialSequence, []domain.Scenario) {
	sequences := []domain.TrialSequence{
		{SequenceID: "S1", Position: 1},
		{SequenceID: "S2", Position: 2},
	}
	scenarios := []domain.Scenario{
		{ScenarioID: "X", AIBias: domain.BiasUnbiased, TrialCount: 5},
		{ScenarioID: "Y", AIBias: domain.BiasBiased, TrialCount: 5},
	}
	return sequences, scenarios
}

func completed(seq, sc string, quality *bool) domain.Session {
	done := now.Add(-24 * time.Hour)
	return domain.Session{
		SequenceID:  seq,
		ScenarioID:  sc,
		CreatedAt:   now.Add(-48 * time.Hour),
		CompletedAt: &done,
		DataQuality: quality,
	}
}

func active(seq, sc string, age time.Duration) domain.Session {
	return domain.Session{SequenceID: seq, ScenarioID: sc, CreatedAt: now.Add(-age)}
}

// recordingRand returns 0 and records every n it was asked about.
type recordingRand struct{ calls []int }

func (r *recordingRand) IntN(n int) int {
	r.calls = append(r.calls, n)
	return 0
}

// lastRand always picks the last index.
type lastRand struct{}

func (lastRand) IntN(n int) int { return n - 1 }

func TestSingleMissingScenarioIsForced(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{
		completed("S1", "X", &yes),
		completed("S2", "X", &yes),
		completed("S2", "Y", &yes),
	}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	want := []Gap{{SequenceID: "S1", Missing: []string{"Y"}}}
	if !reflect.DeepEqual(plan.Gaps, want) {
		t.Fatalf("expected gaps %+v, got %+v", want, plan.Gaps)
	}

	for _, r := range []Rand{&recordingRand{}, lastRand{}, DefaultRand} {
		seq, sc, err := Assign(sequences, scenarios, history, lockWindow, now, r)
		if err != nil {
			t.Fatal(err)
		}
		if seq.SequenceID != "S1" || sc.ScenarioID != "Y" {
			t.Fatalf("expected (S1, Y), got (%s, %s)", seq.SequenceID, sc.ScenarioID)
		}
	}
}

func TestFirstUnderCoveredSequenceWins(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{completed("S1", "X", &yes)}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	want := []Gap{
		{SequenceID: "S1", Missing: []string{"Y"}},
		{SequenceID: "S2", Missing: []string{"X", "Y"}},
	}
	if !reflect.DeepEqual(plan.Gaps, want) {
		t.Fatalf("expected gaps %+v, got %+v", want, plan.Gaps)
	}

	seq, sc, err := Assign(sequences, scenarios, history, lockWindow, now, lastRand{})
	if err != nil {
		t.Fatal(err)
	}
	if seq.SequenceID != "S1" || sc.ScenarioID != "Y" {
		t.Fatalf("expected (S1, Y), got (%s, %s)", seq.SequenceID, sc.ScenarioID)
	}
}

func TestLockWindowOccupiesSlot(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{
		active("S1", "X", 5*time.Minute),
		active("S1", "Y", 2*time.Hour), // abandoned outside the window
	}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	if !plan.Coverage["S1"]["X"] {
		t.Fatal("expected in-flight session to cover (S1, X)")
	}
	if plan.Coverage["S1"]["Y"] {
		t.Fatal("expected stale unfinished session not to cover (S1, Y)")
	}
	if plan.Gaps[0].SequenceID != "S1" || !reflect.DeepEqual(plan.Gaps[0].Missing, []string{"Y"}) {
		t.Fatalf("unexpected first gap %+v", plan.Gaps[0])
	}
}

func TestDisqualifiedSessionsAreDiscounted(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{
		completed("S1", "X", &no),
		completed("S1", "Y", nil),
	}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	if len(plan.Coverage["S1"]) != 0 {
		t.Fatalf("expected no coverage from disqualified sessions, got %v", plan.Coverage["S1"])
	}
	if !reflect.DeepEqual(plan.Gaps[0].Missing, []string{"X", "Y"}) {
		t.Fatalf("expected both scenarios missing, got %v", plan.Gaps[0].Missing)
	}
}

func TestUnknownConditionsAreIgnored(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{
		completed("S9", "X", &yes),
		completed("S1", "Z", &yes),
	}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	if len(plan.Gaps) != 2 {
		t.Fatalf("expected both sequences under-covered, got %+v", plan.Gaps)
	}
	if len(plan.Coverage["S1"]) != 0 {
		t.Fatalf("expected unknown scenario to be ignored, got %v", plan.Coverage["S1"])
	}
}

func TestBalancedCatalogFallsBackToUniform(t *testing.T) {
	sequences, scenarios := catalog()
	var history []domain.Session
	for _, seq := range sequences {
		for _, sc := range scenarios {
			history = append(history, completed(seq.SequenceID, sc.ScenarioID, &yes))
		}
	}

	plan := Candidates(sequences, scenarios, history, lockWindow, now)
	if !plan.Balanced() {
		t.Fatalf("expected balanced plan, got gaps %+v", plan.Gaps)
	}

	r := &recordingRand{}
	seq, sc, err := Assign(sequences, scenarios, history, lockWindow, now, r)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.calls, []int{len(sequences), len(scenarios)}) {
		t.Fatalf("expected independent draws over full catalog, got %v", r.calls)
	}
	if seq.SequenceID != "S1" || sc.ScenarioID != "X" {
		t.Fatalf("expected index-0 picks, got (%s, %s)", seq.SequenceID, sc.ScenarioID)
	}
}

func TestCandidatesIsReproducible(t *testing.T) {
	sequences, scenarios := catalog()
	history := []domain.Session{
		completed("S2", "Y", &yes),
		active("S1", "Y", time.Minute),
	}

	first := Candidates(sequences, scenarios, history, lockWindow, now)
	second := Candidates(sequences, scenarios, history, lockWindow, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical plans, got %+v and %+v", first, second)
	}
}

func TestEmptyCatalogIsConfigurationError(t *testing.T) {
	sequences, scenarios := catalog()

	if _, _, err := Assign(nil, scenarios, nil, lockWindow, now, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing sequences, got %v", err)
	}
	if _, _, err := Assign(sequences, nil, nil, lockWindow, now, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing scenarios, got %v", err)
	}
}
