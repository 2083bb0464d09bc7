// Package session maps external session tokens to durable sessions and is
// the single path through which participant actions change stored state.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/allocation-study/internal/assign"
	"github.com/ashureev/allocation-study/internal/catalog"
	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/experiment"
	"github.com/ashureev/allocation-study/internal/store"
)

// Manager creates, resumes and advances sessions.
type Manager struct {
	repo       store.Repository
	catalog    *catalog.Catalog
	lockWindow time.Duration
	now        func() time.Time
	rand       assign.Rand

	resolving singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand overrides the randomness used for condition assignment.
func WithRand(r assign.Rand) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, cat *catalog.Catalog, lockWindow time.Duration, opts ...Option) *Manager {
	m := &Manager{
		repo:       repo,
		catalog:    cat,
		lockWindow: lockWindow,
		now:        time.Now,
		rand:       assign.DefaultRand,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve loads the session for sessionID, creating and assigning a new one
// if none exists. Concurrent calls for the same ID share one lookup, and the
// store's create-if-absent keeps separate processes from creating two rows.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*State, error) {
	// The lookup is shared, so one caller going away must not fail the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.resolving.Do(sessionID, func() (any, error) {
		return m.resolve(shared, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*State).Clone(), nil
}

func (m *Manager) resolve(ctx context.Context, sessionID string) (*State, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.Persistence("load session", err)
	}
	if sess == nil {
		if sess, err = m.create(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return m.load(ctx, sess)
}

func (m *Manager) create(ctx context.Context, sessionID string) (*domain.Session, error) {
	history, err := m.repo.ListAssignments(ctx)
	if err != nil {
		return nil, domain.Persistence("load assignment history", err)
	}

	now := m.now()
	seq, sc, err := assign.Assign(m.catalog.Sequences(), m.catalog.Scenarios(), history, m.lockWindow, now, m.rand)
	if err != nil {
		return nil, err
	}

	sess := &domain.Session{
		SessionID:  sessionID,
		ScenarioID: sc.ScenarioID,
		SequenceID: seq.SequenceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	experiment.Start().Apply(sess)

	created, err := m.repo.CreateSessionIfAbsent(ctx, sess)
	if err != nil {
		return nil, domain.Persistence("create session", err)
	}
	if !created {
		slog.Info("session created concurrently, using stored row", "session_id", sessionID)
		stored, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, domain.Persistence("load session", err)
		}
		if stored == nil {
			return nil, m.invariant(sessionID, domain.Invariant("session_vanished", "session disappeared after create"))
		}
		return stored, nil
	}

	slog.Info("session assigned",
		"session_id", sessionID,
		"sequence_id", seq.SequenceID,
		"scenario_id", sc.ScenarioID,
	)
	return sess, nil
}

// load rebuilds the full state of a stored session and checks it is
// consistent with the catalog.
func (m *Manager) load(ctx context.Context, sess *domain.Session) (*State, error) {
	sc, ok := m.catalog.Scenario(sess.ScenarioID)
	if !ok {
		return nil, m.invariant(sess.SessionID, domain.Invariant("scenario_unknown",
			fmt.Sprintf("session refers to unknown scenario %s", sess.ScenarioID)))
	}
	seq, ok := m.catalog.Sequence(sess.SequenceID)
	if !ok {
		return nil, m.invariant(sess.SessionID, domain.Invariant("sequence_unknown",
			fmt.Sprintf("session refers to unknown sequence %s", sess.SequenceID)))
	}

	st := &State{
		Session:  *sess,
		Scenario: *sc,
		Sequence: *seq,
		Trials:   make(map[int]*TrialRecord),
	}
	if err := experiment.Check(st.Position(), sc.TrialCount, sc.InstructedOrdinal); err != nil {
		return nil, m.invariant(sess.SessionID, err)
	}

	trials, err := m.repo.ListTrials(ctx, sess.SessionID)
	if err != nil {
		return nil, domain.Persistence("load trials", err)
	}
	allocs, err := m.repo.ListAllocations(ctx, sess.SessionID)
	if err != nil {
		return nil, domain.Persistence("load allocations", err)
	}

	ordinalOf := make(map[int]int, sc.TrialCount)
	for i, identity := range seq.OrderingFor(sc.TrialCount) {
		ordinalOf[identity] = i + 1
	}
	byTrialID := make(map[string]*TrialRecord, len(trials))
	for _, tr := range trials {
		var rec *TrialRecord
		if tr.TrialNumber == sc.FinalIdentity() {
			rec, err = m.closing(st)
		} else if ord, ok := ordinalOf[tr.TrialNumber]; ok {
			rec, err = m.record(st, ord)
		} else {
			err = domain.Invariant("trial_unknown",
				fmt.Sprintf("stored trial %d is not part of sequence %s", tr.TrialNumber, seq.SequenceID))
		}
		if err != nil {
			return nil, m.invariant(sess.SessionID, err)
		}
		rec.TrialID = tr.TrialID
		byTrialID[tr.TrialID] = rec
	}
	for _, a := range allocs {
		rec, ok := byTrialID[a.TrialID]
		if !ok {
			return nil, m.invariant(sess.SessionID, domain.Invariant("allocation_orphaned",
				fmt.Sprintf("allocation %s has no trial", a.AllocationID)))
		}
		rec.set(a)
	}

	if err := m.prepare(st); err != nil {
		return nil, m.invariant(sess.SessionID, err)
	}
	if err := checkRecorded(st); err != nil {
		return nil, m.invariant(sess.SessionID, err)
	}
	return st, nil
}

// prepare makes sure the record or scratch data the current page shows is
// present in st.
func (m *Manager) prepare(st *State) error {
	switch st.Session.Page {
	case domain.PageDemo:
		if st.Demo == nil {
			d := demoFor(st.Session.SessionID)
			st.Demo = &d
		}
	case domain.PageTrial:
		_, err := m.record(st, st.Session.Ordinal)
		return err
	case domain.PageFinal, domain.PageDebrief:
		_, err := m.closing(st)
		return err
	}
	return nil
}

// checkRecorded verifies the allocations that must exist at the current
// trial step are there.
func checkRecorded(st *State) error {
	if st.Session.Page != domain.PageTrial {
		if st.Session.Page == domain.PageDebrief && !st.Closing.Final.IsSet() {
			return domain.Invariant("final_allocation_missing", "debrief reached without a final allocation")
		}
		return nil
	}
	rec := st.Trials[st.Session.Ordinal]
	p := st.Position()
	if p.Step != experiment.StepInitial && (rec.TrialID == "" || !rec.Initial.IsSet()) {
		return domain.Invariant("trial_missing", "no recorded trial at "+p.String())
	}
	if (p.Step == experiment.StepRevised || p.Step == experiment.StepReveal) && !rec.AI.IsSet() {
		return domain.Invariant("recommendation_missing", "no AI recommendation recorded at "+p.String())
	}
	if p.Step == experiment.StepReveal && !rec.Final.IsSet() {
		return domain.Invariant("final_allocation_missing", "no revised allocation recorded at "+p.String())
	}
	return nil
}

// record returns the record for ordinal, creating it from the catalog.
func (m *Manager) record(st *State, ordinal int) (*TrialRecord, error) {
	if rec, ok := st.Trials[ordinal]; ok {
		return rec, nil
	}
	identity, err := experiment.Identity(&st.Sequence, st.Scenario.TrialCount, ordinal)
	if err != nil {
		return nil, err
	}
	rec, err := m.newRecord(&st.Scenario, ordinal, identity)
	if err != nil {
		return nil, err
	}
	st.Trials[ordinal] = rec
	return rec, nil
}

// closing returns the final-allocation pseudo-trial record.
func (m *Manager) closing(st *State) (*TrialRecord, error) {
	if st.Closing != nil {
		return st.Closing, nil
	}
	rec, err := m.newRecord(&st.Scenario, st.Scenario.FinalIdentity(), st.Scenario.FinalIdentity())
	if err != nil {
		return nil, err
	}
	st.Closing = rec
	return rec, nil
}

func (m *Manager) newRecord(sc *domain.Scenario, ordinal, identity int) (*TrialRecord, error) {
	fr, ok := m.catalog.Returns(sc.ScenarioID, identity)
	if !ok {
		return nil, domain.Invariant("returns_missing",
			fmt.Sprintf("no fund returns for scenario %s trial %d", sc.ScenarioID, identity))
	}
	return &TrialRecord{
		Ordinal:  ordinal,
		Identity: identity,
		ReturnA:  fr.ReturnA,
		ReturnB:  fr.ReturnB,
	}, nil
}

// demoFor derives the walkthrough data from the session ID so it stays the
// same across reloads without being stored.
func demoFor(sessionID string) experiment.Demo {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	return experiment.NewDemo(rand.New(rand.NewPCG(h.Sum64(), 0x5eed)))
}

func (m *Manager) invariant(sessionID string, err error) error {
	slog.Error("session state invariant violated", "session_id", sessionID, "error", err)
	return err
}

// commit moves st to p and persists the whole state vector together with
// writes. It fails with stale_request when another request moved the stored
// session first.
func (m *Manager) commit(ctx context.Context, st *State, p experiment.Position, writes ...pendingWrite) error {
	from := store.VectorOf(&st.Session)
	p.Apply(&st.Session)
	st.Session.UpdatedAt = m.now()

	batch := make([]*store.AllocationWrite, len(writes))
	for i, w := range writes {
		batch[i] = w.write
	}
	if err := m.repo.UpdateSession(ctx, &st.Session, from, batch...); err != nil {
		if errors.Is(err, store.ErrStale) {
			return staleRequest(st.Session.SessionID, from)
		}
		return domain.Persistence("save session", err)
	}

	for _, w := range writes {
		if w.write.Inserted {
			w.rec.set(*w.write.Alloc)
			continue
		}
		if err := m.reloadTrial(ctx, st, w.rec); err != nil {
			return err
		}
	}
	return nil
}

func staleRequest(sessionID string, from store.Vector) error {
	slog.Info("stale session write rejected", "session_id", sessionID,
		"page", from.Page, "ordinal", from.Ordinal, "step", from.Step)
	return domain.Validation("stale_request", "this step was already submitted; reload to continue")
}

// pendingWrite is an allocation waiting to be committed with the next state.
type pendingWrite struct {
	rec   *TrialRecord
	write *store.AllocationWrite
}

// SubmitConsent moves a session from consent to intro.
func (m *Manager) SubmitConsent(ctx context.Context, st *State, consent bool) (*State, error) {
	next, err := experiment.AcceptConsent(st.Position(), consent)
	if err != nil {
		return st, err
	}

	out := st.Clone()
	out.Session.ConsentGiven = true
	if err := m.commit(ctx, out, next); err != nil {
		return st, err
	}
	return out, nil
}

// AdvancePage performs a transition that needs no participant input. target
// is the page the caller expects to land on; when set and different from
// the actual next page the request is stale and rejected.
func (m *Manager) AdvancePage(ctx context.Context, st *State, target domain.Page) (*State, error) {
	next, err := experiment.Advance(st.Position(), st.Scenario.TrialCount)
	if err != nil {
		return st, err
	}
	if target != "" && next.Page != target {
		return st, domain.Validation("stale_request",
			fmt.Sprintf("session is at %s and cannot move to %s", st.Position(), target))
	}

	out := st.Clone()
	if next.Page == domain.PageDemo && out.Demo == nil {
		d := demoFor(out.Session.SessionID)
		out.Demo = &d
	}
	if err := m.commit(ctx, out, next); err != nil {
		return st, err
	}
	if err := m.prepare(out); err != nil {
		return st, m.invariant(out.Session.SessionID, err)
	}
	return out, nil
}

// SubmitAllocation records the fund A value entered at the current step and
// moves the session on. Fund B is always derived.
func (m *Manager) SubmitAllocation(ctx context.Context, st *State, fundA *int) (*State, error) {
	p := st.Position()
	typ, instructed, ok := experiment.AllocationSlot(p)
	if !ok {
		return st, domain.Validation("no_allocation_expected", "no allocation is expected at "+p.String())
	}
	split, err := experiment.NewSplit(fundA)
	if err != nil {
		return st, err
	}
	next, err := experiment.AfterAllocation(p, st.Scenario.InstructedOrdinal)
	if err != nil {
		return st, err
	}

	out := st.Clone()
	var writes []pendingWrite
	if instructed {
		passed := experiment.InstructedPassed(split)
		out.Session.InstructedResponsePassed = &passed
	} else {
		rec := out.Current()
		if rec == nil {
			return st, m.invariant(out.Session.SessionID,
				domain.Invariant("trial_missing", "no trial record at "+p.String()))
		}
		writes = m.pending(writes, out, rec, typ, split)
	}

	if next.Page == domain.PageTrial && next.Step == experiment.StepRevised {
		var err error
		if writes, err = m.pendingRecommendation(writes, out, out.Trials[next.Ordinal]); err != nil {
			return st, err
		}
	}

	if err := m.commit(ctx, out, next, writes...); err != nil {
		return st, err
	}
	return out, nil
}

// pendingRecommendation resolves the AI advice for rec once and queues it
// as the trial's ai allocation.
func (m *Manager) pendingRecommendation(writes []pendingWrite, st *State, rec *TrialRecord) ([]pendingWrite, error) {
	if rec.AI.IsSet() {
		return writes, nil
	}
	split, err := experiment.Recommend(&st.Scenario, m.catalog, rec.Identity)
	if err != nil {
		return writes, m.invariant(st.Session.SessionID, err)
	}
	return m.pending(writes, st, rec, domain.AllocationAI, split), nil
}

// RecordAllocation stores an allocation for a trial identity of the session.
// A slot that is already set is left untouched.
func (m *Manager) RecordAllocation(ctx context.Context, st *State, identity int, typ domain.AllocationType, split experiment.Split) (*State, error) {
	if !typ.Valid() {
		return st, domain.Validation("allocation_type_invalid", fmt.Sprintf("unknown allocation type %q", typ))
	}
	if split.FundA < 0 || split.FundA > 100 || split.FundA+split.FundB != 100 {
		return st, domain.Validation("fund_split_invalid",
			fmt.Sprintf("fund split %d/%d must be within 0..100 and sum to 100", split.FundA, split.FundB))
	}

	out := st.Clone()
	var rec *TrialRecord
	var err error
	if identity == out.Scenario.FinalIdentity() {
		rec, err = m.closing(out)
	} else {
		rec, err = m.recordFor(out, identity)
	}
	if err != nil {
		return st, m.invariant(out.Session.SessionID, err)
	}
	w := m.pending(nil, out, rec, typ, split)
	if len(w) == 0 {
		return out, nil
	}
	inserted, err := m.repo.RecordAllocation(ctx, w[0].write.Trial, w[0].write.Alloc)
	if err != nil {
		return st, domain.Persistence("record allocation", err)
	}
	if !inserted {
		if err := m.reloadTrial(ctx, out, rec); err != nil {
			return st, err
		}
		return out, nil
	}
	rec.set(*w[0].write.Alloc)
	return out, nil
}

func (m *Manager) recordFor(st *State, identity int) (*TrialRecord, error) {
	for i, id := range st.Sequence.OrderingFor(st.Scenario.TrialCount) {
		if id == identity {
			return m.record(st, i+1)
		}
	}
	return nil, domain.Invariant("trial_unknown",
		fmt.Sprintf("trial %d is not part of sequence %s", identity, st.Sequence.SequenceID))
}

// pending appends the rows for one allocation to writes unless its slot is
// already set.
func (m *Manager) pending(writes []pendingWrite, st *State, rec *TrialRecord, typ domain.AllocationType, split experiment.Split) []pendingWrite {
	if rec.Slot(typ).IsSet() {
		slog.Debug("allocation already recorded",
			"session_id", st.Session.SessionID, "trial", rec.Identity, "type", typ)
		return writes
	}

	now := m.now()
	ret := experiment.PortfolioReturn(split, rec.ReturnA, rec.ReturnB)
	trial := &domain.Trial{
		TrialID:     rec.TrialID,
		SessionID:   st.Session.SessionID,
		TrialNumber: rec.Identity,
		ReturnA:     rec.ReturnA,
		ReturnB:     rec.ReturnB,
		CreatedAt:   now,
	}
	if trial.TrialID == "" {
		trial.TrialID = uuid.NewString()
	}
	alloc := &domain.Allocation{
		AllocationID:    uuid.NewString(),
		Type:            typ,
		FundA:           split.FundA,
		FundB:           split.FundB,
		PortfolioReturn: &ret,
		CreatedAt:       now,
	}
	return append(writes, pendingWrite{rec: rec, write: &store.AllocationWrite{Trial: trial, Alloc: alloc}})
}

// reloadTrial refreshes rec from storage after another writer filled a slot
// first.
func (m *Manager) reloadTrial(ctx context.Context, st *State, rec *TrialRecord) error {
	allocs, err := m.repo.ListAllocations(ctx, st.Session.SessionID)
	if err != nil {
		return domain.Persistence("load allocations", err)
	}
	for _, a := range allocs {
		if a.TrialNumber == rec.Identity {
			rec.set(a)
		}
	}
	return nil
}

// Debrief is the closing questionnaire.
type Debrief struct {
	Demographics domain.Demographics
	// DataQuality is whether the participant agrees to their data being
	// used.
	DataQuality *bool
	Comment     string
	Consent     bool
}

// SubmitDebrief validates the questionnaire and completes the session.
func (m *Manager) SubmitDebrief(ctx context.Context, st *State, d Debrief) (*State, error) {
	if st.Session.Page != domain.PageDebrief {
		return st, domain.Validation("wrong_page", "debrief is not open at "+st.Position().String())
	}
	if st.Session.Completed() {
		return st, domain.Validation("session_finished", "this session has already been completed")
	}
	if err := validateDebrief(&d); err != nil {
		return st, err
	}

	now := m.now()
	out := st.Clone()
	out.Session.ConsentGiven = true
	out.Session.DataQuality = d.DataQuality
	out.Session.DataQualityComment = d.Comment
	out.Session.CompletedAt = &now
	out.Session.UpdatedAt = now

	demo := d.Demographics
	demo.DemographicID = uuid.NewString()
	demo.SessionID = out.Session.SessionID
	demo.CreatedAt = now
	if err := m.repo.SaveDemographics(ctx, &demo, &out.Session); err != nil {
		if errors.Is(err, store.ErrStale) {
			return st, staleRequest(out.Session.SessionID, store.VectorOf(&st.Session))
		}
		return st, domain.Persistence("save debrief", err)
	}

	slog.Info("session completed",
		"session_id", out.Session.SessionID,
		"scenario_id", out.Session.ScenarioID,
		"sequence_id", out.Session.SequenceID,
		"data_quality", *d.DataQuality,
	)
	return out, nil
}
