package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/allocation-study/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS scenario_config (
		scenario_id TEXT PRIMARY KEY,
		scenario_name TEXT NOT NULL UNIQUE,
		ai_type TEXT NOT NULL,
		num_trials INTEGER NOT NULL,
		periods_per_trial INTEGER NOT NULL,
		instructed_ordinal INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trial_sequences (
		sequence_id TEXT PRIMARY KEY,
		position INTEGER NOT NULL UNIQUE,
		ordering_short TEXT NOT NULL,
		ordering_long TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fund_returns (
		scenario_id TEXT NOT NULL,
		trial_number INTEGER NOT NULL,
		return_a REAL NOT NULL,
		return_b REAL NOT NULL,
		PRIMARY KEY (scenario_id, trial_number)
	);

	CREATE TABLE IF NOT EXISTS ai_recommendations (
		scenario_id TEXT NOT NULL,
		trial_number INTEGER NOT NULL,
		fund_a INTEGER NOT NULL,
		fund_b INTEGER NOT NULL,
		PRIMARY KEY (scenario_id, trial_number)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		sequence_id TEXT NOT NULL,
		current_page TEXT NOT NULL,
		current_trial INTEGER NOT NULL,
		current_trial_step INTEGER NOT NULL,
		consent_given INTEGER NOT NULL DEFAULT 0,
		instructed_response_passed INTEGER,
		data_quality INTEGER,
		data_quality_comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		abandoned_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_condition ON sessions(sequence_id, scenario_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(created_at) WHERE completed_at IS NULL;

	CREATE TABLE IF NOT EXISTS trials (
		trial_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		trial_number INTEGER NOT NULL,
		return_a REAL NOT NULL,
		return_b REAL NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, trial_number)
	);

	CREATE TABLE IF NOT EXISTS allocations (
		allocation_id TEXT PRIMARY KEY,
		trial_id TEXT NOT NULL REFERENCES trials(trial_id),
		allocation_type TEXT NOT NULL,
		fund_a INTEGER NOT NULL CHECK (fund_a BETWEEN 0 AND 100),
		fund_b INTEGER NOT NULL,
		portfolio_return REAL,
		created_at INTEGER NOT NULL,
		CHECK (fund_a + fund_b = 100),
		UNIQUE (trial_id, allocation_type)
	);

	CREATE TABLE IF NOT EXISTS demographics (
		demographic_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(session_id),
		country TEXT NOT NULL,
		gender TEXT NOT NULL,
		age INTEGER NOT NULL,
		education_level TEXT NOT NULL,
		ai_proficiency INTEGER NOT NULL,
		financial_literacy INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListScenarios returns all scenarios ordered by trial count, then name.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]domain.Scenario, error) {
	query := `
		SELECT scenario_id, scenario_name, ai_type, num_trials,
		       periods_per_trial, instructed_ordinal, description
		FROM scenario_config ORDER BY num_trials, scenario_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer closeRows(rows, "scenarios")

	var out []domain.Scenario
	for rows.Next() {
		var sc domain.Scenario
		var bias string
		if err := rows.Scan(&sc.ScenarioID, &sc.Name, &bias, &sc.TrialCount,
			&sc.PeriodsPerTrial, &sc.InstructedOrdinal, &sc.Description); err != nil {
			return nil, fmt.Errorf("scan scenario row: %w", err)
		}
		sc.AIBias = domain.AIBias(bias)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenarios: %w", err)
	}
	return out, nil
}

// ListSequences returns all trial sequences ordered by position.
func (s *SQLiteStore) ListSequences(ctx context.Context) ([]domain.TrialSequence, error) {
	query := `SELECT sequence_id, position, ordering_short, ordering_long FROM trial_sequences ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer closeRows(rows, "sequences")

	var out []domain.TrialSequence
	for rows.Next() {
		var seq domain.TrialSequence
		var shortJSON, longJSON string
		if err := rows.Scan(&seq.SequenceID, &seq.Position, &shortJSON, &longJSON); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		if err := json.Unmarshal([]byte(shortJSON), &seq.Short); err != nil {
			return nil, fmt.Errorf("decode short ordering of %s: %w", seq.SequenceID, err)
		}
		if err := json.Unmarshal([]byte(longJSON), &seq.Long); err != nil {
			return nil, fmt.Errorf("decode long ordering of %s: %w", seq.SequenceID, err)
		}
		out = append(out, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return out, nil
}

// ListFundReturns returns every pre-generated fund return row.
func (s *SQLiteStore) ListFundReturns(ctx context.Context) ([]domain.FundReturns, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_id, trial_number, return_a, return_b FROM fund_returns ORDER BY scenario_id, trial_number`)
	if err != nil {
		return nil, fmt.Errorf("query fund returns: %w", err)
	}
	defer closeRows(rows, "fund returns")

	var out []domain.FundReturns
	for rows.Next() {
		var fr domain.FundReturns
		if err := rows.Scan(&fr.ScenarioID, &fr.TrialNumber, &fr.ReturnA, &fr.ReturnB); err != nil {
			return nil, fmt.Errorf("scan fund return row: %w", err)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fund returns: %w", err)
	}
	return out, nil
}

// ListRecommendations returns every pre-generated AI recommendation row.
func (s *SQLiteStore) ListRecommendations(ctx context.Context) ([]domain.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_id, trial_number, fund_a, fund_b FROM ai_recommendations ORDER BY scenario_id, trial_number`)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer closeRows(rows, "recommendations")

	var out []domain.Recommendation
	for rows.Next() {
		var rec domain.Recommendation
		if err := rows.Scan(&rec.ScenarioID, &rec.TrialNumber, &rec.FundA, &rec.FundB); err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendations: %w", err)
	}
	return out, nil
}

// SeedCatalog replaces the condition catalog in a single transaction.
func (s *SQLiteStore) SeedCatalog(ctx context.Context, seed *CatalogSeed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer rollback(tx)

	for _, table := range []string{"ai_recommendations", "fund_returns", "trial_sequences", "scenario_config"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, sc := range seed.Scenarios {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scenario_config (scenario_id, scenario_name, ai_type, num_trials,
				periods_per_trial, instructed_ordinal, description)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sc.ScenarioID, sc.Name, string(sc.AIBias), sc.TrialCount,
			sc.PeriodsPerTrial, sc.InstructedOrdinal, sc.Description,
		); err != nil {
			return fmt.Errorf("insert scenario %s: %w", sc.Name, err)
		}
	}

	for _, seq := range seed.Sequences {
		shortJSON, err := json.Marshal(seq.Short)
		if err != nil {
			return fmt.Errorf("encode short ordering: %w", err)
		}
		longJSON, err := json.Marshal(seq.Long)
		if err != nil {
			return fmt.Errorf("encode long ordering: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_sequences (sequence_id, position, ordering_short, ordering_long) VALUES (?, ?, ?, ?)`,
			seq.SequenceID, seq.Position, string(shortJSON), string(longJSON),
		); err != nil {
			return fmt.Errorf("insert sequence %s: %w", seq.SequenceID, err)
		}
	}

	for _, fr := range seed.Returns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fund_returns (scenario_id, trial_number, return_a, return_b) VALUES (?, ?, ?, ?)`,
			fr.ScenarioID, fr.TrialNumber, fr.ReturnA, fr.ReturnB,
		); err != nil {
			return fmt.Errorf("insert fund return %s/%d: %w", fr.ScenarioID, fr.TrialNumber, err)
		}
	}

	for _, rec := range seed.Recommendations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ai_recommendations (scenario_id, trial_number, fund_a, fund_b) VALUES (?, ?, ?, ?)`,
			rec.ScenarioID, rec.TrialNumber, rec.FundA, rec.FundB,
		); err != nil {
			return fmt.Errorf("insert recommendation %s/%d: %w", rec.ScenarioID, rec.TrialNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// CountCatalog reports catalog row counts.
func (s *SQLiteStore) CountCatalog(ctx context.Context) (*CatalogCounts, error) {
	counts := &CatalogCounts{
		Returns:         make(map[string]int),
		Recommendations: make(map[string]int),
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenario_config`).Scan(&counts.Scenarios); err != nil {
		return nil, fmt.Errorf("count scenarios: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trial_sequences`).Scan(&counts.Sequences); err != nil {
		return nil, fmt.Errorf("count sequences: %w", err)
	}
	if err := s.countGrouped(ctx, "fund_returns", counts.Returns); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, "ai_recommendations", counts.Recommendations); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *SQLiteStore) countGrouped(ctx context.Context, table string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT scenario_id, COUNT(*) FROM "+table+" GROUP BY scenario_id")
	if err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	defer closeRows(rows, table)

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", table, err)
		}
		into[id] = n
	}
	return rows.Err()
}

const sessionColumns = `
	session_id, scenario_id, sequence_id, current_page, current_trial,
	current_trial_step, consent_given, instructed_response_passed, data_quality,
	data_quality_comment, created_at, updated_at, completed_at, abandoned_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var page string
	var instructed, quality sql.NullBool
	var createdAt, updatedAt int64
	var completedAt, abandonedAt sql.NullInt64

	if err := row.Scan(
		&sess.SessionID, &sess.ScenarioID, &sess.SequenceID, &page, &sess.Ordinal,
		&sess.Step, &sess.ConsentGiven, &instructed, &quality,
		&sess.DataQualityComment, &createdAt, &updatedAt, &completedAt, &abandonedAt,
	); err != nil {
		return nil, err
	}

	sess.Page = domain.Page(page)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if instructed.Valid {
		v := instructed.Bool
		sess.InstructedResponsePassed = &v
	}
	if quality.Valid {
		v := quality.Bool
		sess.DataQuality = &v
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &ts
	}
	if abandonedAt.Valid {
		ts := time.Unix(abandonedAt.Int64, 0)
		sess.AbandonedAt = &ts
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// CreateSessionIfAbsent inserts the session unless its ID already exists.
func (s *SQLiteStore) CreateSessionIfAbsent(ctx context.Context, sess *domain.Session) (bool, error) {
	query := `
	INSERT INTO sessions (
		session_id, scenario_id, sequence_id, current_page, current_trial,
		current_trial_step, consent_given, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		sess.SessionID, sess.ScenarioID, sess.SequenceID, string(sess.Page), sess.Ordinal,
		sess.Step, sess.ConsentGiven, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateSession saves writes and the session's state vector in one
// transaction. The update only applies while the stored row is unfinished
// and still at from.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session, from Vector, writes ...*AllocationWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update session: %w", err)
	}
	defer rollback(tx)

	for _, w := range writes {
		if w.Inserted, err = insertAllocation(ctx, tx, w.Trial, w.Alloc); err != nil {
			return err
		}
	}

	query := `
	UPDATE sessions SET
		current_page = ?,
		current_trial = ?,
		current_trial_step = ?,
		consent_given = ?,
		instructed_response_passed = ?,
		data_quality = ?,
		data_quality_comment = ?,
		updated_at = ?,
		completed_at = ?
	WHERE session_id = ?
		AND current_page = ? AND current_trial = ? AND current_trial_step = ?
		AND completed_at IS NULL`

	result, err := tx.ExecContext(ctx, query,
		string(sess.Page), sess.Ordinal, sess.Step, sess.ConsentGiven,
		nullableBool(sess.InstructedResponsePassed), nullableBool(sess.DataQuality),
		sess.DataQualityComment, sess.UpdatedAt.Unix(), nullableTime(sess.CompletedAt),
		sess.SessionID,
		string(from.Page), from.Ordinal, from.Step,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", sess.SessionID,
			"expected_page", from.Page, "expected_trial", from.Ordinal, "expected_step", from.Step)
		return fmt.Errorf("session %s: %w", sess.SessionID, ErrStale)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session update: %w", err)
	}
	return nil
}

// ListAssignments returns the condition history used for balancing.
func (s *SQLiteStore) ListAssignments(ctx context.Context) ([]domain.Session, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions`)
}

// ListStaleSessions returns unfinished, unflagged sessions created before cutoff.
func (s *SQLiteStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE completed_at IS NULL AND abandoned_at IS NULL AND created_at < ?`, cutoff.Unix())
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// MarkAbandoned flags a session as abandoned unless it completed meanwhile.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET abandoned_at = ? WHERE session_id = ? AND completed_at IS NULL AND abandoned_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("mark session abandoned: %w", err)
	}
	return nil
}

// ListTrials returns the trials a session has touched.
func (s *SQLiteStore) ListTrials(ctx context.Context, sessionID string) ([]domain.Trial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_id, session_id, trial_number, return_a, return_b, created_at
		FROM trials WHERE session_id = ? ORDER BY trial_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer closeRows(rows, "trials")

	var out []domain.Trial
	for rows.Next() {
		var tr domain.Trial
		var createdAt int64
		if err := rows.Scan(&tr.TrialID, &tr.SessionID, &tr.TrialNumber, &tr.ReturnA, &tr.ReturnB, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trial row: %w", err)
		}
		tr.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return out, nil
}

// ListAllocations returns every allocation recorded for a session.
func (s *SQLiteStore) ListAllocations(ctx context.Context, sessionID string) ([]domain.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.allocation_id, a.trial_id, t.trial_number, a.allocation_type,
		       a.fund_a, a.fund_b, a.portfolio_return, a.created_at
		FROM allocations a JOIN trials t ON t.trial_id = a.trial_id
		WHERE t.session_id = ? ORDER BY t.trial_number, a.created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer closeRows(rows, "allocations")

	var out []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var allocType string
		var ret sql.NullFloat64
		var createdAt int64
		if err := rows.Scan(&a.AllocationID, &a.TrialID, &a.TrialNumber, &allocType,
			&a.FundA, &a.FundB, &ret, &createdAt); err != nil {
			return nil, fmt.Errorf("scan allocation row: %w", err)
		}
		a.Type = domain.AllocationType(allocType)
		a.CreatedAt = time.Unix(createdAt, 0)
		if ret.Valid {
			v := ret.Float64
			a.PortfolioReturn = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

// RecordAllocation ensures the trial row exists and inserts the allocation
// unless the trial already has one of that type.
func (s *SQLiteStore) RecordAllocation(ctx context.Context, trial *domain.Trial, alloc *domain.Allocation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record allocation: %w", err)
	}
	defer rollback(tx)

	inserted, err := insertAllocation(ctx, tx, trial, alloc)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit allocation: %w", err)
	}
	return inserted, nil
}

// insertAllocation creates the trial row on first touch, writes its stored
// ID back into trial and alloc, and inserts alloc unless the slot is taken.
func insertAllocation(ctx context.Context, tx *sql.Tx, trial *domain.Trial, alloc *domain.Allocation) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trials (trial_id, session_id, trial_number, return_a, return_b, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, trial_number) DO NOTHING`,
		trial.TrialID, trial.SessionID, trial.TrialNumber, trial.ReturnA, trial.ReturnB, trial.CreatedAt.Unix(),
	); err != nil {
		return false, fmt.Errorf("insert trial: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT trial_id FROM trials WHERE session_id = ? AND trial_number = ?`,
		trial.SessionID, trial.TrialNumber,
	).Scan(&trial.TrialID); err != nil {
		return false, fmt.Errorf("load trial id: %w", err)
	}
	alloc.TrialID = trial.TrialID
	alloc.TrialNumber = trial.TrialNumber

	var ret any
	if alloc.PortfolioReturn != nil {
		ret = *alloc.PortfolioReturn
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO allocations (allocation_id, trial_id, allocation_type, fund_a, fund_b, portfolio_return, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trial_id, allocation_type) DO NOTHING`,
		alloc.AllocationID, alloc.TrialID, string(alloc.Type), alloc.FundA, alloc.FundB, ret, alloc.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert allocation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// SaveDemographics stores the debrief questionnaire and the completed session
// state together.
func (s *SQLiteStore) SaveDemographics(ctx context.Context, demo *domain.Demographics, sess *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debrief: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO demographics (demographic_id, session_id, country, gender, age,
			education_level, ai_proficiency, financial_literacy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		demo.DemographicID, demo.SessionID, demo.Country, demo.Gender, demo.Age,
		demo.EducationLevel, demo.AIProficiency, demo.FinancialLiteracy, demo.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert demographics: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			consent_given = ?, data_quality = ?,
			data_quality_comment = ?, updated_at = ?, completed_at = ?
		WHERE session_id = ? AND current_page = ? AND completed_at IS NULL`,
		sess.ConsentGiven, nullableBool(sess.DataQuality),
		sess.DataQualityComment, sess.UpdatedAt.Unix(), nullableTime(sess.CompletedAt),
		sess.SessionID, string(domain.PageDebrief),
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sess.SessionID, ErrStale)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debrief: %w", err)
	}
	return nil
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.Unix()
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
