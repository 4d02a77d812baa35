package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			completion_reason TEXT,
			checkpoint_seq INTEGER NOT NULL DEFAULT 0,
			policy_profile TEXT NOT NULL DEFAULT 'default',
			model_route TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			resumed_from TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS run_event_sequences (
			run_id TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			source TEXT,
			trace_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			parent_step_id TEXT,
			name TEXT,
			status TEXT NOT NULL,
			kind TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			policy_decision TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			expected_artifacts TEXT NOT NULL DEFAULT '[]',
			diagnostics TEXT NOT NULL DEFAULT '{}',
			first_seq INTEGER NOT NULL,
			last_seq INTEGER NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_order ON run_steps(run_id, first_seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.Status == "" {
		run.Status = domain.RunStatusCreated
	}
	if run.Phase == "" {
		run.Phase = domain.RunPhasePlanning
	}
	if run.PolicyProfile == "" {
		run.PolicyProfile = domain.DefaultPolicyProfile
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	tags := encodeStrings(run.Tags)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, phase, completion_reason, checkpoint_seq, policy_profile, model_route, tags, resumed_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Status, run.Phase, nullString(run.CompletionReason), run.PolicyProfile,
		nullString(run.ModelRoute), tags, nullString(run.ResumedFrom), run.CreatedAt, run.UpdatedAt)
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) {
		return ErrRunExists
	}
	return err
}

// GetRun retrieves a run by ID. It returns nil, nil when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, phase, completion_reason, checkpoint_seq, policy_profile, model_route, tags, resumed_from, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT run_id, status, phase, completion_reason, checkpoint_seq, policy_profile, model_route, tags, resumed_from, created_at, updated_at
		FROM runs ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var completionReason, modelRoute, resumedFrom sql.NullString
	var tags string
	if err := row.Scan(&run.RunID, &run.Status, &run.Phase, &completionReason, &run.CheckpointSeq,
		&run.PolicyProfile, &modelRoute, &tags, &resumedFrom, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.CompletionReason = completionReason.String
	run.ModelRoute = modelRoute.String
	run.ResumedFrom = resumedFrom.String
	run.Tags = decodeStrings(tags)
	return &run, nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NextSeq atomically allocates the next sequence number for a run. SQLite
// serializes writers, so concurrent callers on one run never share a value.
func (s *SQLiteStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	return nextSeq(ctx, s.db, runID)
}

func nextSeq(ctx context.Context, q queryRower, runID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO run_event_sequences (run_id, last_seq) VALUES (?, 1)
		 ON CONFLICT (run_id) DO UPDATE SET last_seq = last_seq + 1
		 RETURNING last_seq`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// AppendEvent inserts the event, merges the derived RunStep and applies the
// run state transition in one transaction. When event.Seq is zero the next
// sequence number is allocated inside the same transaction, so a failed
// append never leaves a gap. The event is updated in place with its
// normalized type, timestamp and seq.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.RunEvent) (err error) {
	event.Type = domain.NormalizeEventType(string(event.Type))
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, event.RunID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			err = ErrRunNotFound
		}
		return err
	}

	if event.Seq == 0 {
		if event.Seq, err = nextSeq(ctx, tx, event.RunID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, event.Type, event.Timestamp, nullString(event.Source), nullString(event.TraceID), string(payload))
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) {
		err = fmt.Errorf("%w: run %s seq %d", ErrDuplicateSeq, event.RunID, event.Seq)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if step, ok := buildStep(event); ok {
		if err = upsertRunStepTx(ctx, tx, step, event.Timestamp); err != nil {
			return fmt.Errorf("failed to upsert step: %w", err)
		}
	}
	if err = applyRunStateTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return tx.Commit()
}

func upsertRunStepTx(ctx context.Context, tx *sql.Tx, step domain.RunStep, now time.Time) error {
	diagnostics := step.Diagnostics
	if len(diagnostics) == 0 {
		diagnostics = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_steps (
			run_id, step_id, parent_step_id, name, status, kind, attempt, policy_decision,
			dependencies, expected_artifacts, diagnostics, first_seq, last_seq,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			parent_step_id = COALESCE(NULLIF(excluded.parent_step_id, ''), run_steps.parent_step_id),
			name = COALESCE(NULLIF(excluded.name, ''), run_steps.name),
			status = excluded.status,
			kind = COALESCE(NULLIF(excluded.kind, ''), run_steps.kind),
			attempt = CASE WHEN excluded.attempt > 0 THEN excluded.attempt ELSE run_steps.attempt END,
			policy_decision = COALESCE(NULLIF(excluded.policy_decision, ''), run_steps.policy_decision),
			dependencies = CASE WHEN json_array_length(excluded.dependencies) > 0 THEN excluded.dependencies ELSE run_steps.dependencies END,
			expected_artifacts = CASE WHEN json_array_length(excluded.expected_artifacts) > 0 THEN excluded.expected_artifacts ELSE run_steps.expected_artifacts END,
			diagnostics = json_patch(run_steps.diagnostics, excluded.diagnostics),
			last_seq = MAX(run_steps.last_seq, excluded.last_seq),
			started_at = COALESCE(run_steps.started_at, excluded.started_at),
			completed_at = COALESCE(excluded.completed_at, run_steps.completed_at),
			updated_at = excluded.updated_at`,
		step.RunID, step.StepID, nullString(step.ParentStepID), step.Name, step.Status, step.Kind,
		step.Attempt, nullString(step.PolicyDecision), encodeStrings(step.Dependencies),
		encodeStrings(step.ExpectedArtifacts), string(diagnostics), step.FirstSeq, step.LastSeq,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), now, now)
	return err
}

func applyRunStateTx(ctx context.Context, tx *sql.Tx, event *domain.RunEvent) error {
	t := transitionFor(event)
	_, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			status = COALESCE(NULLIF(?, ''), status),
			phase = COALESCE(NULLIF(?, ''), phase),
			completion_reason = COALESCE(NULLIF(?, ''), completion_reason),
			resumed_from = COALESCE(NULLIF(?, ''), resumed_from),
			checkpoint_seq = MAX(checkpoint_seq, ?),
			updated_at = ?
		WHERE run_id = ?`,
		string(t.status), string(t.phase), t.completionReason, t.resumedFrom, event.Seq, time.Now().UTC(), event.RunID)
	return err
}

// ListEvents returns a run's events with seq > afterSeq in seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error) {
	query := `SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.RunEvent{}
	for rows.Next() {
		var event domain.RunEvent
		var source, traceID sql.NullString
		var payload string
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &event.Timestamp, &source, &traceID, &payload); err != nil {
			return nil, err
		}
		event.Timestamp = event.Timestamp.UTC()
		event.Source = source.String
		event.TraceID = traceID.String
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListRunSteps lists a run's steps in the order they first appeared.
func (s *SQLiteStore) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, parent_step_id, name, status, kind, attempt, policy_decision,
			dependencies, expected_artifacts, diagnostics, first_seq, last_seq, started_at, completed_at
		FROM run_steps WHERE run_id = ? ORDER BY first_seq ASC, step_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []domain.RunStep{}
	for rows.Next() {
		var step domain.RunStep
		var parentStepID, name, kind, policyDecision sql.NullString
		var dependencies, expected, diagnostics string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&step.RunID, &step.StepID, &parentStepID, &name, &step.Status, &kind,
			&step.Attempt, &policyDecision, &dependencies, &expected, &diagnostics,
			&step.FirstSeq, &step.LastSeq, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		step.ParentStepID = parentStepID.String
		step.Name = name.String
		if step.Name == "" {
			step.Name = step.StepID
		}
		step.Kind = kind.String
		if step.Kind == "" {
			step.Kind = "step"
		}
		step.PolicyDecision = policyDecision.String
		step.Dependencies = decodeStrings(dependencies)
		step.ExpectedArtifacts = decodeStrings(expected)
		step.Diagnostics = json.RawMessage(diagnostics)
		if startedAt.Valid {
			t := startedAt.Time.UTC()
			step.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			step.CompletedAt = &t
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == code
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil || len(values) == 0 {
		return nil
	}
	return values
}
