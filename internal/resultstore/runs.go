package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/tandem/internal/instance"
)

// Run is one stored run with its per-state totals.
type Run struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   string     `json:"outcome"`
	Total     int        `json:"total"`
	Passed    int        `json:"passed"`
	Failed    int        `json:"failed"`
	TimedOut  int        `json:"timed_out"`
	Skipped   int        `json:"skipped"`
	NotRun    int        `json:"not_run"`
}

// StoredResult is a persisted result row.
type StoredResult struct {
	RunID       string            `json:"run_id"`
	UniqueID    string            `json:"unique_id"`
	DisplayName string            `json:"display_name"`
	TestName    string            `json:"test_name"`
	Class       string            `json:"class,omitempty"`
	State       instance.State    `json:"state"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	DurationMS  int64             `json:"duration_ms"`
	Attempt     int               `json:"attempt"`
	CauseKind   string            `json:"cause_kind,omitempty"`
	Cause       string            `json:"cause,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// StoredDiagnostic is a persisted diagnostic row.
type StoredDiagnostic struct {
	RunID   string    `json:"run_id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if _, err := s.exec(ctx, `INSERT INTO runs (id, started_at) VALUES (?, ?)`, runID, formatTime(startedAt)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the totals and outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	end := time.Now()
	if run.EndedAt != nil {
		end = *run.EndedAt
	}
	res, err := s.exec(ctx, `UPDATE runs SET ended_at = ?, outcome = ?, total = ?, passed = ?, failed = ?, timed_out = ?, skipped = ?, not_run = ?
		WHERE id = ?`,
		formatTime(end), run.Outcome, run.Total, run.Passed, run.Failed, run.TimedOut, run.Skipped, run.NotRun, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveResult stores one instance result.
func (s *Store) SaveResult(ctx context.Context, runID string, r instance.Result) error {
	categories, err := json.Marshal(nonNil(r.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	props := r.Properties
	if props == nil {
		props = map[string]string{}
	}
	properties, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	cause := r.CauseMessage()
	if len(cause) > maxCauseBytes {
		cause = cause[:maxCauseBytes]
	}

	_, err = s.exec(ctx, `INSERT INTO results (run_id, unique_id, display_name, test_name, class, state, start_time, end_time, duration_ms, attempt, cause_kind, cause, categories, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.UniqueID, r.DisplayName, r.TestName, r.Class, string(r.State),
		formatTime(r.StartTime), formatTime(r.EndTime), r.Duration().Milliseconds(), r.Attempt,
		string(r.CauseKind()), cause, string(categories), string(properties))
	if err != nil {
		return fmt.Errorf("insert result %s: %w", r.UniqueID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SaveDiagnostic stores one diagnostic.
func (s *Store) SaveDiagnostic(ctx context.Context, runID string, d instance.Diagnostic) error {
	_, err := s.exec(ctx, `INSERT INTO diagnostics (run_id, kind, subject, message, at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(d.Kind), d.Subject, d.Message, formatTime(d.Time))
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, started_at, ended_at, outcome, total, passed, failed, timed_out, skipped, not_run
		FROM runs WHERE id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, started_at, ended_at, outcome, total, passed, failed, timed_out, skipped, not_run
		FROM runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run     Run
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&run.ID, &started, &ended, &run.Outcome, &run.Total, &run.Passed, &run.Failed, &run.TimedOut, &run.Skipped, &run.NotRun); err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(started)
	if ended.Valid && ended.String != "" {
		t := parseTime(ended.String)
		run.EndedAt = &t
	}
	return &run, nil
}

// Results returns a run's results ordered by end time.
func (s *Store) Results(ctx context.Context, runID string) ([]StoredResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT run_id, unique_id, display_name, test_name, class, state, start_time, end_time, duration_ms, attempt, cause_kind, cause, categories, properties
		FROM results WHERE run_id = ? ORDER BY end_time, unique_id`), runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var (
			r                 StoredResult
			state             string
			start, end        string
			categories, props string
		)
		if err := rows.Scan(&r.RunID, &r.UniqueID, &r.DisplayName, &r.TestName, &r.Class, &state, &start, &end,
			&r.DurationMS, &r.Attempt, &r.CauseKind, &r.Cause, &categories, &props); err != nil {
			return nil, err
		}
		r.State = instance.State(state)
		r.StartTime = parseTime(start)
		r.EndTime = parseTime(end)
		_ = json.Unmarshal([]byte(categories), &r.Categories)
		_ = json.Unmarshal([]byte(props), &r.Properties)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Diagnostics returns a run's diagnostics.
func (s *Store) Diagnostics(ctx context.Context, runID string) ([]StoredDiagnostic, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT run_id, kind, subject, message, at FROM diagnostics WHERE run_id = ? ORDER BY at`), runID)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []StoredDiagnostic
	for rows.Next() {
		var d StoredDiagnostic
		var at string
		if err := rows.Scan(&d.RunID, &d.Kind, &d.Subject, &d.Message, &at); err != nil {
			return nil, err
		}
		d.At = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes runs started before now-olderThan along with their rows.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM results WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`,
		`DELETE FROM diagnostics WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), cutoff); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE started_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// Recorder reports results of one run into the store.
type Recorder struct {
	store *Store
	runID string
}

// Recorder returns a reporter bound to runID.
func (s *Store) Recorder(runID string) *Recorder {
	return &Recorder{store: s, runID: runID}
}

func (r *Recorder) Report(ctx context.Context, res instance.Result) error {
	return r.store.SaveResult(ctx, r.runID, res)
}

func (r *Recorder) Diagnostic(ctx context.Context, d instance.Diagnostic) error {
	return r.store.SaveDiagnostic(ctx, r.runID, d)
}
