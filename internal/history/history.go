// Package history keeps scenario outcomes in a SQLite database so that a
// milestone count can be compared across runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/acolita/console-e2e/internal/harness"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	scenario    TEXT NOT NULL,
	path        TEXT NOT NULL DEFAULT '',
	command     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	exit_code   INTEGER,
	steps       INTEGER NOT NULL,
	failed_step TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario, started_at);
`

// Run is one stored scenario outcome.
type Run struct {
	ID         int64
	SessionID  string
	Scenario   string
	Path       string
	Command    string
	Status     harness.Status
	ExitCode   *int
	Steps      int
	FailedStep string
	Error      string
	Started    time.Time
	Duration   time.Duration
}

// Store is a run history backed by a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores every report in a single transaction.
func (s *Store) Record(ctx context.Context, reports []*harness.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record runs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO runs (session_id, scenario, path, command, status, exit_code,
			steps, failed_step, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record runs: %w", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		var exit sql.NullInt64
		if r.ExitCode != nil {
			exit = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
		}
		var errText string
		if r.Err != nil {
			errText = r.Err.Error()
		}
		_, err := stmt.ExecContext(ctx,
			r.SessionID, r.Scenario, r.Path, r.Command, string(r.Status), exit,
			len(r.Steps), failedStep(r), errText,
			r.Started.UnixMilli(), r.Duration().Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("record run %s: %w", r.Scenario, err)
		}
	}
	return tx.Commit()
}

func failedStep(r *harness.Report) string {
	var se *harness.StepError
	if errors.As(r.Err, &se) {
		if se.Step != "" {
			return se.Step
		}
		return fmt.Sprintf("step %d", se.Index)
	}
	return ""
}

// Recent returns up to limit runs, newest first. An empty scenario matches all.
func (s *Store) Recent(ctx context.Context, scenario string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		where strings.Builder
		args  []any
	)
	if scenario != "" {
		where.WriteString("WHERE scenario = ?")
		args = append(args, scenario)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, scenario, path, command, status, exit_code,
			steps, failed_step, error, started_at, duration_ms
		FROM runs `+where.String()+`
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			status   string
			exit     sql.NullInt64
			started  int64
			duration int64
		)
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Scenario, &run.Path, &run.Command,
			&status, &exit, &run.Steps, &run.FailedStep, &run.Error, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		run.Status = harness.Status(status)
		if exit.Valid {
			code := int(exit.Int64)
			run.ExitCode = &code
		}
		run.Started = time.UnixMilli(started)
		run.Duration = time.Duration(duration) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
