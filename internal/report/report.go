// Package report archives per-resolution diagnostics: outcome, error
// code and per-phase timings. The archive is a best-effort side channel;
// write failures are logged by callers, never allowed to fail a
// resolution.
package report

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// PhaseTiming records how long one pipeline phase took.
type PhaseTiming struct {
	Phase    string
	Duration time.Duration
}

// Record is the archived summary of one resolution.
type Record struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Outcome    string // "committed" | "rolled-back"
	ErrorCode  string
	Error      string
	TaskCount  int
	MergeCount int
	Phases     []PhaseTiming
}

// Archive stores resolution records in SQLite. WAL mode allows tools to
// read the archive while the engine keeps appending.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive database at path. Idempotent.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open report archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect report archive: %w", err)
	}
	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply report schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Write appends one resolution record and its phase timings atomically.
func (a *Archive) Write(ctx context.Context, r Record) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resolutions (id, started_at, duration_us, outcome, error_code, error, task_count, merge_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339Nano), r.Duration.Microseconds(),
		r.Outcome, r.ErrorCode, r.Error, r.TaskCount, r.MergeCount,
	)
	if err != nil {
		return fmt.Errorf("write resolution %s: %w", r.ID, err)
	}
	for i, p := range r.Phases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resolution_phases (resolution_id, seq, phase, duration_us)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resolution_id, seq) DO NOTHING`,
			r.ID, i, p.Phase, p.Duration.Microseconds(),
		)
		if err != nil {
			return fmt.Errorf("write phase %s of %s: %w", p.Phase, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report write: %w", err)
	}
	return nil
}

// Read returns the archived record with the given resolution ID.
func (a *Archive) Read(ctx context.Context, id string) (Record, error) {
	var r Record
	var started string
	var durUS int64
	err := a.db.QueryRowContext(ctx, `
		SELECT id, started_at, duration_us, outcome, error_code, error, task_count, merge_count
		FROM resolutions WHERE id = ?`, id).
		Scan(&r.ID, &started, &durUS, &r.Outcome, &r.ErrorCode, &r.Error, &r.TaskCount, &r.MergeCount)
	if err != nil {
		return Record{}, fmt.Errorf("read resolution %s: %w", id, err)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.Duration = time.Duration(durUS) * time.Microsecond

	rows, err := a.db.QueryContext(ctx, `
		SELECT phase, duration_us FROM resolution_phases
		WHERE resolution_id = ? ORDER BY seq`, id)
	if err != nil {
		return Record{}, fmt.Errorf("read phases of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p PhaseTiming
		var us int64
		if err := rows.Scan(&p.Phase, &us); err != nil {
			return Record{}, fmt.Errorf("scan phase of %s: %w", id, err)
		}
		p.Duration = time.Duration(us) * time.Microsecond
		r.Phases = append(r.Phases, p)
	}
	return r, rows.Err()
}
