package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS outcomes (
    id          TEXT PRIMARY KEY,
    procedure   TEXT NOT NULL,
    session     INTEGER NOT NULL,
    generation  INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    final_step  TEXT NOT NULL,
    last_status TEXT NOT NULL,
    path        TEXT NOT NULL,
    reason      TEXT,
    started_at  DATETIME NOT NULL,
    ended_at    DATETIME NOT NULL
)`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    written     INTEGER NOT NULL,
    error       TEXT,
    input_hash  TEXT,
    duration_ms INTEGER NOT NULL,
    finished_at DATETIME NOT NULL
)`

// pathSep joins step ids in the path column.
const pathSep = ","

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// :memory: databases are per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct {
		what, sql string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create outcomes table", createOutcomesTable},
		{"create jobs table", createJobsTable},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", stmt.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordOutcome inserts o, assigning an id when it has none.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.ID == "" {
		o.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (
			id, procedure, session, generation, outcome, final_step,
			last_status, path, reason, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Procedure, o.Session, int64(o.Generation), o.Outcome, o.FinalStep,
		o.LastStatus, strings.Join(o.Path, pathSep), o.Reason, o.StartedAt.UTC(), o.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert outcome: %w", err)
	}
	return nil
}

const selectOutcome = `SELECT id, procedure, session, generation, outcome, final_step,
	last_status, path, reason, started_at, ended_at FROM outcomes`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*Outcome, error) {
	var (
		o      Outcome
		gen    int64
		path   string
		reason sql.NullString
	)
	if err := row.Scan(
		&o.ID, &o.Procedure, &o.Session, &gen, &o.Outcome, &o.FinalStep,
		&o.LastStatus, &path, &reason, &o.StartedAt, &o.EndedAt,
	); err != nil {
		return nil, err
	}
	o.Generation = uint64(gen)
	if path != "" {
		o.Path = strings.Split(path, pathSep)
	}
	o.Reason = reason.String
	return &o, nil
}

// GetOutcome retrieves an outcome by id.
func (s *SQLiteStore) GetOutcome(ctx context.Context, id string) (*Outcome, error) {
	o, err := scanOutcome(s.db.QueryRowContext(ctx, selectOutcome+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outcome: %w", err)
	}
	return o, nil
}

// ListOutcomes returns up to limit outcomes, newest first.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, limit int) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, selectOutcome+" ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("store: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate outcomes: %w", err)
	}
	return out, nil
}

// RecordJob inserts j, assigning an id when it has none.
func (s *SQLiteStore) RecordJob(ctx context.Context, j *JobRecord) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, name, status, written, error, input_hash, duration_ms, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Status, j.Written, j.Error, j.InputHash, j.DurationMS, j.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

// ListJobs returns up to limit job records, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, written, error, input_hash, duration_ms, finished_at
		FROM jobs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		var (
			j         JobRecord
			errText   sql.NullString
			inputHash sql.NullString
		)
		if err := rows.Scan(
			&j.ID, &j.Name, &j.Status, &j.Written, &errText, &inputHash, &j.DurationMS, &j.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		j.Error = errText.String
		j.InputHash = inputHash.String
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate jobs: %w", err)
	}
	return out, nil
}

// Stats returns aggregate counts over both tables.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("store: begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByOutcome: make(map[string]int),
		CountByStatus:  make(map[string]int),
	}
	if stats.Outcomes, err = countBy(ctx, tx, "SELECT outcome, COUNT(*) FROM outcomes GROUP BY outcome", stats.CountByOutcome); err != nil {
		return nil, fmt.Errorf("store: count outcomes: %w", err)
	}
	if stats.Jobs, err = countBy(ctx, tx, "SELECT status, COUNT(*) FROM jobs GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("store: count jobs: %w", err)
	}
	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, query string, into map[string]int) (int, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return 0, err
		}
		into[key] = n
		total += n
	}
	return total, rows.Err()
}
