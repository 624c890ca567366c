// Package history keeps a ledger of finished batches. It is read by the API
// and never consulted to resume work.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  target TEXT NOT NULL,
  ok INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
CREATE TABLE IF NOT EXISTS unit_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  unit_id TEXT NOT NULL,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  started_at DATETIME,
  finished_at DATETIME,
  FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_unit_results_run ON unit_results(run_id);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Record(ctx context.Context, run domain.Run) error
	Get(ctx context.Context, id string) (domain.Run, error)
	// ListRecent returns runs newest first, without their unit results.
	ListRecent(ctx context.Context, limit int) ([]domain.Run, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Record(ctx context.Context, run domain.Run) (err error) {
	if run.ID == "" {
		run.ID = domain.NewRunID()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (id,target,ok,error,started_at,finished_at)
VALUES (?,?,?,?,?,?)`, run.ID, run.Target, run.OK, nullString(run.Error), run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return err
	}
	for _, u := range run.Units {
		_, err = tx.ExecContext(ctx, `
INSERT INTO unit_results (run_id,unit_id,name,status,retries,error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?)`, run.ID, u.UnitID, u.Name, u.Status, u.Retries, nullString(u.Error), nullTime(u.StartedAt), nullTime(u.FinishedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,target,ok,error,started_at,finished_at FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Run{}, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT unit_id,name,status,retries,error,started_at,finished_at
FROM unit_results WHERE run_id=? ORDER BY id`, id)
	if err != nil {
		return domain.Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u                 domain.UnitResult
			msg               sql.NullString
			started, finished sql.NullTime
		)
		if err := rows.Scan(&u.UnitID, &u.Name, &u.Status, &u.Retries, &msg, &started, &finished); err != nil {
			return domain.Run{}, err
		}
		u.Error = msg.String
		u.StartedAt = started.Time
		u.FinishedAt = finished.Time
		run.Units = append(run.Units, u)
	}
	return run, rows.Err()
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,target,ok,error,started_at,finished_at
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.Run, error) {
	var (
		run domain.Run
		msg sql.NullString
	)
	if err := s.Scan(&run.ID, &run.Target, &run.OK, &msg, &run.StartedAt, &run.FinishedAt); err != nil {
		return domain.Run{}, err
	}
	run.Error = msg.String
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
