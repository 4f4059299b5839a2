package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound indicates the requested run does not exist.
var ErrNotFound = errors.New("history: run not found")

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent recorder calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("apply history migrations: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStart inserts a run in the running state.
func (s *Store) RecordStart(ctx context.Context, run Run) error {
	const query = `INSERT INTO runs (id, test_name, manifest_digest, status, reason, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TestName, run.ManifestDigest, StatusRunning, run.Reason, run.StartedAt.UTC())
	return err
}

// RecordService registers a container started on behalf of a run.
func (s *Store) RecordService(ctx context.Context, svc ServiceRun) error {
	const query = `INSERT INTO run_services (run_id, service, image, container_id)
		VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, svc.RunID, svc.Service, svc.Image, svc.ContainerID)
	return err
}

// RecordFinish marks a run terminal.
func (s *Store) RecordFinish(ctx context.Context, fin Finish) error {
	const query = `UPDATE runs SET status = ?, exit_code = ?, reason = ?, finished_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		fin.Status, fin.ExitCode, fin.Reason, fin.FinishedAt.UTC(), fin.RunID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun fetches a run and its services.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	const query = `SELECT id, test_name, manifest_digest, status, exit_code, reason, started_at, finished_at
		FROM runs WHERE id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	const svcQuery = `SELECT run_id, service, image, container_id
		FROM run_services WHERE run_id = ? ORDER BY service`
	rows, err := s.db.QueryContext(ctx, svcQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var svc ServiceRun
		if err := rows.Scan(&svc.RunID, &svc.Service, &svc.Image, &svc.ContainerID); err != nil {
			return nil, err
		}
		run.Services = append(run.Services, svc)
	}
	return run, rows.Err()
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, test_name, manifest_digest, status, exit_code, reason, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Prune deletes runs that started before the cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_services WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`,
		olderThan.UTC())
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run      Run
		exitCode sql.NullInt64
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.TestName, &run.ManifestDigest, &run.Status,
		&exitCode, &run.Reason, &run.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
