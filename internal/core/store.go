package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/fedprobe/pkg/api"
)

// Store is the SQLite-backed run journal and leak ledger.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; parallel probes share the handle.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordOutcome appends out to the journal. A *DestroyError also lands in the
// leak ledger so that cleanup can retry it.
func (s *Store) RecordOutcome(ctx context.Context, out Outcome, destroyErr error) error {
	var destroyMsg string
	if destroyErr != nil {
		destroyMsg = destroyErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(site, vo, status, stage, infra_id, command, diagnostics, attempts, duration_ns, started_at, destroy_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.Site, out.VO, string(out.Status), string(out.Stage), out.InfraID, out.Command,
		out.Diagnostics, out.Attempts, int64(out.Duration), out.StartedAt.UTC().Format(time.RFC3339Nano), destroyMsg)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	var de *DestroyError
	if errors.As(destroyErr, &de) {
		return s.RecordLeak(ctx, api.Leak{
			InfraID:    de.InfraID,
			Site:       de.Site,
			VO:         de.VO,
			Error:      de.Err.Error(),
			RecordedAt: time.Now(),
		})
	}
	return nil
}

// RecordLeak stores an infrastructure that is still alive. Recording the same
// id again reopens it.
func (s *Store) RecordLeak(ctx context.Context, l api.Leak) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO leaks (infra_id, site, vo, error, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(infra_id) DO UPDATE SET error = excluded.error, recorded_at = excluded.recorded_at, resolved_at = NULL`,
		l.InfraID, l.Site, l.VO, l.Error, l.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert leak: %w", err)
	}
	return nil
}

// Leaks lists unresolved leaks, oldest first.
func (s *Store) Leaks(ctx context.Context) ([]api.Leak, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT infra_id, site, vo, error, recorded_at
		FROM leaks WHERE resolved_at IS NULL ORDER BY recorded_at, infra_id`)
	if err != nil {
		return nil, fmt.Errorf("query leaks: %w", err)
	}
	defer rows.Close()
	var out []api.Leak
	for rows.Next() {
		var l api.Leak
		var at string
		if err := rows.Scan(&l.InfraID, &l.Site, &l.VO, &l.Error, &at); err != nil {
			return nil, fmt.Errorf("scan leak: %w", err)
		}
		l.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResolveLeak marks infraID as destroyed.
func (s *Store) ResolveLeak(ctx context.Context, infraID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leaks SET resolved_at = ? WHERE infra_id = ? AND resolved_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), infraID)
	if err != nil {
		return fmt.Errorf("resolve leak: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve leak: no open leak %q", infraID)
	}
	return nil
}

// Recent returns the last limit runs, newest first. An empty site matches all.
func (s *Store) Recent(ctx context.Context, site string, limit int) ([]api.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT site, vo, status, stage, infra_id, command, diagnostics,
		attempts, duration_ns, started_at, destroy_error
		FROM runs WHERE (? = '' OR site = ?) ORDER BY id DESC LIMIT ?`, site, site, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []api.Report
	for rows.Next() {
		var r api.Report
		var status, at string
		var dur int64
		if err := rows.Scan(&r.Site, &r.VO, &status, &r.Stage, &r.InfraID, &r.Command, &r.Diagnostics,
			&r.Attempts, &dur, &at, &r.DestroyError); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = api.Status(status)
		r.Duration = time.Duration(dur)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
