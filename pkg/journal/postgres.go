package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/jobdriver/pkg/retry"
)

// PostgresStore is a PostgreSQL-backed journal
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL, retrying the initial ping
func NewPostgresStore(ctx context.Context, config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(5)
	}
	db.SetMaxIdleConns(2)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return db.PingContext(ctx)
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS driver_journal (
		seq BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		evaluator_id TEXT NOT NULL DEFAULT '',
		context_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_driver_journal_event_id ON driver_journal(event_id);
	CREATE INDEX IF NOT EXISTS idx_driver_journal_recorded_at ON driver_journal(recorded_at);
	`)
	return err
}

// Append stores e
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO driver_journal (event_id, kind, outcome, evaluator_id, context_id, task_id, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		e.EventID, string(e.Kind), e.Outcome, e.EvaluatorID, e.ContextID, e.TaskID, e.Error, e.Time,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, kind, outcome, evaluator_id, context_id, task_id, error, recorded_at
		FROM (SELECT * FROM driver_journal ORDER BY seq DESC LIMIT $1) recent
		ORDER BY seq ASC`, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Prune deletes entries recorded before the cutoff
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM driver_journal WHERE recorded_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
