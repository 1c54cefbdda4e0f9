package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/jobdriver/pkg/models"
)

// SQLiteStore is a SQLite-backed journal
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the journal database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets status readers run alongside the writer; the busy timeout
	// covers the short window where the writer holds the lock.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		evaluator_id TEXT NOT NULL DEFAULT '',
		context_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_event_id ON journal(event_id);
	CREATE INDEX IF NOT EXISTS idx_journal_recorded_at ON journal(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores e
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (event_id, kind, outcome, evaluator_id, context_id, task_id, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.Kind), e.Outcome, e.EvaluatorID, e.ContextID, e.TaskID, e.Error, e.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read journal sequence: %w", err)
	}
	e.Seq = seq
	return nil
}

// Recent returns up to limit of the newest entries, oldest first
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, kind, outcome, evaluator_id, context_id, task_id, error, recorded_at
		FROM (SELECT * FROM journal ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Prune deletes entries recorded before the cutoff
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.Seq, &e.EventID, &kind, &e.Outcome,
			&e.EvaluatorID, &e.ContextID, &e.TaskID, &e.Error, &e.Time); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = models.EventKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
