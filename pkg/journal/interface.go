package journal

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/jobdriver/pkg/models"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported journal backend")
	ErrClosed             = errors.New("journal closed")
)

// Entry records one dispatch attempt and its outcome
type Entry struct {
	Seq         int64            `json:"seq"`
	EventID     string           `json:"event_id,omitempty"`
	Kind        models.EventKind `json:"kind"`
	Outcome     string           `json:"outcome"`
	EvaluatorID string           `json:"evaluator_id,omitempty"`
	ContextID   string           `json:"context_id,omitempty"`
	TaskID      string           `json:"task_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	Time        time.Time        `json:"time"`
}

// EntryFor builds an entry from an event
func EntryFor(ev models.Event, outcome string, err error) Entry {
	e := Entry{
		EventID:     ev.ID,
		Kind:        ev.Kind,
		Outcome:     outcome,
		EvaluatorID: ev.EvaluatorID,
		ContextID:   ev.ContextID,
		TaskID:      ev.TaskID,
		Time:        time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Store persists journal entries
type Store interface {
	// Append stores e and assigns e.Seq
	Append(ctx context.Context, e *Entry) error
	// Recent returns up to limit of the newest entries, oldest first
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune deletes entries recorded before the cutoff and returns how
	// many were removed
	Prune(ctx context.Context, before time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Sink accepts entries without blocking the caller
type Sink interface {
	Enqueue(e Entry) bool
}

// Config holds journal backend configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // file path for sqlite, connection string for postgres

	// Memory specific
	Capacity int

	// PostgreSQL specific
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(ctx context.Context, config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(config.Capacity), nil
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "journal.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, config)
	default:
		return nil, ErrUnsupportedBackend
	}
}
