package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/jobdriver/pkg/driver"
	"github.com/psantana5/jobdriver/pkg/journal"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/metrics"
	"github.com/psantana5/jobdriver/pkg/models"
)

// Command results as counted in metrics
const (
	resultAccepted   = "accepted"
	resultInvalid    = "invalid"
	resultConflict   = "conflict"
	resultOverloaded = "overloaded"
)

// Job is the dispatcher as seen by the bridge. *driver.Dispatcher
// satisfies it.
type Job interface {
	Snapshot() models.Snapshot
	SubmitCommand(payload string) (models.MessageRecord, error)
	UpdateCommand(id string, fn func(*models.MessageRecord)) bool
	Dispatch(ctx context.Context, ev models.Event) error
}

// JournalReader serves /events. journal.Store satisfies it.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	HealthCheck(ctx context.Context) error
}

// Config for a Bridge
type Config struct {
	MaxCommandBytes int
	QueueSize       int
}

// DefaultConfig returns the bridge defaults
func DefaultConfig() Config {
	return Config{
		MaxCommandBytes: 4096,
		QueueSize:       64,
	}
}

// Bridge is the HTTP status and control surface of a running job. Reads
// are served from snapshots; accepted commands are forwarded to the job as
// ClientMessage events by a single goroutine, in submission order.
type Bridge struct {
	job     Job
	config  Config
	logger  *logging.Logger
	journal JournalReader
	metrics *metrics.Recorder
	started time.Time

	mu      sync.RWMutex
	stopped bool
	queue   chan models.Event
	done    chan struct{}
}

// NewBridge creates a bridge for job. Call Start before serving commands.
func NewBridge(job Job, config Config, logger *logging.Logger) *Bridge {
	def := DefaultConfig()
	if config.MaxCommandBytes <= 0 {
		config.MaxCommandBytes = def.MaxCommandBytes
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bridge{
		job:     job,
		config:  config,
		logger:  logger.WithField("component", "bridge"),
		started: time.Now(),
		queue:   make(chan models.Event, config.QueueSize),
		done:    make(chan struct{}),
	}
}

// SetJournal enables /events
func (b *Bridge) SetJournal(j JournalReader) {
	b.journal = j
}

// SetMetricsRecorder enables /metrics and command counters
func (b *Bridge) SetMetricsRecorder(m *metrics.Recorder) {
	b.metrics = m
}

// RegisterRoutes registers the status routes on r and the command route
// behind commandMiddleware
func (b *Bridge) RegisterRoutes(r *mux.Router, commandMiddleware ...mux.MiddlewareFunc) {
	// status handler group
	r.HandleFunc("/status", b.Status).Methods("GET")
	r.HandleFunc("/evaluators", b.Evaluators).Methods("GET")
	r.HandleFunc("/messages", b.Messages).Methods("GET")
	r.HandleFunc("/events", b.Events).Methods("GET")
	r.HandleFunc("/health", b.Health).Methods("GET")
	if b.metrics != nil {
		r.Handle("/metrics", b.metrics.Handler()).Methods("GET")
	}

	// shell command handler group
	var command http.Handler = http.HandlerFunc(b.Command)
	for i := len(commandMiddleware) - 1; i >= 0; i-- {
		command = commandMiddleware[i].Middleware(command)
	}
	r.Handle("/command", command).Methods("POST")
}

// Start launches the forwarding goroutine
func (b *Bridge) Start() {
	go b.forward()
}

// Stop refuses new commands and waits until queued ones are forwarded or
// ctx expires
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errBridgeStopped = errors.New("bridge is shutting down")
	errQueueFull     = errors.New("command queue is full")
)

func (b *Bridge) forward() {
	defer close(b.done)
	for ev := range b.queue {
		err := b.job.Dispatch(context.Background(), ev)
		switch {
		case err == nil:
		case errors.Is(err, driver.ErrTerminal):
			b.logger.Warn("Command not delivered, job finished", logging.Fields{"command_id": ev.ID})
		default:
			b.logger.Error("Command delivery failed", logging.Fields{"command_id": ev.ID, "error": err.Error()})
		}
	}
}

// Health reports liveness and, when a journal is attached, its health
func (b *Bridge) Health(w http.ResponseWriter, r *http.Request) {
	snap := b.job.Snapshot()
	body := map[string]interface{}{
		"status":         "healthy",
		"phase":          snap.Phase,
		"uptime_seconds": int64(time.Since(b.started).Seconds()),
	}
	status := http.StatusOK
	if b.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := b.journal.HealthCheck(ctx); err != nil {
			body["status"] = "degraded"
			body["journal"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}
