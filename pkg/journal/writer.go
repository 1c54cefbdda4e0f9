package journal

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/jobdriver/pkg/logging"
)

// Writer moves entries from the dispatch path to a Store on its own
// goroutine. Enqueue never blocks; a full queue drops the entry.
type Writer struct {
	store  Store
	queue  chan Entry
	logger *logging.Logger
	onDrop func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWriter starts a writer with a queue of size entries
func NewWriter(store Store, size int, logger *logging.Logger, onDrop func()) *Writer {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = logging.Discard()
	}
	w := &Writer{
		store:  store,
		queue:  make(chan Entry, size),
		logger: logger,
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue hands e to the writer goroutine. Returns false if it was dropped.
func (w *Writer) Enqueue(e Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return false
	}
	select {
	case w.queue <- e:
		return true
	default:
		if w.onDrop != nil {
			w.onDrop()
		}
		w.logger.Warn("Journal queue full, entry dropped", logging.Fields{"kind": e.Kind, "event_id": e.EventID})
		return false
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Append(ctx, &e); err != nil {
			w.logger.Error("Failed to write journal entry", logging.Fields{"kind": e.Kind, "error": err.Error()})
		}
		cancel()
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx
// to expire. It does not close the underlying store.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
