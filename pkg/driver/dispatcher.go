package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/jobdriver/pkg/journal"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/metrics"
	"github.com/psantana5/jobdriver/pkg/models"
	"github.com/psantana5/jobdriver/pkg/tracing"
)

// maxTrackedEvents bounds the set of event ids remembered for duplicate
// suppression
const maxTrackedEvents = 1 << 16

// StopRequester is the runtime's driver-stop path. The dispatcher calls it
// after a handler failure, outside its lock.
type StopRequester interface {
	Shutdown(reason error)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option { return func(d *Dispatcher) { d.tracer = p } }

// WithJournal sets the sink receiving one entry per dispatch
func WithJournal(s journal.Sink) Option { return func(d *Dispatcher) { d.journal = s } }

// WithStopRequester sets the runtime stop path used on handler failure
func WithStopRequester(s StopRequester) Option { return func(d *Dispatcher) { d.stopper = s } }

// WithMessageLogSize bounds the job's message log
func WithMessageLogSize(n int) Option { return func(d *Dispatcher) { d.messageLogSize = n } }

// Dispatcher routes lifecycle events to their bound handler and owns the
// JobState. All mutation happens under mu; readers get the last published
// snapshot without locking.
type Dispatcher struct {
	mu       sync.Mutex
	state    *models.JobState
	handlers map[models.EventKind]Handler
	applied  map[string]struct{}
	order    []string

	snapshot atomic.Pointer[models.Snapshot]
	done     chan struct{}
	doneOnce sync.Once

	messageLogSize int
	stopper        StopRequester
	logger         *logging.Logger
	metrics        *metrics.Recorder
	tracer         *tracing.Provider
	journal        journal.Sink
}

// New creates a dispatcher for driverID using the handlers in reg
func New(driverID string, reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[models.EventKind]Handler),
		applied:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	d.logger = d.logger.WithField("driver", driverID)
	if reg != nil {
		for _, k := range reg.Kinds() {
			d.handlers[k], _ = reg.Lookup(k)
		}
		d.logger.Debug("Handlers bound", logging.Fields{"kinds": len(d.handlers)})
	}

	d.state = models.NewJobState(driverID, d.messageLogSize)
	d.publishLocked()
	return d
}

// Register binds h to kind, replacing any earlier binding
func (d *Dispatcher) Register(kind models.EventKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		d.logger.Warn("Replacing handler binding", logging.Fields{"kind": kind})
	}
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// Dispatch delivers ev to its handler.
//
// Unbound kinds and already-applied event ids are no-ops. After the job has
// stopped or failed every call returns ErrTerminal without touching state.
// A handler error fails the job, requests a driver stop and is returned as
// a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("dispatch: unknown event kind %q", ev.Kind)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	ctx, span := d.tracer.StartSpan(ctx, "dispatch "+ev.Kind.String(),
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", ev.Kind.String()),
	)
	defer span.End()

	start := time.Now()
	outcome, err := d.dispatch(ctx, ev)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("dispatch.outcome", outcome))
	if err != nil && outcome == metrics.OutcomeFailed {
		tracing.SetError(span, err)
	}
	d.metrics.ObserveDispatch(ev.Kind, outcome, elapsed)
	if d.journal != nil {
		d.journal.Enqueue(journal.EntryFor(ev, outcome, err))
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, ev models.Event) (string, error) {
	d.mu.Lock()

	if models.IsTerminalPhase(d.state.Phase) {
		phase := d.state.Phase
		d.mu.Unlock()
		d.logger.Debug("Event rejected after termination", logging.Fields{"kind": ev.Kind, "phase": phase})
		return metrics.OutcomeRejected, fmt.Errorf("%w: %s event after job %s", ErrTerminal, ev.Kind, phase)
	}

	if ev.ID != "" {
		if _, seen := d.applied[ev.ID]; seen {
			d.mu.Unlock()
			d.logger.Debug("Duplicate event ignored", logging.Fields{"kind": ev.Kind, "event_id": ev.ID})
			return metrics.OutcomeDuplicate, nil
		}
	}

	h, ok := d.handlers[ev.Kind]
	if !ok {
		d.mu.Unlock()
		return metrics.OutcomeUnbound, nil
	}

	if err := invoke(ctx, h, d.state, ev); err != nil {
		derr := &DispatchError{Kind: ev.Kind, EventID: ev.ID, Err: err}
		d.state.Fail(derr)
		d.touchLocked(ev)
		d.publishLocked()
		d.mu.Unlock()
		defer d.closeDone()

		d.logger.Error("Handler failed, job marked failed", logging.Fields{
			"kind":     ev.Kind,
			"event_id": ev.ID,
			"error":    err.Error(),
		})
		if d.stopper != nil {
			d.stopper.Shutdown(derr)
		}
		return metrics.OutcomeFailed, derr
	}

	d.touchLocked(ev)
	d.publishLocked()
	phase := d.state.Phase
	d.mu.Unlock()
	if models.IsTerminalPhase(phase) {
		d.closeDone()
	}

	d.logger.Debug("Event handled", logging.Fields{"kind": ev.Kind, "event_id": ev.ID, "phase": phase})
	return metrics.OutcomeHandled, nil
}

// invoke runs h, turning a panic into an error
func invoke(ctx context.Context, h Handler, st *models.JobState, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, st, ev)
}

func (d *Dispatcher) touchLocked(ev models.Event) {
	d.state.EventsApplied++
	d.state.LastEventKind = ev.Kind
	d.state.LastEventAt = ev.Time
	if ev.ID == "" {
		return
	}
	d.applied[ev.ID] = struct{}{}
	d.order = append(d.order, ev.ID)
	if len(d.order) > maxTrackedEvents {
		delete(d.applied, d.order[0])
		d.order = d.order[1:]
	}
}

// publishLocked refreshes the shared snapshot. Callers hold mu.
func (d *Dispatcher) publishLocked() {
	snap := d.state.Snapshot()
	d.snapshot.Store(&snap)
	d.metrics.SetState(snap)
}

// closeDone releases Done waiters. It runs after the lock is dropped and,
// on handler failure, after the stop request.
func (d *Dispatcher) closeDone() {
	d.doneOnce.Do(func() { close(d.done) })
}

// Snapshot returns the most recently published state. The returned value
// shares nothing with the live JobState; treat it as read-only.
func (d *Dispatcher) Snapshot() models.Snapshot {
	return *d.snapshot.Load()
}

// Phase returns the current phase
func (d *Dispatcher) Phase() models.Phase {
	return d.snapshot.Load().Phase
}

// Done is closed once the job reaches Stopped or Failed
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// RequestStop moves a live job to Stopping. The runtime is expected to
// follow up with a DriverStopped event.
func (d *Dispatcher) RequestStop(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if models.IsTerminalPhase(d.state.Phase) {
		return ErrTerminal
	}
	if err := d.state.SetPhase(models.PhaseStopping); err != nil {
		return err
	}
	d.publishLocked()
	d.logger.Info("Stop requested", logging.Fields{"reason": reason})
	return nil
}

// Fail marks the job failed from outside any handler, e.g. on a launcher
// timeout
func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	if models.IsTerminalPhase(d.state.Phase) {
		d.mu.Unlock()
		return
	}
	d.state.Fail(err)
	d.publishLocked()
	d.mu.Unlock()
	d.closeDone()
}

// SubmitCommand records an operator command in the message log. The check
// against the terminal phase and the append happen under one lock, so a
// command is either recorded or rejected, never both.
func (d *Dispatcher) SubmitCommand(payload string) (models.MessageRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if models.IsTerminalPhase(d.state.Phase) {
		return models.MessageRecord{}, fmt.Errorf("%w: job %s", ErrTerminal, d.state.Phase)
	}
	now := time.Now()
	rec := models.MessageRecord{
		ID:         uuid.NewString(),
		Payload:    payload,
		Status:     models.CommandAccepted,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	d.state.AppendMessage(rec)
	d.publishLocked()
	return rec, nil
}

// UpdateCommand applies fn to a recorded command. Updates after the job
// has terminated are dropped.
func (d *Dispatcher) UpdateCommand(id string, fn func(*models.MessageRecord)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if models.IsTerminalPhase(d.state.Phase) {
		return false
	}
	if !d.state.UpdateMessage(id, fn) {
		return false
	}
	d.publishLocked()
	return true
}
