package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/jobdriver/pkg/driver"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
)

// ErrShutdown is returned by requests made after Shutdown
var ErrShutdown = errors.New("runtime is shut down")

// LocalConfig for the in-process runtime
type LocalConfig struct {
	// Threads bounds how many events are delivered concurrently
	Threads int
	// TaskDuration is how long a simulated task runs
	TaskDuration time.Duration
}

// Local simulates evaluators, contexts and tasks with goroutines on the
// driver host. It never launches processes.
type Local struct {
	config LocalConfig
	sink   EventSink
	logger *logging.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	contexts map[string]string // context id -> evaluator id
	stopping bool
	reason   error
	quit     chan struct{}
	stopped  chan struct{}

	descOnce sync.Once
	desc     models.EvaluatorDescriptor
}

// NewLocal creates a local runtime delivering events to sink
func NewLocal(config LocalConfig, sink EventSink, logger *logging.Logger) *Local {
	if config.Threads <= 0 {
		config.Threads = 3
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Local{
		config:   config,
		sink:     sink,
		logger:   logger.WithField("component", "runtime"),
		slots:    make(chan struct{}, config.Threads),
		contexts: make(map[string]string),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start announces the driver
func (l *Local) Start(ctx context.Context) {
	l.logger.Info("Local runtime starting", logging.Fields{"threads": l.config.Threads})
	l.schedule(ctx, func(ctx context.Context) {
		l.emit(ctx, models.Event{Kind: models.EventDriverStarted})
	})
}

// RequestEvaluators allocates n evaluators describing this host
func (l *Local) RequestEvaluators(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("evaluator count must be positive, got %d", n)
	}
	if l.isStopping() {
		return ErrShutdown
	}
	for i := 0; i < n; i++ {
		l.schedule(ctx, func(ctx context.Context) {
			desc := l.descriptor()
			l.emit(ctx, models.Event{
				Kind:        models.EventEvaluatorAllocated,
				EvaluatorID: "evaluator-" + uuid.NewString()[:8],
				Evaluator:   &desc,
			})
		})
	}
	return nil
}

// SubmitTask activates contextID on evaluatorID and runs taskID in it
func (l *Local) SubmitTask(ctx context.Context, evaluatorID, contextID, taskID string) error {
	if evaluatorID == "" || contextID == "" || taskID == "" {
		return errors.New("evaluator, context and task ids are required")
	}
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return ErrShutdown
	}
	l.contexts[contextID] = evaluatorID
	l.mu.Unlock()

	l.schedule(ctx, func(ctx context.Context) {
		base := models.Event{EvaluatorID: evaluatorID, ContextID: contextID}

		active := base
		active.Kind = models.EventContextActive
		if !l.emit(ctx, active) {
			return
		}
		running := base
		running.Kind = models.EventTaskRunning
		running.TaskID = taskID
		if !l.emit(ctx, running) {
			return
		}

		if l.config.TaskDuration > 0 {
			timer := time.NewTimer(l.config.TaskDuration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-l.quit:
				return
			}
		}

		completed := running
		completed.Kind = models.EventTaskCompleted
		l.emit(ctx, completed)
	})
	return nil
}

// CloseContext closes an active context
func (l *Local) CloseContext(ctx context.Context, contextID string) error {
	l.mu.Lock()
	evaluatorID, ok := l.contexts[contextID]
	delete(l.contexts, contextID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown context %s", contextID)
	}

	l.schedule(ctx, func(ctx context.Context) {
		l.emit(ctx, models.Event{Kind: models.EventContextClosed, EvaluatorID: evaluatorID, ContextID: contextID})
	})
	return nil
}

// Shutdown stops the driver. Only the first call has any effect.
func (l *Local) Shutdown(reason error) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	l.reason = reason
	close(l.quit)
	l.mu.Unlock()

	if reason != nil {
		l.logger.Warn("Runtime shutting down after failure", logging.Fields{"reason": reason.Error()})
	} else {
		l.logger.Info("Runtime shutting down")
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.stopped)
		l.emit(context.Background(), models.Event{Kind: models.EventDriverStopped, Err: errString(reason)})
	}()
}

// Stopped is closed once DriverStopped has been delivered
func (l *Local) Stopped() <-chan struct{} {
	return l.stopped
}

// Reason returns the error Shutdown was called with
func (l *Local) Reason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Wait blocks until every scheduled delivery has finished or ctx expires
func (l *Local) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) isStopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// schedule runs fn on one of the runtime's threads without blocking the
// caller
func (l *Local) schedule(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.slots <- struct{}{}
		defer func() { <-l.slots }()
		fn(ctx)
	}()
}

// emit delivers ev and reports whether the job is still accepting events
func (l *Local) emit(ctx context.Context, ev models.Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Time = time.Now()
	err := l.sink.Dispatch(ctx, ev)
	switch {
	case err == nil:
		return true
	case errors.Is(err, driver.ErrTerminal):
		l.logger.Debug("Event dropped, job already finished", logging.Fields{"kind": ev.Kind})
		return false
	default:
		l.logger.Error("Event delivery failed", logging.Fields{"kind": ev.Kind, "error": err.Error()})
		return false
	}
}

// descriptor describes the host the local evaluators run on
func (l *Local) descriptor() models.EvaluatorDescriptor {
	l.descOnce.Do(func() {
		host, _ := os.Hostname()
		l.desc.Host = host
		if n, err := cpu.Counts(true); err == nil {
			l.desc.Cores = n
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			l.desc.MemoryBytes = vm.Total
		}
	})
	return l.desc
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
