// Package hello is the "hello" job: one context and one task per evaluator,
// plus an operator shell reached through client messages.
package hello

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/jobdriver/pkg/driver"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
	"github.com/psantana5/jobdriver/pkg/runtime"
)

// ErrShellDisabled marks commands received while no shell worker is
// configured
var ErrShellDisabled = errors.New("shell commands are disabled")

// CommandRunner executes operator commands off the dispatch path
type CommandRunner interface {
	Enqueue(id, command string) error
}

// Config for the hello job
type Config struct {
	Evaluators int
}

// Driver holds the application handlers. Its fields are only touched from
// handlers, which the dispatcher serialises.
type Driver struct {
	runtime runtime.Runtime
	shell   CommandRunner
	logger  *logging.Logger
	config  Config

	pending    int               // evaluators requested but not yet allocated
	evaluators map[string]bool   // evaluators allocated to this job
	open       map[string]string // submitted context id -> evaluator id
	seq        int
}

// New creates the hello driver. shell may be nil.
func New(rt runtime.Runtime, shell CommandRunner, config Config, logger *logging.Logger) *Driver {
	if config.Evaluators <= 0 {
		config.Evaluators = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{
		runtime:    rt,
		shell:      shell,
		logger:     logger.WithField("component", "hello"),
		config:     config,
		evaluators: make(map[string]bool),
		open:       make(map[string]string),
	}
}

// Bindings returns the application handler set
func (h *Driver) Bindings() *driver.Bindings {
	return driver.NewBindings().
		SetFunc(models.EventDriverStarted, h.onStart).
		SetFunc(models.EventEvaluatorAllocated, h.onEvaluatorAllocated).
		SetFunc(models.EventEvaluatorFailed, h.onEvaluatorFailed).
		SetFunc(models.EventContextActive, h.onContextActive).
		SetFunc(models.EventContextClosed, h.onContextDone).
		SetFunc(models.EventContextFailed, h.onContextDone).
		SetFunc(models.EventTaskCompleted, h.onTaskCompleted).
		SetFunc(models.EventClientMessage, h.onClientMessage).
		SetFunc(models.EventDriverStopped, h.onStop).
		Require(models.EventDriverStarted, models.EventDriverStopped)
}

// JobBindings composes state tracking with the application handlers.
// Both sets bind driver start; state tracking runs first so application
// handlers see the updated JobState.
func JobBindings(h *Driver) *driver.Bindings {
	return driver.Compose(driver.StateBindings(), h.Bindings())
}

func (h *Driver) onStart(ctx context.Context, st *models.JobState, _ models.Event) error {
	if st.Phase == models.PhaseStopping {
		h.logger.Info("Driver started after a stop request, no evaluators requested")
		return nil
	}
	h.logger.Info("Driver started, requesting evaluators", logging.Fields{"count": h.config.Evaluators})
	h.pending = h.config.Evaluators
	err := h.runtime.RequestEvaluators(ctx, h.config.Evaluators)
	if errors.Is(err, runtime.ErrShutdown) {
		h.pending = 0
		h.logger.Info("Runtime already shutting down, no evaluators requested")
		return nil
	}
	return err
}

func (h *Driver) onEvaluatorAllocated(ctx context.Context, st *models.JobState, ev models.Event) error {
	if h.pending > 0 {
		h.pending--
	}
	h.evaluators[ev.EvaluatorID] = true
	if models.IsTerminalPhase(st.Phase) || st.Phase == models.PhaseStopping {
		h.logger.Info("Evaluator allocated while stopping, not used", logging.Fields{"evaluator_id": ev.EvaluatorID})
		return nil
	}

	h.seq++
	contextID := fmt.Sprintf("hello-context-%d", h.seq)
	taskID := fmt.Sprintf("hello-task-%d", h.seq)
	h.open[contextID] = ev.EvaluatorID

	h.logger.Info("Submitting task", logging.Fields{
		"evaluator_id": ev.EvaluatorID,
		"context_id":   contextID,
		"task_id":      taskID,
	})
	err := h.runtime.SubmitTask(ctx, ev.EvaluatorID, contextID, taskID)
	if errors.Is(err, runtime.ErrShutdown) {
		delete(h.open, contextID)
		h.logger.Info("Runtime shutting down, task not submitted", logging.Fields{"task_id": taskID})
		return nil
	}
	return err
}

func (h *Driver) onEvaluatorFailed(_ context.Context, st *models.JobState, ev models.Event) error {
	h.logger.Warn("Evaluator failed", logging.Fields{"evaluator_id": ev.EvaluatorID, "error": ev.Err})
	if !h.evaluators[ev.EvaluatorID] && h.pending > 0 {
		h.pending--
	}
	delete(h.evaluators, ev.EvaluatorID)
	for contextID, evaluatorID := range h.open {
		if evaluatorID == ev.EvaluatorID {
			delete(h.open, contextID)
		}
	}
	h.stopIfIdle(st)
	return nil
}

func (h *Driver) onContextActive(_ context.Context, _ *models.JobState, ev models.Event) error {
	h.logger.Debug("Context active", logging.Fields{"context_id": ev.ContextID, "evaluator_id": ev.EvaluatorID})
	return nil
}

func (h *Driver) onTaskCompleted(ctx context.Context, _ *models.JobState, ev models.Event) error {
	h.logger.Info("Task completed", logging.Fields{"task_id": ev.TaskID, "context_id": ev.ContextID})
	if _, ok := h.open[ev.ContextID]; !ok {
		return nil
	}
	return h.runtime.CloseContext(ctx, ev.ContextID)
}

func (h *Driver) onContextDone(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.Kind == models.EventContextFailed {
		h.logger.Warn("Context failed", logging.Fields{"context_id": ev.ContextID, "error": ev.Err})
	}
	delete(h.open, ev.ContextID)
	h.stopIfIdle(st)
	return nil
}

// stopIfIdle ends the job once nothing is allocated or running
func (h *Driver) stopIfIdle(st *models.JobState) {
	if h.pending > 0 || len(h.open) > 0 || len(st.RunningTasks) > 0 {
		return
	}
	if st.Phase != models.PhaseRunning {
		return
	}
	if err := st.SetPhase(models.PhaseStopping); err != nil {
		h.logger.Warn("Cannot move to stopping", logging.Fields{"error": err.Error()})
		return
	}
	h.logger.Info("No work remaining, shutting down")
	h.runtime.Shutdown(nil)
}

func (h *Driver) onClientMessage(_ context.Context, st *models.JobState, ev models.Event) error {
	command := strings.TrimSpace(string(ev.Message))
	if command == "" {
		return nil
	}

	var err error
	if h.shell == nil {
		err = ErrShellDisabled
	} else {
		err = h.shell.Enqueue(ev.ID, command)
	}
	if err != nil {
		h.logger.Warn("Command not executed", logging.Fields{"command_id": ev.ID, "error": err.Error()})
		st.UpdateMessage(ev.ID, func(r *models.MessageRecord) {
			r.Status = models.CommandRejected
			r.Error = err.Error()
			r.UpdatedAt = time.Now()
		})
		return nil
	}
	h.logger.Debug("Command queued", logging.Fields{"command_id": ev.ID})
	return nil
}

func (h *Driver) onStop(_ context.Context, st *models.JobState, _ models.Event) error {
	h.logger.Info("Driver stopped", logging.Fields{
		"completed_tasks": len(st.CompletedTasks),
		"events":          st.EventsApplied,
	})
	return nil
}
