package driver

import (
	"context"
	"errors"

	"github.com/psantana5/jobdriver/pkg/models"
)

// State tracking handlers. Each keeps JobState in line with one event kind
// and is safe to run twice for the same event.

var errMissingID = errors.New("event is missing the identifier for its kind")

// TrackDriverStarted moves the job to Running. A stop requested before the
// driver came up keeps the job Stopping.
var TrackDriverStarted = HandlerFunc(func(_ context.Context, st *models.JobState, _ models.Event) error {
	if st.Phase == models.PhaseStopping {
		return nil
	}
	return st.SetPhase(models.PhaseRunning)
})

// TrackDriverStopped moves the job to Stopped
var TrackDriverStopped = HandlerFunc(func(_ context.Context, st *models.JobState, _ models.Event) error {
	return st.SetPhase(models.PhaseStopped)
})

// TrackEvaluatorAllocated records the new evaluator
var TrackEvaluatorAllocated = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.EvaluatorID == "" {
		return errMissingID
	}
	info := models.EvaluatorInfo{ID: ev.EvaluatorID, AllocatedAt: ev.Time}
	if ev.Evaluator != nil {
		info.Host = ev.Evaluator.Host
		info.Cores = ev.Evaluator.Cores
		info.MemoryBytes = ev.Evaluator.MemoryBytes
	}
	st.AddEvaluator(info)
	return nil
})

// TrackEvaluatorFailed drops the evaluator and its contexts
var TrackEvaluatorFailed = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.EvaluatorID == "" {
		return errMissingID
	}
	st.FailEvaluator(ev.EvaluatorID, ev.Err)
	return nil
})

// TrackContextActive records the context on its evaluator
var TrackContextActive = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.ContextID == "" {
		return errMissingID
	}
	st.AddContext(ev.ContextID, ev.EvaluatorID)
	return nil
})

// TrackContextClosed drops the context
var TrackContextClosed = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.ContextID == "" {
		return errMissingID
	}
	st.CloseContext(ev.ContextID)
	return nil
})

// TrackContextFailed drops the context and records the cause
var TrackContextFailed = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.ContextID == "" {
		return errMissingID
	}
	st.FailContext(ev.ContextID, ev.Err)
	return nil
})

// TrackTaskRunning records the running task
var TrackTaskRunning = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.TaskID == "" {
		return errMissingID
	}
	st.StartTask(ev.TaskID, ev.ContextID)
	return nil
})

// TrackTaskCompleted moves the task to completed
var TrackTaskCompleted = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	if ev.TaskID == "" {
		return errMissingID
	}
	st.CompleteTask(ev.TaskID)
	return nil
})

// TrackClientMessage marks a logged command as delivered. Messages that did
// not come through the bridge have no log entry and are left alone.
var TrackClientMessage = HandlerFunc(func(_ context.Context, st *models.JobState, ev models.Event) error {
	st.UpdateMessage(ev.ID, func(r *models.MessageRecord) {
		if r.Status == models.CommandAccepted {
			r.Status = models.CommandDispatched
		}
	})
	return nil
})

// StateBindings binds a state tracking handler to every event kind
func StateBindings() *Bindings {
	return NewBindings().
		Set(models.EventDriverStarted, TrackDriverStarted).
		Set(models.EventDriverStopped, TrackDriverStopped).
		Set(models.EventEvaluatorAllocated, TrackEvaluatorAllocated).
		Set(models.EventEvaluatorFailed, TrackEvaluatorFailed).
		Set(models.EventContextActive, TrackContextActive).
		Set(models.EventContextClosed, TrackContextClosed).
		Set(models.EventContextFailed, TrackContextFailed).
		Set(models.EventTaskRunning, TrackTaskRunning).
		Set(models.EventTaskCompleted, TrackTaskCompleted).
		Set(models.EventClientMessage, TrackClientMessage)
}
