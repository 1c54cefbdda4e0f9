package runtime

import (
	"context"

	"github.com/psantana5/jobdriver/pkg/models"
)

// Runtime is the cluster side of the driver. Handlers call it while the
// dispatcher lock is held, so every method must return without waiting on
// a dispatch.
type Runtime interface {
	RequestEvaluators(ctx context.Context, n int) error
	SubmitTask(ctx context.Context, evaluatorID, contextID, taskID string) error
	CloseContext(ctx context.Context, contextID string) error
	// Shutdown ends the job. A nil reason is a normal stop.
	Shutdown(reason error)
}

// EventSink receives lifecycle events from a runtime
type EventSink interface {
	Dispatch(ctx context.Context, ev models.Event) error
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(ctx context.Context, ev models.Event) error

// Dispatch calls f
func (f SinkFunc) Dispatch(ctx context.Context, ev models.Event) error { return f(ctx, ev) }
