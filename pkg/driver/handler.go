package driver

import (
	"context"

	"github.com/psantana5/jobdriver/pkg/models"
)

// Handler reacts to one lifecycle event. It runs while the dispatcher holds
// the job lock, so it may mutate st freely but must not block: anything slow
// belongs on a worker reached through the client message path.
//
// Runtimes may redeliver an event, so handlers must tolerate seeing the same
// event twice.
type Handler interface {
	Handle(ctx context.Context, st *models.JobState, ev models.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, st *models.JobState, ev models.Event) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, st *models.JobState, ev models.Event) error {
	return f(ctx, st, ev)
}

// Chain runs handlers in order and stops at the first error
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, st *models.JobState, ev models.Event) error {
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if err := h.Handle(ctx, st, ev); err != nil {
				return err
			}
		}
		return nil
	})
}
