package driver

import (
	"errors"
	"fmt"

	"github.com/psantana5/jobdriver/pkg/models"
)

var (
	// ErrTerminal is returned for any dispatch or command after the job has
	// stopped or failed
	ErrTerminal = errors.New("job is in a terminal phase")

	// ErrHandlerFailed matches every DispatchError via errors.Is
	ErrHandlerFailed = errors.New("event handler failed")
)

// ConfigurationError reports an invalid handler binding or startup option.
// The process refuses to start when one is returned.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// DispatchError wraps the failure of a bound handler
type DispatchError struct {
	Kind    models.EventKind
	EventID string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s handler failed for event %s: %v", e.Kind, e.EventID, e.Err)
	}
	return fmt.Sprintf("%s handler failed: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrHandlerFailed }
