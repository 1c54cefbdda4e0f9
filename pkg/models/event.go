package models

import (
	"fmt"
	"time"
)

// EventKind identifies a driver lifecycle event
type EventKind string

const (
	EventDriverStarted      EventKind = "driver_started"
	EventDriverStopped      EventKind = "driver_stopped"
	EventEvaluatorAllocated EventKind = "evaluator_allocated"
	EventEvaluatorFailed    EventKind = "evaluator_failed"
	EventContextActive      EventKind = "context_active"
	EventContextClosed      EventKind = "context_closed"
	EventContextFailed      EventKind = "context_failed"
	EventTaskRunning        EventKind = "task_running"
	EventTaskCompleted      EventKind = "task_completed"
	EventClientMessage      EventKind = "client_message"
)

// EventKinds lists every kind in lifecycle order
var EventKinds = []EventKind{
	EventDriverStarted,
	EventEvaluatorAllocated,
	EventEvaluatorFailed,
	EventContextActive,
	EventContextClosed,
	EventContextFailed,
	EventTaskRunning,
	EventTaskCompleted,
	EventClientMessage,
	EventDriverStopped,
}

// Valid reports whether k is one of the known kinds
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k EventKind) String() string {
	return string(k)
}

// ParseEventKind converts a name into an EventKind
func ParseEventKind(name string) (EventKind, error) {
	k := EventKind(name)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind: %q", name)
	}
	return k, nil
}

// Event is one lifecycle transition delivered by the runtime.
// Only the identifiers relevant to Kind are populated.
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	EvaluatorID string    `json:"evaluator_id,omitempty"`
	ContextID   string    `json:"context_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Message     []byte    `json:"message,omitempty"`
	Err         string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`

	// Evaluator is set on EventEvaluatorAllocated
	Evaluator *EvaluatorDescriptor `json:"evaluator,omitempty"`
}

// EvaluatorDescriptor describes the resources behind an allocated evaluator
type EvaluatorDescriptor struct {
	Host        string `json:"host"`
	Cores       int    `json:"cores"`
	MemoryBytes uint64 `json:"memory_bytes"`
}
