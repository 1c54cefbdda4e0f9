package models

import "fmt"

// Phase is the lifecycle phase of the driver job
type Phase string

const (
	PhaseStarting Phase = "starting" // Created, driver start not yet handled
	PhaseRunning  Phase = "running"  // Driver started, work in progress
	PhaseStopping Phase = "stopping" // Stop requested, waiting for driver stop
	PhaseStopped  Phase = "stopped"  // Driver stopped normally
	PhaseFailed   Phase = "failed"   // A handler failed
)

// validPhaseTransitions maps from-phase to allowed to-phases
var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseStarting: {
		PhaseRunning:  true,
		PhaseStopping: true,
		PhaseStopped:  true,
		PhaseFailed:   true,
	},
	PhaseRunning: {
		PhaseStopping: true,
		PhaseStopped:  true,
		PhaseFailed:   true,
	},
	PhaseStopping: {
		PhaseStopped: true,
		PhaseFailed:  true,
	},
	// Terminal phases
	PhaseStopped: {},
	PhaseFailed:  {},
}

// ValidatePhaseTransition checks if a phase transition is valid
func ValidatePhaseTransition(from, to Phase) error {
	allowed, exists := validPhaseTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source phase: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalPhase returns true if no further dispatch is permitted
func IsTerminalPhase(p Phase) bool {
	return p == PhaseStopped || p == PhaseFailed
}
