// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generation

import "fmt"

// =============================================================================
// GENERATION STATE
// =============================================================================

// State is the lifecycle state of the generation engine.
type State int

const (
	// StateIdle means no generation is running.
	StateIdle State = iota

	// StateGenerating means a request is in flight and chunks may arrive.
	StateGenerating

	// StateCompleted means the last generation finished normally.
	StateCompleted

	// StateAborted means the last generation was stopped by the user.
	StateAborted

	// StateFailed means the last generation ended in an error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a generation.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// validTransitions is the single authority on state changes. All transitions
// go through Orchestrator.setState; nothing mutates state directly.
var validTransitions = map[State][]State{
	StateIdle:       {StateGenerating},
	StateGenerating: {StateCompleted, StateAborted, StateFailed},
	StateCompleted:  {StateIdle},
	StateAborted:    {StateIdle},
	StateFailed:     {StateIdle},
}

// canTransition reports whether from -> to is a legal state change.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a rejected state change.
type InvalidTransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid generation state transition: %s -> %s", e.From, e.To)
}
