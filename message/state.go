//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package message defines the canonical unit of information flowing through a
// workflow graph, together with the execution state machine that governs it.
package message

import (
	"errors"
	"time"
)

// ExecutionState represents the lifecycle state of a message inside a graph run.
type ExecutionState string

// Execution state constants.
const (
	StatePending     ExecutionState = "pending"
	StateRunning     ExecutionState = "running"
	StateWaitingHitl ExecutionState = "waiting_hitl"
	StateSuspended   ExecutionState = "suspended"
	StateCompleted   ExecutionState = "completed"
	StateFailed      ExecutionState = "failed"
	StateCancelled   ExecutionState = "cancelled"
)

// ErrIllegalTransition is returned when a requested state transition is not
// permitted by the transition table.
var ErrIllegalTransition = errors.New("illegal state transition")

// String returns the string representation of the execution state.
func (s ExecutionState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions fixes the allowed successors of each state.
var legalTransitions = map[ExecutionState][]ExecutionState{
	StatePending:     {StateRunning, StateCancelled},
	StateRunning:     {StateWaitingHitl, StateSuspended, StateCompleted, StateFailed, StateCancelled},
	StateWaitingHitl: {StateRunning, StateCancelled, StateFailed},
	StateSuspended:   {StateRunning, StateCancelled},
	StateCompleted:   nil,
	StateFailed:      nil,
	StateCancelled:   nil,
}

// CanTransitionTo reports whether the transition s -> target is legal.
func (s ExecutionState) CanTransitionTo(target ExecutionState) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Successors returns the states reachable from s in one legal transition.
func (s ExecutionState) Successors() []ExecutionState {
	allowed := legalTransitions[s]
	out := make([]ExecutionState, len(allowed))
	copy(out, allowed)
	return out
}

// States returns every known execution state.
func States() []ExecutionState {
	return []ExecutionState{
		StatePending,
		StateRunning,
		StateWaitingHitl,
		StateSuspended,
		StateCompleted,
		StateFailed,
		StateCancelled,
	}
}

// StateTransition records one move of a message through the state machine.
// The history formed by successive transitions is append-only and chained:
// each entry's From equals the previous entry's To.
type StateTransition struct {
	From      ExecutionState `json:"from"`
	To        ExecutionState `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
}
