//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the single unit of information flowing through a graph.
// Messages are value-immutable: every mutator returns a new message and
// leaves the receiver untouched, so messages can be shared freely across
// goroutines.
//
// The current State always equals the To field of the last recorded
// transition, and successive history entries chain: entry.To equals the
// next entry's From.
type Message struct {
	ID            string            `json:"id"`
	Content       string            `json:"content,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Sender        string            `json:"sender,omitempty"`
	ToolCalls     []ToolCall        `json:"toolCalls,omitempty"`
	State         ExecutionState    `json:"state"`
	StateHistory  []StateTransition `json:"stateHistory,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	RunID         string            `json:"runId,omitempty"`
	GraphID       string            `json:"graphId,omitempty"`
	NodeID        string            `json:"nodeId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Option configures a new message.
type Option func(*Message)

// WithID sets an explicit message id instead of a generated one.
func WithID(id string) Option {
	return func(m *Message) {
		m.ID = id
	}
}

// WithSender sets the sender identifier.
func WithSender(sender string) Option {
	return func(m *Message) {
		m.Sender = sender
	}
}

// WithMetadata sets the initial metadata mapping.
func WithMetadata(metadata map[string]any) Option {
	return func(m *Message) {
		m.Metadata = copyAnyMap(metadata)
	}
}

// WithState sets the initial execution state. The default is StatePending.
func WithState(state ExecutionState) Option {
	return func(m *Message) {
		m.State = state
	}
}

// WithCorrelationID sets the correlation identifier.
func WithCorrelationID(id string) Option {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithRunID sets the run identifier.
func WithRunID(id string) Option {
	return func(m *Message) {
		m.RunID = id
	}
}

// WithGraphID sets the graph identifier.
func WithGraphID(id string) Option {
	return func(m *Message) {
		m.GraphID = id
	}
}

// New creates a message with the given content. A fresh message carries a
// generated id, StatePending and an empty state history; the transition
// table applies from the first Transition call.
func New(content string, opts ...Option) Message {
	m := Message{
		ID:        uuid.NewString(),
		Content:   content,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Transition returns a copy of the message moved to the target state with
// the transition appended to the state history. It fails with
// ErrIllegalTransition if the transition table does not permit the move.
func (m Message) Transition(target ExecutionState, reason, nodeID string) (Message, error) {
	if !m.State.CanTransitionTo(target) {
		return Message{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.State, target)
	}
	next := m.clone()
	next.StateHistory = append(next.StateHistory, StateTransition{
		From:      m.State,
		To:        target,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		NodeID:    nodeID,
	})
	next.State = target
	if nodeID != "" {
		next.NodeID = nodeID
	}
	return next, nil
}

// WithContent returns a copy of the message carrying the given content.
func (m Message) WithContent(content string) Message {
	next := m.clone()
	next.Content = content
	return next
}

// MergeMetadata returns a copy of the message with updates merged into its
// metadata. Existing keys are overwritten.
func (m Message) MergeMetadata(updates map[string]any) Message {
	next := m.clone()
	if next.Metadata == nil {
		next.Metadata = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		next.Metadata[k] = v
	}
	return next
}

// WithToolCalls returns a copy of the message carrying exactly the given
// pending tool calls.
func (m Message) WithToolCalls(calls ...ToolCall) Message {
	next := m.clone()
	next.ToolCalls = make([]ToolCall, len(calls))
	copy(next.ToolCalls, calls)
	return next
}

// ClearToolCalls returns a copy of the message with no pending tool calls.
func (m Message) ClearToolCalls() Message {
	next := m.clone()
	next.ToolCalls = nil
	return next
}

// WithIdentity returns a copy of the message tagged with run and graph ids.
func (m Message) WithIdentity(runID, graphID string) Message {
	next := m.clone()
	next.RunID = runID
	next.GraphID = graphID
	return next
}

// PendingHITLCalls returns the pending tool calls that pause execution for
// a human, in declaration order.
func (m Message) PendingHITLCalls() []ToolCall {
	var calls []ToolCall
	for _, tc := range m.ToolCalls {
		if tc.IsHITL() {
			calls = append(calls, tc)
		}
	}
	return calls
}

// LastTransition returns the most recent state transition and true, or the
// zero transition and false for a fresh message.
func (m Message) LastTransition() (StateTransition, bool) {
	if len(m.StateHistory) == 0 {
		return StateTransition{}, false
	}
	return m.StateHistory[len(m.StateHistory)-1], true
}

// clone returns a deep copy of the message so mutators never alias the
// receiver's maps or slices.
func (m Message) clone() Message {
	next := m
	next.Metadata = copyAnyMap(m.Metadata)
	if m.ToolCalls != nil {
		next.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(next.ToolCalls, m.ToolCalls)
	}
	if m.StateHistory != nil {
		next.StateHistory = make([]StateTransition, len(m.StateHistory))
		copy(next.StateHistory, m.StateHistory)
	}
	return next
}

func copyAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
