//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package event

import "time"

// SchemaVersionV1 is the schema version the current process speaks for all
// built-in event types.
const SchemaVersionV1 = "1.0.0"

// Fully-qualified event type names for the built-in lifecycle events.
const (
	// EventTypeGraphStarted marks the start of a graph run.
	EventTypeGraphStarted = "spice.graph.started"
	// EventTypeGraphCompleted marks a run reaching the Completed state.
	EventTypeGraphCompleted = "spice.graph.completed"
	// EventTypeGraphFailed marks a run reaching the Failed state.
	EventTypeGraphFailed = "spice.graph.failed"
	// EventTypeGraphCancelled marks a run reaching the Cancelled state.
	EventTypeGraphCancelled = "spice.graph.cancelled"
	// EventTypeGraphPaused marks a run parking on a HITL tool call.
	EventTypeGraphPaused = "spice.graph.paused"
	// EventTypeGraphResumed marks a paused run continuing after a response.
	EventTypeGraphResumed = "spice.graph.resumed"

	// EventTypeNodeStarted marks a node entering the middleware chain.
	EventTypeNodeStarted = "spice.node.started"
	// EventTypeNodeCompleted marks a node returning a result.
	EventTypeNodeCompleted = "spice.node.completed"
	// EventTypeNodeFailed marks a node returning an error.
	EventTypeNodeFailed = "spice.node.failed"

	// EventTypeToolCallEmitted marks a tool call published for fulfillment.
	EventTypeToolCallEmitted = "spice.toolcall.emitted"
	// EventTypeToolCallCompleted marks a tool call fulfilled.
	EventTypeToolCallCompleted = "spice.toolcall.completed"

	// EventTypeHitlRequest is the enriched human-in-the-loop request.
	EventTypeHitlRequest = "spice.hitl.request"

	// EventTypeDeadLetter wraps an envelope that could not be decoded.
	EventTypeDeadLetter = "spice.deadletter"
)

// GraphLifecycle is the payload of graph lifecycle events.
type GraphLifecycle struct {
	RunID      string    `json:"runId"`
	GraphID    string    `json:"graphId"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	NodeCount  int       `json:"nodeCount,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Node lifecycle phases.
const (
	NodePhaseStarted   = "started"
	NodePhaseCompleted = "completed"
	NodePhaseFailed    = "failed"
)

// NodeLifecycle is the payload of node lifecycle events.
type NodeLifecycle struct {
	RunID      string         `json:"runId"`
	GraphID    string         `json:"graphId"`
	NodeID     string         `json:"nodeId"`
	Phase      string         `json:"phase"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToolCallEvent is the payload of tool-call lifecycle events. Emitted
// events carry the request side (prompt, options); completed events carry
// the response.
type ToolCallEvent struct {
	ToolCallID   string         `json:"toolCallId"`
	RunID        string         `json:"runId"`
	GraphID      string         `json:"graphId"`
	NodeID       string         `json:"nodeId"`
	Name         string         `json:"name,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Options      []string       `json:"options,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	Response     map[string]any `json:"response,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// HitlRequest is the enriched human-in-the-loop request published by the
// coordinator for external delivery systems.
type HitlRequest struct {
	ToolCallID   string         `json:"toolCallId"`
	RunID        string         `json:"runId"`
	GraphID      string         `json:"graphId"`
	NodeID       string         `json:"nodeId"`
	Prompt       string         `json:"prompt"`
	Kind         string         `json:"kind"`
	Options      []string       `json:"options,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DeadLetter wraps an envelope that a consumer could not decode. The raw
// payload is preserved so operators can replay it after fixing the cause.
type DeadLetter struct {
	ErrorCode     string    `json:"errorCode"`
	Reason        string    `json:"reason,omitempty"`
	SourceChannel string    `json:"sourceChannel"`
	EventID       string    `json:"eventId,omitempty"`
	EventType     string    `json:"eventType,omitempty"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	RawPayload    []byte    `json:"rawPayload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RegisterDefaults populates a registry with every built-in event type at
// SchemaVersionV1.
func RegisterDefaults(r *Registry) error {
	defaults := []struct {
		eventType string
		prototype func() any
	}{
		{EventTypeGraphStarted, func() any { return new(GraphLifecycle) }},
		{EventTypeGraphCompleted, func() any { return new(GraphLifecycle) }},
		{EventTypeGraphFailed, func() any { return new(GraphLifecycle) }},
		{EventTypeGraphCancelled, func() any { return new(GraphLifecycle) }},
		{EventTypeGraphPaused, func() any { return new(GraphLifecycle) }},
		{EventTypeGraphResumed, func() any { return new(GraphLifecycle) }},
		{EventTypeNodeStarted, func() any { return new(NodeLifecycle) }},
		{EventTypeNodeCompleted, func() any { return new(NodeLifecycle) }},
		{EventTypeNodeFailed, func() any { return new(NodeLifecycle) }},
		{EventTypeToolCallEmitted, func() any { return new(ToolCallEvent) }},
		{EventTypeToolCallCompleted, func() any { return new(ToolCallEvent) }},
		{EventTypeHitlRequest, func() any { return new(HitlRequest) }},
		{EventTypeDeadLetter, func() any { return new(DeadLetter) }},
	}
	for _, d := range defaults {
		if err := r.Register(d.eventType, SchemaVersionV1, d.prototype); err != nil {
			return err
		}
	}
	return nil
}
