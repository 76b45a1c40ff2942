//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spice-framework/spice-go/message"
)

// Invoker runs a nested graph on the same collaborator set. The runner
// installs itself as the invoker of every execution context it creates, so
// sub-graph nodes never hold a reference to the runner type.
type Invoker interface {
	Invoke(ctx context.Context, g *Graph, msg message.Message, exec *ExecContext) (message.Message, error)
}

// ExecContext carries the identity, tracing and control surface of one graph
// run. It lives for the duration of the run and is recreated from the saved
// checkpoint on resume.
type ExecContext struct {
	RunID         string
	UserID        string
	TenantID      string
	TraceID       string
	SpanID        string
	SubgraphDepth int
	// MaxSubgraphDepth bounds nested sub-graph runs. Zero means the
	// default of 8.
	MaxSubgraphDepth int
	// Invoker runs nested graphs. Set by the runner.
	Invoker Invoker

	cancelled *atomic.Bool

	mu                sync.Mutex
	invocationIndices map[string]int
}

// DefaultMaxSubgraphDepth bounds sub-graph nesting when no explicit limit
// is configured.
const DefaultMaxSubgraphDepth = 8

// NewExecContext creates an execution context for a fresh run.
func NewExecContext(runID string) *ExecContext {
	return &ExecContext{
		RunID:             runID,
		cancelled:         new(atomic.Bool),
		invocationIndices: make(map[string]int),
	}
}

// Cancel flags the run for cooperative cancellation. The runner observes the
// flag between nodes and at middleware boundaries.
func (e *ExecContext) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether the run was flagged for cancellation.
func (e *ExecContext) Cancelled() bool {
	return e.cancelled.Load()
}

// HITLInvocationIndex returns the invocation index the next human-in-the-loop
// pause at the node will use. The index counts completed HITL invocations:
// retries of the same invocation observe the same index, and only
// CompleteHITLInvocation advances it.
func (e *ExecContext) HITLInvocationIndex(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invocationIndices[nodeID]
}

// CompleteHITLInvocation marks the node's current HITL invocation as
// fulfilled, so loop re-entry into the node allocates a fresh index.
func (e *ExecContext) CompleteHITLInvocation(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invocationIndices[nodeID]++
}

// InvocationIndices returns a copy of the per-node HITL invocation counters.
func (e *ExecContext) InvocationIndices() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.invocationIndices))
	for k, v := range e.invocationIndices {
		out[k] = v
	}
	return out
}

// RestoreInvocationIndices replaces the per-node HITL invocation counters,
// used when reconstructing a context from a checkpoint.
func (e *ExecContext) RestoreInvocationIndices(indices map[string]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invocationIndices = make(map[string]int, len(indices))
	for k, v := range indices {
		e.invocationIndices[k] = v
	}
}

// Child derives the execution context for a nested graph run. The child
// shares the parent's cancel flag and invoker, carries depth+1 and starts
// with fresh invocation counters under the derived run id.
func (e *ExecContext) Child(runID string) *ExecContext {
	return &ExecContext{
		RunID:             runID,
		UserID:            e.UserID,
		TenantID:          e.TenantID,
		TraceID:           e.TraceID,
		SpanID:            e.SpanID,
		SubgraphDepth:     e.SubgraphDepth + 1,
		MaxSubgraphDepth:  e.MaxSubgraphDepth,
		Invoker:           e.Invoker,
		cancelled:         e.cancelled,
		invocationIndices: make(map[string]int),
	}
}

// DepthLimit returns the effective sub-graph depth limit.
func (e *ExecContext) DepthLimit() int {
	if e.MaxSubgraphDepth > 0 {
		return e.MaxSubgraphDepth
	}
	return DefaultMaxSubgraphDepth
}

// NodeContext is the per-step view a node receives: the graph identity, an
// immutable snapshot of the state, the current message and the run's
// execution context. Mutation is by WithState, which returns a new context.
type NodeContext struct {
	GraphID string
	NodeID  string
	State   State
	Message message.Message
	Exec    *ExecContext
}

// WithState returns a copy of the node context with updates merged into a
// fresh state snapshot. The receiver is unchanged.
func (c *NodeContext) WithState(updates State) *NodeContext {
	out := *c
	out.State = c.State.Merge(updates)
	return &out
}

// StateValue reads a single state key.
func (c *NodeContext) StateValue(key string) (any, bool) {
	v, ok := c.State[key]
	return v, ok
}
