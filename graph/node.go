//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"time"
)

// Node is a unit of work inside a graph. Implementations must be safe for
// reuse across runs: a node value is shared by every run of its graph.
type Node interface {
	// ID returns the node's stable identifier inside the graph.
	ID() string
	// Run executes the node against the given context and returns a result
	// or a well-defined failure.
	Run(ctx context.Context, nctx *NodeContext) (*NodeResult, error)
}

// Handler executes a node step. Middleware wraps handlers in both
// directions.
type Handler func(ctx context.Context, nctx *NodeContext) (*NodeResult, error)

// Middleware intercepts node invocation. The chain is applied in the order
// supplied at graph construction: the first middleware sees the invocation
// first on the way in and last on the way out.
type Middleware func(next Handler) Handler

// Chain composes middleware around a handler in declaration order.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// NodeConfig carries per-node execution settings honored by the runner.
type NodeConfig struct {
	// Timeout bounds one invocation of the node. Zero means no timeout.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed invocation.
	// Zero means the node is not retried.
	MaxRetries int
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
}

// Configurable is implemented by nodes carrying execution settings.
type Configurable interface {
	Config() NodeConfig
}

// Terminal is implemented by nodes that legally end a run when they have no
// outgoing edges.
type Terminal interface {
	Terminal() bool
}

// baseNode carries the identity and execution settings shared by the
// built-in node variants.
type baseNode struct {
	id  string
	cfg NodeConfig
}

// ID implements Node.
func (b *baseNode) ID() string {
	return b.id
}

// Config implements Configurable.
func (b *baseNode) Config() NodeConfig {
	return b.cfg
}

// NodeOption configures a built-in node variant.
type NodeOption func(*baseNode)

// WithTimeout bounds each invocation of the node.
func WithTimeout(timeout time.Duration) NodeOption {
	return func(b *baseNode) {
		b.cfg.Timeout = timeout
	}
}

// WithRetry enables retries after failed invocations. interval is the
// initial backoff and grows exponentially between attempts.
func WithRetry(maxRetries int, interval time.Duration) NodeOption {
	return func(b *baseNode) {
		b.cfg.MaxRetries = maxRetries
		b.cfg.RetryInterval = interval
	}
}
