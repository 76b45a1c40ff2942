//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"errors"
	"fmt"

	"github.com/spice-framework/spice-go/checkpoint"
)

// Runner errors.
var (
	// ErrNoApplicableEdge is returned when a non-terminal node completes and
	// no outgoing edge accepts the result.
	ErrNoApplicableEdge = errors.New("no applicable edge")
	// ErrNodeTimeout is returned when a node's per-node timeout elapses.
	ErrNodeTimeout = errors.New("node timed out")
	// ErrCheckpointWriteFailed is returned when the pause-point checkpoint
	// cannot be persisted after retries. The run cannot pause safely.
	ErrCheckpointWriteFailed = errors.New("checkpoint write failed")
	// ErrAlreadyResumed is returned when resuming a consumed checkpoint or a
	// run that already reached a terminal state.
	ErrAlreadyResumed = errors.New("checkpoint already resumed")
	// ErrGraphNotRegistered is returned when a resume names a graph the
	// runner has never seen.
	ErrGraphNotRegistered = errors.New("graph not registered")
)

// ErrCheckpointNotFound is what Resume returns for an unknown checkpoint id.
// It is the store's ErrNotFound, re-exported so callers need not import the
// checkpoint package to test for it.
var ErrCheckpointNotFound = checkpoint.ErrNotFound

// NodeError wraps a failure of one node step with the node's identity.
type NodeError struct {
	NodeID string
	Err    error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

// Unwrap exposes the underlying failure to errors.Is / errors.As.
func (e *NodeError) Unwrap() error {
	return e.Err
}
