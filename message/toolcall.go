//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package message

import "fmt"

// HITLKind classifies a human-in-the-loop interaction requested by a tool call.
type HITLKind string

// HITL kind constants. The zero value marks an ordinary tool call.
const (
	HITLNone         HITLKind = ""
	HITLSelection    HITLKind = "selection"
	HITLConfirmation HITLKind = "confirmation"
	HITLText         HITLKind = "text"
)

// String returns the string representation of the HITL kind.
func (k HITLKind) String() string {
	return string(k)
}

// IsHITL reports whether the kind marks a human-in-the-loop call.
func (k HITLKind) IsHITL() bool {
	return k != HITLNone
}

// ToolCall is a request emitted by a node asking for external fulfillment.
// The ID is stable across retries within one node invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	HITL      HITLKind       `json:"hitl,omitempty"`
}

// IsHITL reports whether the call pauses execution for a human.
func (tc ToolCall) IsHITL() bool {
	return tc.HITL.IsHITL()
}

// HITLIDPrefix prefixes every identifier minted for a human-in-the-loop call.
const HITLIDPrefix = "hitl"

// HITLToolCallID builds the stable identifier for a human-in-the-loop tool
// call. The identifier is a pure function of its inputs: retries of the same
// invocation reuse the index and therefore the identifier, while loop
// re-entry into the node allocates a fresh index.
func HITLToolCallID(runID, nodeID string, invocationIndex int) string {
	return fmt.Sprintf("%s_%s_%s_%d", HITLIDPrefix, runID, nodeID, invocationIndex)
}
