//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"encoding/json"

	"github.com/spice-framework/spice-go/message"
)

// NodeResult is what a node produces: state updates, result metadata, an
// optional explicit successor override, an optional pause request and an
// optional replacement message.
type NodeResult struct {
	// Data is merged into the run state after the node completes.
	Data State
	// Metadata annotates the node's completion event. Subject to the
	// metadata size policy.
	Metadata map[string]any
	// NextEdges overrides successor selection: the listed node ids are
	// taken literally in order. Every id must exist in the graph.
	NextEdges []string
	// Pause parks the run for a human-in-the-loop answer.
	Pause *PauseRequest
	// Message, when set, replaces the run's current message. Its state
	// history must remain legal.
	Message *message.Message
}

// PauseRequest carries the human-in-the-loop declaration of a pausing node.
type PauseRequest struct {
	// ToolCallID may be empty; the runner then mints the stable id.
	ToolCallID string
	Prompt     string
	Kind       message.HITLKind
	Options    []string
	Metadata   map[string]any
}

// MetadataSize returns the serialized size of the result metadata in bytes.
func (r *NodeResult) MetadataSize() int {
	if len(r.Metadata) == 0 {
		return 0
	}
	raw, err := json.Marshal(r.Metadata)
	if err != nil {
		return 0
	}
	return len(raw)
}

// SizePolicy decides what happens when result metadata exceeds the warn
// threshold.
type SizePolicy string

// Size policy constants.
const (
	// SizePolicyWarn logs a warning and keeps the metadata.
	SizePolicyWarn SizePolicy = "warn"
	// SizePolicyFail fails the node step.
	SizePolicyFail SizePolicy = "fail"
	// SizePolicyIgnore skips the check entirely.
	SizePolicyIgnore SizePolicy = "ignore"
)

// DefaultMetadataWarnBytes is the soft threshold for result metadata size.
const DefaultMetadataWarnBytes = 5 * 1024
