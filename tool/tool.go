//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package tool defines the collaborator contract for externally fulfilled
// work requested by graph nodes.
package tool

import (
	"context"
	"encoding/json"

	"github.com/spice-framework/spice-go/message"
)

// Declaration describes a tool to the runtime: its name, a human-readable
// description and an optional JSON Schema for its parameters.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Tool is implemented by every executable tool. Execute may block; callers
// pass a context for cancellation and deadlines.
type Tool interface {
	// Declaration returns the tool's declarative description.
	Declaration() *Declaration
	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// ResultKind discriminates the three tool outcomes.
type ResultKind string

// Result kind constants.
const (
	ResultSuccess     ResultKind = "success"
	ResultFailure     ResultKind = "failure"
	ResultWaitingHITL ResultKind = "waiting_hitl"
)

// Result is the outcome of a tool execution: success with a payload,
// failure with an error code, or a request to pause for a human.
type Result struct {
	Kind         ResultKind     `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	HITL         *HITLRequest   `json:"hitl,omitempty"`
}

// HITLRequest asks the runner to park execution until a human answers.
// ToolCallID may be left empty; the runner then mints a stable identifier.
type HITLRequest struct {
	ToolCallID string           `json:"toolCallId,omitempty"`
	Prompt     string           `json:"prompt"`
	Kind       message.HITLKind `json:"kind"`
	Options    []string         `json:"options,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// Success builds a successful result carrying a payload.
func Success(payload map[string]any) *Result {
	return &Result{Kind: ResultSuccess, Payload: payload}
}

// Failure builds a failed result carrying an error code and message.
func Failure(code, msg string) *Result {
	return &Result{Kind: ResultFailure, ErrorCode: code, ErrorMessage: msg}
}

// WaitingHITL builds a result that pauses execution for a human.
func WaitingHITL(toolCallID, prompt string, kind message.HITLKind, options []string, metadata map[string]any) *Result {
	return &Result{
		Kind: ResultWaitingHITL,
		HITL: &HITLRequest{
			ToolCallID: toolCallID,
			Prompt:     prompt,
			Kind:       kind,
			Options:    options,
			Metadata:   metadata,
		},
	}
}
