//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package function wraps plain Go functions as tools.
package function

import (
	"context"
	"encoding/json"

	"github.com/spice-framework/spice-go/tool"
)

// Func is the signature of a wrapped tool function.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

// Tool adapts a Func to the tool.Tool interface. Parameters are validated
// against the input schema, when one is declared, before the function runs.
type Tool struct {
	decl *tool.Declaration
	fn   Func
}

// Option configures a function tool.
type Option func(*Tool)

// WithDescription sets the human-readable description.
func WithDescription(description string) Option {
	return func(t *Tool) {
		t.decl.Description = description
	}
}

// WithInputSchema sets a JSON Schema for the tool parameters.
func WithInputSchema(schema json.RawMessage) Option {
	return func(t *Tool) {
		t.decl.InputSchema = schema
	}
}

// New creates a tool with the given name backed by fn.
func New(name string, fn Func, opts ...Option) *Tool {
	t := &Tool{
		decl: &tool.Declaration{Name: name},
		fn:   fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Declaration implements tool.Tool.
func (t *Tool) Declaration() *tool.Declaration {
	return t.decl
}

// Execute implements tool.Tool.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	if err := tool.ValidateParams(t.decl, params); err != nil {
		return tool.Failure("invalid_params", err.Error()), nil
	}
	payload, err := t.fn(ctx, params)
	if err != nil {
		return nil, err
	}
	return tool.Success(payload), nil
}
