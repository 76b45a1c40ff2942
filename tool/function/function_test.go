//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package function

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/tool"
)

func TestFunctionTool(t *testing.T) {
	double := New("double", func(_ context.Context, params map[string]any) (map[string]any, error) {
		n, _ := params["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	}, WithDescription("doubles a number"))

	decl := double.Declaration()
	assert.Equal(t, "double", decl.Name)
	assert.Equal(t, "doubles a number", decl.Description)

	res, err := double.Execute(context.Background(), map[string]any{"n": float64(21)})
	require.NoError(t, err)
	assert.Equal(t, tool.ResultSuccess, res.Kind)
	assert.Equal(t, float64(42), res.Payload["n"])
}

func TestFunctionToolValidatesSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "number"}},
		"required": ["n"]
	}`)
	double := New("double", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	}, WithInputSchema(schema))

	res, err := double.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, tool.ResultFailure, res.Kind)
	assert.Equal(t, "invalid_params", res.ErrorCode)
}

func TestFunctionToolError(t *testing.T) {
	boom := New("boom", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("backend down")
	})
	_, err := boom.Execute(context.Background(), nil)
	require.EqualError(t, err, "backend down")
}
