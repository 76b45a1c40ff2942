//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/message"
	"github.com/spice-framework/spice-go/runner"
)

func approvalGraph(t *testing.T) *graph.Graph {
	t.Helper()
	record := graph.NewFuncNode("F", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		answer, _ := nctx.State[graph.StateKeyHumanResponse].(string)
		return &graph.NodeResult{Data: graph.State{"answer": answer}}, nil
	})
	g, err := graph.NewBuilder("approval").
		AddNode(graph.NewHumanNode("H", "Proceed?", message.HITLSelection, []string{"approve", "reject"})).
		AddNode(record).
		AddNode(graph.NewOutputNode("out", []string{"answer"})).
		AddEdge("H", "F").
		AddEdge("F", "out").
		SetEntryPoint("H").
		Compile()
	require.NoError(t, err)
	return g
}

func startCoordinator(t *testing.T, opts ...Option) (*runner.Runner, *Coordinator) {
	t.Helper()
	r, err := runner.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	c := New(r.Bus(), r, opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return r, c
}

func waitForRequest(t *testing.T, c *Coordinator, toolCallID string) *event.HitlRequest {
	t.Helper()
	var req *event.HitlRequest
	require.Eventually(t, func() bool {
		var ok bool
		req, ok = c.Request(toolCallID)
		return ok
	}, time.Second, 5*time.Millisecond)
	return req
}

func TestCoordinatorRelaysRequests(t *testing.T) {
	r, c := startCoordinator(t)

	requests, err := r.Bus().Subscribe(context.Background(), bus.ChannelHitlRequests, nil)
	require.NoError(t, err)

	paused, err := r.Execute(context.Background(), approvalGraph(t), message.New("go"), runner.WithRunID("run-relay"))
	require.NoError(t, err)
	require.Equal(t, message.StateWaitingHitl, paused.State)

	req := waitForRequest(t, c, "hitl_run-relay_H_0")
	assert.Equal(t, "run-relay", req.RunID)
	assert.Equal(t, "H", req.NodeID)
	assert.Equal(t, "Proceed?", req.Prompt)
	assert.Equal(t, message.HITLSelection.String(), req.Kind)
	assert.Equal(t, []string{"approve", "reject"}, req.Options)
	assert.NotEmpty(t, req.CheckpointID)

	select {
	case ev := <-requests:
		assert.Equal(t, event.EventTypeHitlRequest, ev.Envelope.EventType)
		published := ev.Payload.(*event.HitlRequest)
		assert.Equal(t, req.ToolCallID, published.ToolCallID)
		// The request chains back to the run and the emitted tool call.
		assert.Equal(t, "run-relay", ev.Envelope.CorrelationID)
		assert.NotEmpty(t, ev.Envelope.CausationID)
	case <-time.After(time.Second):
		t.Fatal("no enriched request published")
	}
}

func TestCoordinatorSubmitResponse(t *testing.T) {
	r, c := startCoordinator(t)

	_, err := r.Execute(context.Background(), approvalGraph(t), message.New("go"), runner.WithRunID("run-submit"))
	require.NoError(t, err)
	waitForRequest(t, c, "hitl_run-submit_H_0")

	final, err := c.SubmitResponse(context.Background(), "hitl_run-submit_H_0", runner.HumanResponse{Value: "approve"})
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.JSONEq(t, `{"answer":"approve"}`, final.Content)

	// The answered request is no longer pending.
	_, ok := c.Request("hitl_run-submit_H_0")
	assert.False(t, ok)

	_, err = c.SubmitResponse(context.Background(), "hitl_run-submit_H_0", runner.HumanResponse{Value: "approve"})
	require.ErrorIs(t, err, ErrUnknownToolCall)
}

func TestCoordinatorStrictValidation(t *testing.T) {
	r, c := startCoordinator(t)

	_, err := r.Execute(context.Background(), approvalGraph(t), message.New("go"), runner.WithRunID("run-strict"))
	require.NoError(t, err)
	waitForRequest(t, c, "hitl_run-strict_H_0")

	_, err = c.SubmitResponse(context.Background(), "hitl_run-strict_H_0", runner.HumanResponse{Value: "maybe"})
	require.ErrorIs(t, err, ErrInvalidResponse)

	// The rejected answer leaves the request pending for a retry.
	_, ok := c.Request("hitl_run-strict_H_0")
	assert.True(t, ok)

	final, err := c.SubmitResponse(context.Background(), "hitl_run-strict_H_0", runner.HumanResponse{Value: "reject"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"reject"}`, final.Content)
}

func TestCoordinatorLenientValidation(t *testing.T) {
	r, c := startCoordinator(t, WithValidator(LenientValidator()))

	_, err := r.Execute(context.Background(), approvalGraph(t), message.New("go"), runner.WithRunID("run-lenient"))
	require.NoError(t, err)
	waitForRequest(t, c, "hitl_run-lenient_H_0")

	final, err := c.SubmitResponse(context.Background(), "hitl_run-lenient_H_0", runner.HumanResponse{Value: "whatever works"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"whatever works"}`, final.Content)
}

func TestStrictValidatorConfirmation(t *testing.T) {
	v := StrictValidator()
	req := &event.HitlRequest{Kind: message.HITLConfirmation.String()}
	assert.NoError(t, v(req, runner.HumanResponse{Value: "approve"}))
	assert.NoError(t, v(req, runner.HumanResponse{Value: "reject"}))
	assert.ErrorIs(t, v(req, runner.HumanResponse{Value: "yes"}), ErrInvalidResponse)
	assert.ErrorIs(t, v(req, runner.HumanResponse{}), ErrInvalidResponse)

	text := &event.HitlRequest{Kind: message.HITLText.String()}
	assert.NoError(t, v(text, runner.HumanResponse{Value: "free form"}))
}

func TestSubmitResponseUnknownCall(t *testing.T) {
	_, c := startCoordinator(t)
	_, err := c.SubmitResponse(context.Background(), "hitl_nope_X_0", runner.HumanResponse{Value: "approve"})
	require.ErrorIs(t, err, ErrUnknownToolCall)
}
