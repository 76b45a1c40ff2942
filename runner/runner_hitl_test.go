//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/bus"
	ckptinmemory "github.com/spice-framework/spice-go/checkpoint/inmemory"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/message"
)

// hitlGraph pauses at H, records the human answer at F and finishes at out.
func hitlGraph(t *testing.T) *graph.Graph {
	t.Helper()
	record := graph.NewFuncNode("F", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		answer, _ := nctx.State[graph.StateKeyHumanResponse].(string)
		return &graph.NodeResult{Data: graph.State{"answer": answer}}, nil
	})
	g, err := graph.NewBuilder("approval").
		AddNode(graph.NewHumanNode("H", "Deploy to production?", message.HITLSelection, []string{"approve", "reject"})).
		AddNode(record).
		AddNode(graph.NewOutputNode("out", []string{"answer"})).
		AddEdge("H", "F").
		AddEdge("F", "out").
		SetEntryPoint("H").
		Compile()
	require.NoError(t, err)
	return g
}

func TestHITLPauseAndResume(t *testing.T) {
	r := newTestRunner(t)
	g := hitlGraph(t)

	toolEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelToolCalls, nil)
	require.NoError(t, err)

	paused, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-s2"))
	require.NoError(t, err)
	assert.Equal(t, message.StateWaitingHitl, paused.State)

	calls := paused.PendingHITLCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hitl_run-s2_H_0", calls[0].ID)
	assert.Equal(t, message.HITLSelection, calls[0].HITL)

	cp, err := r.CheckpointStore().LatestForRun(context.Background(), "run-s2")
	require.NoError(t, err)
	assert.Equal(t, "H", cp.NodeID)
	assert.Equal(t, message.StateWaitingHitl, cp.Message.State)

	events := drainEvents(toolEvents)
	require.Len(t, events, 1)
	emitted := events[0].Payload.(*event.ToolCallEvent)
	assert.Equal(t, event.EventTypeToolCallEmitted, events[0].Envelope.EventType)
	assert.Equal(t, calls[0].ID, emitted.ToolCallID)
	assert.Equal(t, cp.ID, emitted.CheckpointID)
	assert.Equal(t, "Deploy to production?", emitted.Prompt)
	assert.Equal(t, []string{"approve", "reject"}, emitted.Options)

	final, err := r.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.JSONEq(t, `{"answer":"approve"}`, final.Content)

	completedEvents := drainEvents(toolEvents)
	require.Len(t, completedEvents, 1)
	completed := completedEvents[0].Payload.(*event.ToolCallEvent)
	assert.Equal(t, event.EventTypeToolCallCompleted, completedEvents[0].Envelope.EventType)
	assert.Equal(t, calls[0].ID, completed.ToolCallID)
	assert.Equal(t, "approve", completed.Response["value"])

	// The resume transition is on record.
	var sawResume bool
	for _, tr := range final.StateHistory {
		if tr.From == message.StateWaitingHitl && tr.To == message.StateRunning {
			sawResume = true
			assert.Equal(t, "resumed", tr.Reason)
		}
	}
	assert.True(t, sawResume)
}

func TestResumeAfterCompletionFails(t *testing.T) {
	r := newTestRunner(t)
	g := hitlGraph(t)

	_, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-dup"))
	require.NoError(t, err)
	cp, err := r.CheckpointStore().LatestForRun(context.Background(), "run-dup")
	require.NoError(t, err)

	_, err = r.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)

	_, err = r.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.ErrorIs(t, err, ErrAlreadyResumed)
}

func TestLoopSafeHITL(t *testing.T) {
	r := newTestRunner(t)
	count := graph.NewFuncNode("C", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		visits, _ := nctx.State["visits"].(int)
		return &graph.NodeResult{Data: graph.State{"visits": visits + 1}}, nil
	})
	g, err := graph.NewBuilder("review-loop").
		AddNode(graph.NewHumanNode("H", "Continue?", message.HITLConfirmation, nil)).
		AddNode(count).
		AddNode(graph.NewDecisionNode("D", func(st graph.State) bool {
			visits, _ := st["visits"].(int)
			return visits < 2
		})).
		AddNode(graph.NewOutputNode("out", []string{"visits"})).
		AddEdge("H", "C").
		AddEdge("C", "D").
		AddConditionalEdge("D", "H", graph.BranchGuard(graph.BranchTrue)).
		AddConditionalEdge("D", "out", graph.BranchGuard(graph.BranchFalse)).
		SetEntryPoint("H").
		AllowCycles(true).
		Compile()
	require.NoError(t, err)

	paused, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-s3"))
	require.NoError(t, err)
	require.Equal(t, message.StateWaitingHitl, paused.State)
	assert.Equal(t, "hitl_run-s3_H_0", paused.PendingHITLCalls()[0].ID)

	first, err := r.CheckpointStore().LatestForRun(context.Background(), "run-s3")
	require.NoError(t, err)

	// Resuming re-enters the loop and pauses again under a fresh index.
	paused, err = r.Resume(context.Background(), first.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)
	require.Equal(t, message.StateWaitingHitl, paused.State)
	assert.Equal(t, "hitl_run-s3_H_1", paused.PendingHITLCalls()[0].ID)

	second, err := r.CheckpointStore().LatestForRun(context.Background(), "run-s3")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Both pause points coexist in the store.
	_, err = r.CheckpointStore().Load(context.Background(), first.ID)
	require.NoError(t, err)

	final, err := r.Resume(context.Background(), second.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.JSONEq(t, `{"visits":2}`, final.Content)

	_, err = r.Resume(context.Background(), second.ID, HumanResponse{Value: "approve"})
	require.ErrorIs(t, err, ErrAlreadyResumed)
}

func TestResumeOnFreshRunner(t *testing.T) {
	store := ckptinmemory.New()
	g := hitlGraph(t)

	r1 := newTestRunner(t, WithCheckpointStore(store))
	_, err := r1.Execute(context.Background(), g, message.New("go"), WithRunID("run-migrate"))
	require.NoError(t, err)
	cp, err := store.LatestForRun(context.Background(), "run-migrate")
	require.NoError(t, err)

	// A runner that never saw the graph refuses the resume.
	r2 := newTestRunner(t, WithCheckpointStore(store))
	_, err = r2.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.ErrorIs(t, err, ErrGraphNotRegistered)

	// After registration the run completes as if it never moved processes.
	require.NoError(t, r2.RegisterGraph(g))
	final, err := r2.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.JSONEq(t, `{"answer":"approve"}`, final.Content)
}

func TestResumeMergesResponseMetadata(t *testing.T) {
	r := newTestRunner(t)
	record := graph.NewFuncNode("F", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		note, _ := nctx.State["note"].(string)
		return &graph.NodeResult{Data: graph.State{"note": note}}, nil
	})
	g, err := graph.NewBuilder("annotated").
		AddNode(graph.NewHumanNode("H", "Notes?", message.HITLText, nil)).
		AddNode(record).
		AddNode(graph.NewOutputNode("out", []string{"note"})).
		AddEdge("H", "F").
		AddEdge("F", "out").
		SetEntryPoint("H").
		Compile()
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), g, message.New("go"), WithRunID("run-note"))
	require.NoError(t, err)
	cp, err := r.CheckpointStore().LatestForRun(context.Background(), "run-note")
	require.NoError(t, err)

	final, err := r.Resume(context.Background(), cp.ID, HumanResponse{
		Value:    "ship it",
		Metadata: map[string]any{"note": "looks good"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"looks good"}`, final.Content)
}

func TestPauseKeepsAttachedToolCalls(t *testing.T) {
	r := newTestRunner(t)
	audit := message.ToolCall{ID: "audit-1", Name: "audit"}
	pauser := graph.NewFuncNode("A", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		withAudit := nctx.Message.WithToolCalls(audit)
		return &graph.NodeResult{
			Message: &withAudit,
			Pause:   &graph.PauseRequest{Prompt: "Proceed?", Kind: message.HITLConfirmation},
		}, nil
	})
	g, err := graph.NewBuilder("keep-calls").
		AddNode(pauser).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("A", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	paused, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-keep"))
	require.NoError(t, err)
	require.Equal(t, message.StateWaitingHitl, paused.State)

	// The minted pause call joins the node's own tool call instead of
	// replacing it.
	require.Len(t, paused.ToolCalls, 2)
	assert.Equal(t, audit, paused.ToolCalls[0])
	assert.Equal(t, "hitl_run-keep_A_0", paused.ToolCalls[1].ID)
	assert.Equal(t, message.HITLConfirmation, paused.ToolCalls[1].HITL)
}

func TestPauseMintsIDWithoutDroppingCalls(t *testing.T) {
	r := newTestRunner(t)
	audit := message.ToolCall{ID: "audit-1", Name: "audit"}
	pauser := graph.NewFuncNode("B", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		withCalls := nctx.Message.WithToolCalls(audit, message.ToolCall{Name: "review", HITL: message.HITLText})
		return &graph.NodeResult{Message: &withCalls}, nil
	})
	g, err := graph.NewBuilder("mint-in-place").
		AddNode(pauser).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("B", "out").
		SetEntryPoint("B").
		Compile()
	require.NoError(t, err)

	paused, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-mint"))
	require.NoError(t, err)
	require.Equal(t, message.StateWaitingHitl, paused.State)

	require.Len(t, paused.ToolCalls, 2)
	assert.Equal(t, audit, paused.ToolCalls[0])
	assert.Equal(t, "hitl_run-mint_B_0", paused.ToolCalls[1].ID)
	assert.Equal(t, "review", paused.ToolCalls[1].Name)
}

func TestResumeEmitsNodeCompleted(t *testing.T) {
	r := newTestRunner(t)
	g := hitlGraph(t)

	nodeEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelNodeLifecycle, nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), g, message.New("go"), WithRunID("run-pair"))
	require.NoError(t, err)

	// Up to the pause the human node has started but not completed.
	var startedH, completedH bool
	for _, ev := range drainEvents(nodeEvents) {
		nl := ev.Payload.(*event.NodeLifecycle)
		if nl.NodeID != "H" {
			continue
		}
		switch ev.Envelope.EventType {
		case event.EventTypeNodeStarted:
			startedH = true
		case event.EventTypeNodeCompleted:
			completedH = true
		}
	}
	assert.True(t, startedH)
	assert.False(t, completedH)

	cp, err := r.CheckpointStore().LatestForRun(context.Background(), "run-pair")
	require.NoError(t, err)
	_, err = r.Resume(context.Background(), cp.ID, HumanResponse{Value: "approve"})
	require.NoError(t, err)

	// The resume completes the paused node before its successors run.
	var completed []string
	for _, ev := range drainEvents(nodeEvents) {
		if ev.Envelope.EventType == event.EventTypeNodeCompleted {
			completed = append(completed, ev.Payload.(*event.NodeLifecycle).NodeID)
		}
	}
	assert.Equal(t, []string{"H", "F", "out"}, completed)
}
