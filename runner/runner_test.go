//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/message"
)

func newTestRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// setNode returns a func node merging the given updates into the state.
func setNode(id string, updates graph.State) *graph.FuncNode {
	return graph.NewFuncNode(id, func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		return &graph.NodeResult{Data: updates.Clone()}, nil
	})
}

func linearGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder("linear").
		AddNode(setNode("A", graph.State{"x": 1})).
		AddNode(setNode("B", graph.State{"y": 2})).
		AddNode(graph.NewOutputNode("out", []string{"x", "y"})).
		AddEdge("A", "B").
		AddEdge("B", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)
	return g
}

func drainEvents(ch <-chan *event.TypedEvent) []*event.TypedEvent {
	var events []*event.TypedEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(100 * time.Millisecond):
			return events
		}
	}
}

func TestExecuteStraightLine(t *testing.T) {
	r := newTestRunner(t)
	g := linearGraph(t)

	nodeEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelNodeLifecycle, nil)
	require.NoError(t, err)
	graphEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelGraphLifecycle, nil)
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.JSONEq(t, `{"x":1,"y":2}`, final.Content)
	assert.Equal(t, g.ID(), final.GraphID)
	assert.NotEmpty(t, final.RunID)

	var completed []string
	for _, ev := range drainEvents(nodeEvents) {
		if ev.Envelope.EventType == event.EventTypeNodeCompleted {
			completed = append(completed, ev.Payload.(*event.NodeLifecycle).NodeID)
		}
	}
	assert.Equal(t, []string{"A", "B", "out"}, completed)

	var lifecycle []string
	for _, ev := range drainEvents(graphEvents) {
		lifecycle = append(lifecycle, ev.Envelope.EventType)
	}
	assert.Equal(t, []string{event.EventTypeGraphStarted, event.EventTypeGraphCompleted}, lifecycle)
}

func TestExecuteSeedsStateFromMetadata(t *testing.T) {
	r := newTestRunner(t)
	g, err := graph.NewBuilder("seeded").
		AddNode(graph.NewOutputNode("out", nil)).
		SetEntryPoint("out").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g,
		message.New("go", message.WithMetadata(map[string]any{"seed": "value"})))
	require.NoError(t, err)
	assert.JSONEq(t, `{"seed":"value"}`, final.Content)
}

func TestDeterministicReplay(t *testing.T) {
	g, err := graph.NewBuilder("replay").
		AddNode(setNode("A", graph.State{"n": 10})).
		AddNode(graph.NewDecisionNode("D", func(st graph.State) bool {
			n, _ := st["n"].(int)
			return n > 5
		})).
		AddNode(setNode("big", graph.State{"size": "big"})).
		AddNode(setNode("small", graph.State{"size": "small"})).
		AddNode(graph.NewOutputNode("out", []string{"size"})).
		AddEdge("A", "D").
		AddConditionalEdge("D", "big", graph.BranchGuard(graph.BranchTrue)).
		AddConditionalEdge("D", "small", graph.BranchGuard(graph.BranchFalse)).
		AddEdge("big", "out").
		AddEdge("small", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	run := func() (string, []string) {
		var order []string
		trace := func(next graph.Handler) graph.Handler {
			return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
				order = append(order, nctx.NodeID)
				return next(ctx, nctx)
			}
		}
		r := newTestRunner(t, WithMiddleware(trace))
		final, err := r.Execute(context.Background(), g, message.New("go"))
		require.NoError(t, err)
		return final.Content, order
	}

	content1, order1 := run()
	content2, order2 := run()
	assert.Equal(t, content1, content2)
	assert.Equal(t, order1, order2)
	assert.Equal(t, []string{"A", "D", "big", "out"}, order1)
}

func TestDecisionRoutingRecordsBranch(t *testing.T) {
	r := newTestRunner(t)
	g, err := graph.NewBuilder("decide").
		AddNode(graph.NewDecisionNode("D", func(graph.State) bool { return true })).
		AddNode(graph.NewOutputNode("yes", nil)).
		AddNode(graph.NewOutputNode("no", nil)).
		AddConditionalEdge("D", "yes", graph.BranchGuard(graph.BranchTrue)).
		AddConditionalEdge("D", "no", graph.BranchGuard(graph.BranchFalse)).
		SetEntryPoint("D").
		Compile()
	require.NoError(t, err)

	nodeEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelNodeLifecycle, nil)
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.Equal(t, "yes", final.NodeID)

	var branch string
	for _, ev := range drainEvents(nodeEvents) {
		nl := ev.Payload.(*event.NodeLifecycle)
		if ev.Envelope.EventType == event.EventTypeNodeCompleted && nl.NodeID == "D" {
			branch, _ = nl.Metadata[graph.MetadataKeyDecisionBranch].(string)
		}
	}
	assert.Equal(t, graph.BranchTrue, branch)
}

func TestNextEdgesOverride(t *testing.T) {
	r := newTestRunner(t)
	jump := graph.NewFuncNode("A", func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		return &graph.NodeResult{NextEdges: []string{"C"}}, nil
	})
	g, err := graph.NewBuilder("override").
		AddNode(jump).
		AddNode(setNode("B", graph.State{"visited": "B"})).
		AddNode(graph.NewOutputNode("C", nil)).
		AddEdge("A", "B").
		AddEdge("B", "C").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.NotContains(t, final.Content, "visited")
}

func TestNextEdgesOverrideUnknownNode(t *testing.T) {
	r := newTestRunner(t)
	jump := graph.NewFuncNode("A", func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		return &graph.NodeResult{NextEdges: []string{"missing"}}, nil
	})
	g, err := graph.NewBuilder("bad-override").
		AddNode(jump).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("A", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.ErrorIs(t, err, ErrNoApplicableEdge)
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "A", nerr.NodeID)
	assert.Equal(t, message.StateFailed, final.State)
}

func TestNoApplicableEdge(t *testing.T) {
	r := newTestRunner(t)
	g, err := graph.NewBuilder("dead-end").
		AddNode(setNode("A", nil)).
		AddNode(graph.NewOutputNode("out", nil)).
		AddConditionalEdge("A", "out", func(*graph.NodeResult) bool { return false }).
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.ErrorIs(t, err, ErrNoApplicableEdge)
	assert.Equal(t, message.StateFailed, final.State)
	last, ok := final.LastTransition()
	require.True(t, ok)
	assert.Equal(t, message.StateFailed, last.To)
}

func TestNodeFailureTransitionsToFailed(t *testing.T) {
	r := newTestRunner(t)
	boom := graph.NewFuncNode("A", func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		return nil, errors.New("boom")
	})
	g, err := graph.NewBuilder("failing").
		AddNode(boom).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("A", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	graphEvents, err := r.Bus().Subscribe(context.Background(), bus.ChannelGraphLifecycle, nil)
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "A", nerr.NodeID)
	assert.Equal(t, message.StateFailed, final.State)

	var sawFailed bool
	for _, ev := range drainEvents(graphEvents) {
		if ev.Envelope.EventType == event.EventTypeGraphFailed {
			sawFailed = true
			assert.Contains(t, ev.Payload.(*event.GraphLifecycle).Reason, "boom")
		}
	}
	assert.True(t, sawFailed)
}

func TestNodeTimeout(t *testing.T) {
	r := newTestRunner(t)
	slow := graph.NewFuncNode("A", func(ctx context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		select {
		case <-time.After(time.Second):
			return &graph.NodeResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, graph.WithTimeout(20*time.Millisecond))
	g, err := graph.NewBuilder("slow").
		AddNode(slow).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("A", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.ErrorIs(t, err, ErrNodeTimeout)
	assert.Equal(t, message.StateFailed, final.State)
}

func TestNodeRetryPolicy(t *testing.T) {
	r := newTestRunner(t)
	var attempts atomic.Int32
	flaky := graph.NewFuncNode("A", func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &graph.NodeResult{Data: graph.State{"ok": true}}, nil
	}, graph.WithRetry(3, time.Millisecond))
	g, err := graph.NewBuilder("flaky").
		AddNode(flaky).
		AddNode(graph.NewOutputNode("out", []string{"ok"})).
		AddEdge("A", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCancellationBetweenNodes(t *testing.T) {
	r := newTestRunner(t)
	trigger := graph.NewFuncNode("A", func(_ context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		require.True(t, r.Cancel(nctx.Exec.RunID))
		return &graph.NodeResult{}, nil
	})
	g, err := graph.NewBuilder("cancellable").
		AddNode(trigger).
		AddNode(setNode("B", graph.State{"reached": "B"})).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("A", "B").
		AddEdge("B", "out").
		SetEntryPoint("A").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), g, message.New("go"), WithRunID("run-cancel"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCancelled, final.State)

	// Cancellation writes a final checkpoint.
	cp, err := r.CheckpointStore().LatestForRun(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, message.StateCancelled, cp.Message.State)
}

func TestCancelUnknownRun(t *testing.T) {
	r := newTestRunner(t)
	assert.False(t, r.Cancel("no-such-run"))
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	record := func(name string) graph.Middleware {
		return func(next graph.Handler) graph.Handler {
			return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
				order = append(order, name+"-in")
				res, err := next(ctx, nctx)
				order = append(order, name+"-out")
				return res, err
			}
		}
	}
	r := newTestRunner(t, WithMiddleware(record("runner")))
	g, err := graph.NewBuilder("mw").
		AddNode(graph.NewOutputNode("out", nil)).
		SetEntryPoint("out").
		Use(record("graph")).
		Compile()
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), g, message.New("go"))
	require.NoError(t, err)
	assert.Equal(t, []string{"graph-in", "runner-in", "runner-out", "graph-out"}, order)
}

func TestMiddlewareFailureShortCircuits(t *testing.T) {
	deny := func(graph.Handler) graph.Handler {
		return func(context.Context, *graph.NodeContext) (*graph.NodeResult, error) {
			return nil, errors.New("denied")
		}
	}
	r := newTestRunner(t, WithMiddleware(deny))
	g := linearGraph(t)

	final, err := r.Execute(context.Background(), g, message.New("go"))
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "A", nerr.NodeID)
	assert.Equal(t, message.StateFailed, final.State)
}

func TestMetadataSizePolicyFail(t *testing.T) {
	metadata := map[string]any{"blob": "0123456789"}
	raw, err := json.Marshal(metadata)
	require.NoError(t, err)
	limit := len(raw)

	build := func() *graph.Graph {
		fat := graph.NewFuncNode("A", func(_ context.Context, _ *graph.NodeContext) (*graph.NodeResult, error) {
			return &graph.NodeResult{Metadata: metadata}, nil
		})
		g, err := graph.NewBuilder("fat").
			AddNode(fat).
			AddNode(graph.NewOutputNode("out", nil)).
			AddEdge("A", "out").
			SetEntryPoint("A").
			Compile()
		require.NoError(t, err)
		return g
	}

	// At exactly the threshold the result passes.
	r := newTestRunner(t, WithMetadataSizePolicy(graph.SizePolicyFail), WithMetadataWarnBytes(limit))
	_, err = r.Execute(context.Background(), build(), message.New("go"))
	require.NoError(t, err)

	// One byte under the threshold the step fails.
	r = newTestRunner(t, WithMetadataSizePolicy(graph.SizePolicyFail), WithMetadataWarnBytes(limit-1))
	final, err := r.Execute(context.Background(), build(), message.New("go"))
	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, message.StateFailed, final.State)
}

func TestSubgraphExecution(t *testing.T) {
	r := newTestRunner(t)
	child, err := graph.NewBuilder("child").
		AddNode(setNode("inner", graph.State{"answer": 42})).
		AddNode(graph.NewOutputNode("out", []string{"answer"})).
		AddEdge("inner", "out").
		SetEntryPoint("inner").
		Compile()
	require.NoError(t, err)

	parent, err := graph.NewBuilder("parent").
		AddNode(graph.NewSubGraphNode("sub", child)).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("sub", "out").
		SetEntryPoint("sub").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), parent, message.New("go"), WithRunID("run-parent"))
	require.NoError(t, err)
	assert.Equal(t, message.StateCompleted, final.State)

	var output map[string]any
	require.NoError(t, json.Unmarshal([]byte(final.Content), &output))
	nested, ok := output[graph.StateKeySubgraphPrefix+"sub"].(string)
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":42}`, nested)
}

func TestSubgraphDepthExceeded(t *testing.T) {
	r := newTestRunner(t, WithMaxSubgraphDepth(1))
	child, err := graph.NewBuilder("child").
		AddNode(graph.NewOutputNode("out", nil)).
		SetEntryPoint("out").
		Compile()
	require.NoError(t, err)

	parent, err := graph.NewBuilder("parent").
		AddNode(graph.NewSubGraphNode("sub", child)).
		AddNode(graph.NewOutputNode("out", nil)).
		AddEdge("sub", "out").
		SetEntryPoint("sub").
		Compile()
	require.NoError(t, err)

	final, err := r.Execute(context.Background(), parent, message.New("go"))
	require.ErrorIs(t, err, graph.ErrSubgraphDepthExceeded)
	assert.Equal(t, message.StateFailed, final.State)
}

func TestPoolRunsInParallel(t *testing.T) {
	r := newTestRunner(t)
	pool, err := NewPool(r, 4)
	require.NoError(t, err)
	defer pool.Release()

	g := linearGraph(t)
	var results []<-chan RunResult
	for i := 0; i < 4; i++ {
		ch, err := pool.Submit(context.Background(), g, message.New(fmt.Sprintf("run-%d", i)))
		require.NoError(t, err)
		results = append(results, ch)
	}
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, message.StateCompleted, res.Message.State)
	}
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Resume(context.Background(), "no-such-checkpoint", HumanResponse{Value: "ok"})
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}
