//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"

	"github.com/spice-framework/spice-go/agent"
	"github.com/spice-framework/spice-go/message"
	"github.com/spice-framework/spice-go/tool"
)

// FuncNode runs an arbitrary function. Nodes beyond the built-in variants
// are ordinary Node implementations; FuncNode covers the common case of a
// plain state transform.
type FuncNode struct {
	baseNode
	fn Handler
}

// NewFuncNode creates a node backed by fn.
func NewFuncNode(id string, fn Handler, opts ...NodeOption) *FuncNode {
	n := &FuncNode{baseNode: baseNode{id: id}, fn: fn}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *FuncNode) Run(ctx context.Context, nctx *NodeContext) (*NodeResult, error) {
	if n.fn == nil {
		return nil, fmt.Errorf("func node %s has no function", n.id)
	}
	return n.fn(ctx, nctx)
}

// AgentNode delegates to an external agent collaborator. The agent receives
// the current message and may mutate state only through the returned
// message; its state transitions must remain legal.
type AgentNode struct {
	baseNode
	agent agent.Agent
}

// NewAgentNode creates an agent node.
func NewAgentNode(id string, a agent.Agent, opts ...NodeOption) *AgentNode {
	n := &AgentNode{baseNode: baseNode{id: id}, agent: a}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *AgentNode) Run(ctx context.Context, nctx *NodeContext) (*NodeResult, error) {
	if n.agent == nil {
		return nil, fmt.Errorf("agent node %s has no agent", n.id)
	}
	if !n.agent.IsReady() {
		return nil, fmt.Errorf("%w: node %s", ErrAgentNotReady, n.id)
	}
	out, err := n.agent.ProcessMessage(ctx, nctx.Message)
	if err != nil {
		return nil, fmt.Errorf("agent node %s: %w", n.id, err)
	}
	return &NodeResult{Message: &out}, nil
}

// ParamMapper produces tool parameters from the node state. A nil mapper
// passes the whole state through.
type ParamMapper func(state State) map[string]any

// ToolNode invokes a registered tool. Parameters are produced by the mapper
// and validated against the tool's declared schema; a waiting-hitl outcome
// from the tool carries the pause marker into the node result.
type ToolNode struct {
	baseNode
	tool   tool.Tool
	mapper ParamMapper
}

// NewToolNode creates a tool node. mapper may be nil to pass the whole
// state as parameters.
func NewToolNode(id string, t tool.Tool, mapper ParamMapper, opts ...NodeOption) *ToolNode {
	n := &ToolNode{baseNode: baseNode{id: id}, tool: t, mapper: mapper}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *ToolNode) Run(ctx context.Context, nctx *NodeContext) (*NodeResult, error) {
	if n.tool == nil {
		return nil, fmt.Errorf("tool node %s has no tool", n.id)
	}
	decl := n.tool.Declaration()

	var params map[string]any
	if n.mapper != nil {
		params = n.mapper(nctx.State)
	} else {
		params = map[string]any(nctx.State.Clone())
	}
	if err := tool.ValidateParams(decl, params); err != nil {
		return nil, fmt.Errorf("tool node %s: %w", n.id, err)
	}

	res, err := n.tool.Execute(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tool node %s: %w", n.id, err)
	}
	if res == nil {
		return nil, fmt.Errorf("tool node %s: tool returned no result", n.id)
	}

	name := ""
	if decl != nil {
		name = decl.Name
	}

	switch res.Kind {
	case tool.ResultSuccess:
		return &NodeResult{
			Data:     State(res.Payload),
			Metadata: map[string]any{MetadataKeyToolName: name},
		}, nil
	case tool.ResultWaitingHITL:
		if res.HITL == nil {
			return nil, fmt.Errorf("tool node %s: waiting-hitl result without request", n.id)
		}
		return &NodeResult{
			Metadata: map[string]any{MetadataKeyToolName: name},
			Pause: &PauseRequest{
				ToolCallID: res.HITL.ToolCallID,
				Prompt:     res.HITL.Prompt,
				Kind:       res.HITL.Kind,
				Options:    res.HITL.Options,
				Metadata:   res.HITL.Metadata,
			},
		}, nil
	case tool.ResultFailure:
		return nil, fmt.Errorf("tool node %s: tool %s failed with %s: %s",
			n.id, name, res.ErrorCode, res.ErrorMessage)
	default:
		return nil, fmt.Errorf("tool node %s: unknown result kind %q", n.id, res.Kind)
	}
}

// Predicate evaluates a boolean over the node state.
type Predicate func(state State) bool

// DecisionNode evaluates a predicate and records the chosen branch in the
// result metadata under MetadataKeyDecisionBranch. Outgoing edges typically
// carry BranchGuard guards.
type DecisionNode struct {
	baseNode
	predicate Predicate
}

// NewDecisionNode creates a decision node.
func NewDecisionNode(id string, predicate Predicate, opts ...NodeOption) *DecisionNode {
	n := &DecisionNode{baseNode: baseNode{id: id}, predicate: predicate}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *DecisionNode) Run(_ context.Context, nctx *NodeContext) (*NodeResult, error) {
	if n.predicate == nil {
		return nil, fmt.Errorf("decision node %s has no predicate", n.id)
	}
	branch := BranchFalse
	if n.predicate(nctx.State) {
		branch = BranchTrue
	}
	return &NodeResult{
		Metadata: map[string]any{MetadataKeyDecisionBranch: branch},
	}, nil
}

// OutputNode is a terminal node that packages selected state keys into the
// final message. An empty key list packages the whole state.
type OutputNode struct {
	baseNode
	keys []string
}

// NewOutputNode creates an output node selecting the given state keys.
func NewOutputNode(id string, keys []string, opts ...NodeOption) *OutputNode {
	n := &OutputNode{baseNode: baseNode{id: id}, keys: keys}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *OutputNode) Run(_ context.Context, nctx *NodeContext) (*NodeResult, error) {
	packaged := make(map[string]any)
	if len(n.keys) == 0 {
		for k, v := range nctx.State {
			packaged[k] = v
		}
	} else {
		for _, k := range n.keys {
			if v, ok := nctx.State[k]; ok {
				packaged[k] = v
			}
		}
	}
	return &NodeResult{Data: State{StateKeyOutput: packaged}}, nil
}

// Terminal implements Terminal: an output node legally ends a run.
func (n *OutputNode) Terminal() bool {
	return true
}

// HumanNode unconditionally emits a human-in-the-loop tool call, pausing the
// run until a response arrives.
type HumanNode struct {
	baseNode
	prompt  string
	kind    message.HITLKind
	options []string
}

// NewHumanNode creates a human node. options lists the canonical answers
// for selection kinds and may be nil for confirmation and text kinds.
func NewHumanNode(id, prompt string, kind message.HITLKind, options []string, opts ...NodeOption) *HumanNode {
	n := &HumanNode{baseNode: baseNode{id: id}, prompt: prompt, kind: kind, options: options}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *HumanNode) Run(_ context.Context, _ *NodeContext) (*NodeResult, error) {
	if !n.kind.IsHITL() {
		return nil, fmt.Errorf("human node %s has no HITL kind", n.id)
	}
	return &NodeResult{
		Pause: &PauseRequest{
			Prompt:  n.prompt,
			Kind:    n.kind,
			Options: n.options,
		},
	}, nil
}

// SubGraphNode runs a nested graph through the installed invoker and
// summarizes the result. The nested run carries subgraphDepth+1; reaching
// the configured depth limit fails with ErrSubgraphDepthExceeded. Nested
// runs must complete synchronously; a nested pause surfaces as a failure.
type SubGraphNode struct {
	baseNode
	sub *Graph
}

// NewSubGraphNode creates a sub-graph node.
func NewSubGraphNode(id string, sub *Graph, opts ...NodeOption) *SubGraphNode {
	n := &SubGraphNode{baseNode: baseNode{id: id}, sub: sub}
	for _, opt := range opts {
		opt(&n.baseNode)
	}
	return n
}

// Run implements Node.
func (n *SubGraphNode) Run(ctx context.Context, nctx *NodeContext) (*NodeResult, error) {
	if n.sub == nil {
		return nil, fmt.Errorf("subgraph node %s has no graph", n.id)
	}
	exec := nctx.Exec
	if exec == nil || exec.Invoker == nil {
		return nil, fmt.Errorf("subgraph node %s: %w", n.id, ErrNoInvoker)
	}
	if exec.SubgraphDepth+1 >= exec.DepthLimit() {
		return nil, fmt.Errorf("%w: depth %d at node %s", ErrSubgraphDepthExceeded, exec.SubgraphDepth+1, n.id)
	}

	childRunID := exec.RunID + "." + n.id
	child := exec.Child(childRunID)

	inner := message.New(nctx.Message.Content,
		message.WithMetadata(nctx.Message.Metadata),
		message.WithSender(nctx.Message.Sender),
		message.WithCorrelationID(nctx.Message.CorrelationID),
	)
	final, err := exec.Invoker.Invoke(ctx, n.sub, inner, child)
	if err != nil {
		return nil, fmt.Errorf("subgraph node %s: %w", n.id, err)
	}
	if final.State != message.StateCompleted {
		return nil, fmt.Errorf("subgraph node %s: nested run %s finished in state %s", n.id, childRunID, final.State)
	}

	return &NodeResult{
		Data: State{StateKeySubgraphPrefix + n.id: final.Content},
		Metadata: map[string]any{
			MetadataKeySubgraphState: final.State.String(),
			MetadataKeySubgraphRunID: childRunID,
		},
	}, nil
}
