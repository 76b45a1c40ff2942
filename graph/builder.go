//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

// Builder assembles a graph and freezes it with Compile. The zero Builder is
// not usable; create one with NewBuilder.
//
// Builder methods chain:
//
//	g, err := graph.NewBuilder("checkout").
//	  AddNode(fetchNode).
//	  AddNode(reviewNode).
//	  AddEdge("fetch", "review").
//	  SetEntryPoint("fetch").
//	  Compile()
type Builder struct {
	graph     *Graph
	buildErrs []string
}

// NewBuilder creates a builder for a graph with the given id.
func NewBuilder(graphID string) *Builder {
	return &Builder{
		graph: &Graph{
			id:    graphID,
			nodes: make(map[string]Node),
		},
	}
}

// AddNode adds a node. Duplicate or empty ids are reported at Compile.
func (b *Builder) AddNode(n Node) *Builder {
	if n == nil {
		b.buildErrs = append(b.buildErrs, "nil node")
		return b
	}
	id := n.ID()
	if id == "" {
		b.buildErrs = append(b.buildErrs, "node with empty id")
		return b
	}
	if id == Wildcard {
		b.buildErrs = append(b.buildErrs, fmt.Sprintf("node id %q is reserved", Wildcard))
		return b
	}
	if _, exists := b.graph.nodes[id]; exists {
		b.buildErrs = append(b.buildErrs, fmt.Sprintf("duplicate node id %q", id))
		return b
	}
	b.graph.nodes[id] = n
	return b
}

// AddEdge adds an unguarded edge, taken whenever it is reached in
// declaration order. Wildcard is allowed for from.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.AddConditionalEdge(from, to, nil)
}

// AddConditionalEdge adds an edge taken only when the guard accepts the
// completed node's result.
func (b *Builder) AddConditionalEdge(from, to string, guard Guard) *Builder {
	if from == "" || to == "" {
		b.buildErrs = append(b.buildErrs, "edge with empty endpoint")
		return b
	}
	b.graph.edges = append(b.graph.edges, Edge{From: from, To: to, Guard: guard})
	return b
}

// SetEntryPoint declares the node execution starts from.
func (b *Builder) SetEntryPoint(nodeID string) *Builder {
	b.graph.entryPoint = nodeID
	return b
}

// AllowCycles opts the graph in to cyclic structure. The default is false.
func (b *Builder) AllowCycles(allow bool) *Builder {
	b.graph.allowCycles = allow
	return b
}

// Use appends middleware to the graph's ordered chain.
func (b *Builder) Use(middleware ...Middleware) *Builder {
	b.graph.middleware = append(b.graph.middleware, middleware...)
	return b
}

// Compile validates the assembled graph and returns the immutable value.
// Build problems and validation problems are reported together.
func (b *Builder) Compile() (*Graph, error) {
	problems := make([]string, len(b.buildErrs))
	copy(problems, b.buildErrs)

	if err := b.graph.Validate(); err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			problems = append(problems, vErr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{GraphID: b.graph.id, Problems: problems}
	}
	return b.graph, nil
}

// MustCompile compiles the graph or panics. Intended for graphs assembled
// from constants at startup.
func (b *Builder) MustCompile() *Graph {
	g, err := b.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
