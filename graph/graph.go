//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides the immutable workflow graph model: nodes, guarded
// edges, middleware and the structural validator. Graphs are constructed
// once through a Builder, validated once, and reused across many runs.
package graph

import "sort"

// Wildcard is the edge source matching every node. A wildcard edge never
// routes a node to itself and wildcard targets are invalid.
const Wildcard = "*"

// State is the keyed execution state flowing between nodes.
type State map[string]any

// Clone creates a shallow copy of the state map.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Merge returns a copy of the state with updates applied on top.
func (s State) Merge(updates State) State {
	merged := s.Clone()
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

// Guard decides whether an edge is taken based on the node result that just
// completed. A nil guard is always taken.
type Guard func(result *NodeResult) bool

// Edge is a directed connection between two nodes. Edges are evaluated in
// declaration order; the first edge whose guard accepts wins.
type Edge struct {
	From  string
	To    string
	Guard Guard
}

// Guarded reports whether the edge carries a guard.
func (e Edge) Guarded() bool {
	return e.Guard != nil
}

// Graph is an immutable workflow graph. Construction goes through a Builder;
// after Compile the graph never changes, so it is safe to share across
// goroutines and runs.
type Graph struct {
	id          string
	nodes       map[string]Node
	edges       []Edge
	entryPoint  string
	allowCycles bool
	middleware  []Middleware
}

// ID returns the graph identifier.
func (g *Graph) ID() string {
	return g.id
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns the ids of all nodes in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// EdgesFrom returns the edges leaving the given node in declaration order.
// Wildcard edges are included after explicit edges, preserving their own
// declared order, and never route a node to itself.
func (g *Graph) EdgesFrom(nodeID string) []Edge {
	var explicit, wildcard []Edge
	for _, e := range g.edges {
		switch e.From {
		case nodeID:
			explicit = append(explicit, e)
		case Wildcard:
			if e.To != nodeID {
				wildcard = append(wildcard, e)
			}
		}
	}
	return append(explicit, wildcard...)
}

// EntryPoint returns the id of the entry node.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// AllowsCycles reports whether the graph opted in to cyclic structure.
func (g *Graph) AllowsCycles() bool {
	return g.allowCycles
}

// Middleware returns the ordered middleware chain supplied at construction.
func (g *Graph) Middleware() []Middleware {
	out := make([]Middleware, len(g.middleware))
	copy(out, g.middleware)
	return out
}

// TerminalNodes returns the ids of nodes with no explicit outgoing edges,
// in sorted order. Wildcard edges do not count toward out-degree.
func (g *Graph) TerminalNodes() []string {
	outDegree := make(map[string]int, len(g.nodes))
	for _, e := range g.edges {
		if e.From != Wildcard {
			outDegree[e.From]++
		}
	}
	var terminals []string
	for id := range g.nodes {
		if outDegree[id] == 0 {
			terminals = append(terminals, id)
		}
	}
	sort.Strings(terminals)
	return terminals
}

// IsDAG reports whether the explicit edges form a directed acyclic graph.
// Wildcard edges do not participate in cycle detection.
func (g *Graph) IsDAG() bool {
	return len(g.findCycleNodes()) == 0
}
