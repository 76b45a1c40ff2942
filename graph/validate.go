//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "fmt"

// Validate runs every structural check and returns a ValidationError
// aggregating all detected problems, or nil when the graph is sound.
// Validation never mutates the graph and is idempotent.
func (g *Graph) Validate() error {
	var problems []string

	if len(g.nodes) == 0 {
		problems = append(problems, "graph has no nodes")
	}

	if g.entryPoint == "" {
		if len(g.nodes) > 0 {
			problems = append(problems, "entry point is not set")
		}
	} else if _, ok := g.nodes[g.entryPoint]; !ok {
		problems = append(problems, fmt.Sprintf("entry point %q is not a node", g.entryPoint))
	}

	problems = append(problems, g.checkEdgeReferences()...)

	if !g.allowCycles {
		if cycleNodes := g.findCycleNodes(); len(cycleNodes) > 0 {
			problems = append(problems, cycleProblem(cycleNodes))
		}
	}

	problems = append(problems, g.checkReachability()...)

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{GraphID: g.id, Problems: problems}
}

// checkEdgeReferences verifies every edge references existing nodes.
// Wildcard is allowed for From, never for To.
func (g *Graph) checkEdgeReferences() []string {
	var problems []string
	for _, e := range g.edges {
		if e.To == Wildcard {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: wildcard target is not allowed", e.From, e.To))
			continue
		}
		if e.From != Wildcard {
			if _, ok := g.nodes[e.From]; !ok {
				problems = append(problems, fmt.Sprintf("edge %s -> %s references unknown node %q", e.From, e.To, e.From))
			}
		}
		if _, ok := g.nodes[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s -> %s references unknown node %q", e.From, e.To, e.To))
		}
	}
	return problems
}

// findCycleNodes runs a depth-first search with a recursion stack over the
// explicit edges and returns every node participating in a cycle. Wildcard
// edges do not participate in cycle detection.
func (g *Graph) findCycleNodes() map[string]bool {
	adjacency := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		if e.From == Wildcard || e.To == Wildcard {
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	color := make(map[string]int, len(g.nodes))
	cycleNodes := make(map[string]bool)

	var stack []string
	var visit func(id string)
	visit = func(id string) {
		color[id] = inStack
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			if _, ok := g.nodes[next]; !ok {
				continue
			}
			switch color[next] {
			case unvisited:
				visit(next)
			case inStack:
				// Back-edge: every node from next to the stack top closes
				// the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					cycleNodes[stack[i]] = true
					if stack[i] == next {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
	}

	for id := range g.nodes {
		if color[id] == unvisited {
			visit(id)
		}
	}
	return cycleNodes
}

// checkReachability verifies every node is reachable from the entry point.
// Wildcard edges contribute their target as reachable from every node that
// is already reachable, so a single wildcard edge makes its target reachable
// as soon as anything is.
func (g *Graph) checkReachability() []string {
	if g.entryPoint == "" {
		return nil
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil
	}

	reachable := map[string]bool{g.entryPoint: true}
	for changed := true; changed; {
		changed = false
		for _, e := range g.edges {
			if e.To == Wildcard {
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				continue
			}
			if reachable[e.To] {
				continue
			}
			if e.From == Wildcard || reachable[e.From] {
				reachable[e.To] = true
				changed = true
			}
		}
	}

	var problems []string
	for _, id := range g.NodeIDs() {
		if !reachable[id] {
			problems = append(problems, fmt.Sprintf("node %q is not reachable from entry point %q", id, g.entryPoint))
		}
	}
	return problems
}
