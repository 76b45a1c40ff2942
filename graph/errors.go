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
	"sort"
	"strings"
)

// Sentinel errors of the graph package.
var (
	// ErrSubgraphDepthExceeded guards against unbounded sub-graph recursion.
	ErrSubgraphDepthExceeded = errors.New("subgraph depth exceeded")
	// ErrNoInvoker is returned when a sub-graph node runs outside a runner.
	ErrNoInvoker = errors.New("no subgraph invoker installed")
	// ErrAgentNotReady is returned when an agent node's agent reports not ready.
	ErrAgentNotReady = errors.New("agent not ready")
)

// ValidationError aggregates every structural problem the validator found.
// Validation is idempotent: validating the same graph again yields the same
// problem set.
type ValidationError struct {
	GraphID  string
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph %s validation failed: %s", e.GraphID, strings.Join(e.Problems, "; "))
}

// HasProblem reports whether any recorded problem contains the substring.
func (e *ValidationError) HasProblem(substring string) bool {
	for _, p := range e.Problems {
		if strings.Contains(p, substring) {
			return true
		}
	}
	return false
}

// cycleProblem formats the problem reported for a detected cycle.
func cycleProblem(nodes map[string]bool) string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("graph contains cycles involving %s", strings.Join(ids, ", "))
}
