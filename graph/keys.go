//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Metadata keys written into node results by the built-in variants.
const (
	// MetadataKeyDecisionBranch records the branch a decision node chose:
	// "true" or "false".
	MetadataKeyDecisionBranch = "decision.branch"
	// MetadataKeySubgraphState records the final execution state of a
	// nested graph run.
	MetadataKeySubgraphState = "subgraph.state"
	// MetadataKeySubgraphRunID records the run id of a nested graph run.
	MetadataKeySubgraphRunID = "subgraph.runId"
	// MetadataKeyToolName records the tool a tool node invoked.
	MetadataKeyToolName = "tool.name"
	// MetadataKeyToolErrorCode records the error code of a failed tool call.
	MetadataKeyToolErrorCode = "tool.errorCode"
)

// State keys written by the built-in variants.
const (
	// StateKeyOutput holds the packaged map an output node produced.
	StateKeyOutput = "output"
	// StateKeyHumanResponse holds the merged human response after resume.
	StateKeyHumanResponse = "human.response"
	// StateKeySubgraphPrefix prefixes the state key carrying a nested
	// graph's final content, followed by the sub-graph node id.
	StateKeySubgraphPrefix = "subgraph."
)

// Decision branch values recorded under MetadataKeyDecisionBranch.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// BranchGuard returns a guard taking the edge when the completed decision
// node chose the given branch.
func BranchGuard(branch string) Guard {
	return func(result *NodeResult) bool {
		if result == nil || result.Metadata == nil {
			return false
		}
		chosen, ok := result.Metadata[MetadataKeyDecisionBranch].(string)
		return ok && chosen == branch
	}
}
