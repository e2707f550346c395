// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"
	"fmt"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Default expansion limits when the named settings are absent.
const (
	defaultExpandMaxDepth = 2
	defaultExpandMaxNodes = 50
)

// ExpandDependencyTree implements "expand_dependency_tree": BFS over
// the dependency graph from the current seed nodes.
//
// Parameters (each names a settings key, so one base pipeline can
// carry several expansion profiles):
//
//	max_depth_from_settings:      default "graph_expand_max_depth"
//	max_nodes_from_settings:      default "graph_expand_max_nodes"
//	edge_allowlist_from_settings: default "graph_edge_allowlist"
//
// Seeds come from retrieval_seed_nodes, falling back to
// graph_seed_nodes, then to a "node_ids" list in the model response.
// Missing seeds or a missing provider are not errors; the step
// annotates graph_debug with the reason and passes through.
type ExpandDependencyTree struct {
	BaseAction
}

func NewExpandDependencyTree() *ExpandDependencyTree {
	return &ExpandDependencyTree{BaseAction{ID: "expand_dependency_tree"}}
}

func (a *ExpandDependencyTree) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"seeds":    len(ec.State.GraphSeedNodes),
		"expanded": len(ec.State.GraphExpandedNodes),
		"edges":    len(ec.State.GraphEdges),
		"next":     next,
	}
}

func (a *ExpandDependencyTree) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	state := ec.State
	step := ec.Step

	seeds := state.RetrievalSeedNodes
	if len(seeds) == 0 {
		seeds = state.GraphSeedNodes
	}
	if len(seeds) == 0 {
		seeds = seedsFromResponse(state.LastModelResponse)
	}
	if len(seeds) == 0 {
		state.GraphDebug = map[string]any{"reason": "no_seeds"}
		return "", nil
	}
	if ec.Runtime.Graph == nil {
		state.GraphDebug = map[string]any{"reason": "missing_graph_provider"}
		return "", nil
	}

	depthKey := step.RawString("max_depth_from_settings", "graph_expand_max_depth")
	nodesKey := step.RawString("max_nodes_from_settings", "graph_expand_max_nodes")
	allowKey := step.RawString("edge_allowlist_from_settings", "graph_edge_allowlist")

	req := engine.ExpandRequest{
		SeedNodes:     seeds,
		MaxDepth:      ec.Pipeline.SettingInt(depthKey, defaultExpandMaxDepth),
		MaxNodes:      ec.Pipeline.SettingInt(nodesKey, defaultExpandMaxNodes),
		EdgeAllowlist: anyToStringSlice(ec.Pipeline.Settings[allowKey]),
		Repository:    state.Repository,
		Branch:        state.Branch,
		SnapshotID:    state.SnapshotID,
	}
	result, err := ec.Runtime.Graph.Expand(ctx, req)
	if err != nil {
		return "", fmt.Errorf("step %q: graph expansion failed: %w", step.ID, err)
	}

	state.GraphSeedNodes = seeds
	state.GraphExpandedNodes = result.Nodes
	state.GraphEdges = result.Edges
	state.GraphDebug = result.Debug
	if state.GraphDebug == nil {
		state.GraphDebug = map[string]any{}
	}
	return "", nil
}

// seedsFromResponse extracts a "node_ids" list from a JSON-ish model
// response, the last-resort seed source.
func seedsFromResponse(text string) []string {
	obj, err := datatypes.ParseJSONish(text)
	if err != nil {
		return nil
	}
	return anyToStringSlice(obj["node_ids"])
}
