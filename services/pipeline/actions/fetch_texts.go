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
	"sort"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// defaultFetchMaxChars caps fetched text when the step names neither
// max_chars nor budget_tokens.
const defaultFetchMaxChars = 50000

// FetchNodeTexts implements "fetch_node_texts": it pulls the source
// texts of the seed and expanded nodes under a budget.
//
// Parameters:
//
//	max_chars:     character budget (default 50000)
//	budget_tokens: token budget, mutually exclusive with max_chars
//	priority:      seed_first (default) | graph_first | balanced
//
// Candidates are ordered by the priority mode, then packed greedily:
// a candidate whose whole text would overflow the remaining budget is
// skipped, never truncated, so every emitted text is intact.
type FetchNodeTexts struct {
	BaseAction
}

func NewFetchNodeTexts() *FetchNodeTexts {
	return &FetchNodeTexts{BaseAction{ID: "fetch_node_texts"}}
}

func (a *FetchNodeTexts) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{"node_texts": len(ec.State.NodeTexts), "next": next}
}

func (a *FetchNodeTexts) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State

	_, hasChars := step.RawInt("max_chars")
	_, hasTokens := step.RawInt("budget_tokens")
	if hasChars && hasTokens {
		return "", contractErr(step, "max_chars and budget_tokens are mutually exclusive")
	}
	if state.Branch == "" {
		return "", contractErr(step, "state.branch is required to fetch node texts")
	}

	nodeIDs := orderCandidates(step.RawString("priority", "seed_first"), state)
	if ec.Runtime.Graph == nil || len(nodeIDs) == 0 {
		reason := "no_node_ids"
		if ec.Runtime.Graph == nil {
			reason = "missing_graph_provider"
		}
		if state.GraphDebug == nil {
			state.GraphDebug = map[string]any{}
		}
		state.GraphDebug["fetch_node_texts"] = reason
		state.NodeTexts = []datatypes.NodeText{}
		return "", nil
	}

	maxChars := defaultFetchMaxChars
	if v, ok := step.RawInt("max_chars"); ok {
		maxChars = v
	}
	texts, err := ec.Runtime.Graph.FetchNodeTexts(ctx, engine.FetchTextsRequest{
		NodeIDs:    nodeIDs,
		Repository: state.Repository,
		Branch:     state.Branch,
		SnapshotID: state.SnapshotID,
		MaxChars:   maxChars,
	})
	if err != nil {
		return "", fmt.Errorf("step %q: fetch node texts failed: %w", step.ID, err)
	}

	byID := make(map[string]datatypes.NodeText, len(texts))
	for _, t := range texts {
		byID[t.ID] = t
	}

	// Pack in priority order; skip whole candidates that would overflow.
	budgetTokens, useTokens := step.RawInt("budget_tokens")
	used := 0
	var packed []datatypes.NodeText
	for _, id := range nodeIDs {
		t, ok := byID[id]
		if !ok || t.Text == "" {
			continue
		}
		cost := len(t.Text)
		limit := maxChars
		if useTokens {
			if ec.Runtime.Tokens == nil {
				return "", contractErr(step, "budget_tokens requires a token counter")
			}
			cost = ec.Runtime.Tokens.Count(t.Text)
			limit = budgetTokens
		}
		if used+cost > limit {
			continue
		}
		used += cost
		packed = append(packed, t)
	}
	state.NodeTexts = packed
	return "", nil
}

// orderCandidates merges seed and graph-expanded node ids into the
// fetch order for the configured priority mode.
func orderCandidates(priority string, state *datatypes.State) []string {
	seeds := state.RetrievalSeedNodes
	if len(seeds) == 0 {
		seeds = state.GraphSeedNodes
	}
	seedSet := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		seedSet[s] = struct{}{}
	}
	var graphOnly []string
	for _, n := range state.GraphExpandedNodes {
		if _, isSeed := seedSet[n]; !isSeed {
			graphOnly = append(graphOnly, n)
		}
	}
	depths := nodeDepths(state)

	switch priority {
	case "graph_first":
		// Each seed followed by its own descendants, via the parent map.
		children := map[string][]string{}
		for _, e := range state.GraphEdges {
			children[e.From] = append(children[e.From], e.To)
		}
		var out []string
		seen := map[string]struct{}{}
		var walk func(id string)
		walk = func(id string) {
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			out = append(out, id)
			kids := append([]string{}, children[id]...)
			sort.Strings(kids)
			for _, c := range kids {
				walk(c)
			}
		}
		for _, s := range seeds {
			walk(s)
		}
		for _, n := range graphOnly {
			walk(n)
		}
		return out
	case "balanced":
		// Interleave seeds with graph-only nodes ordered by depth.
		sortByDepthThenID(graphOnly, depths)
		var out []string
		i, j := 0, 0
		for i < len(seeds) || j < len(graphOnly) {
			if i < len(seeds) {
				out = append(out, seeds[i])
				i++
			}
			if j < len(graphOnly) {
				out = append(out, graphOnly[j])
				j++
			}
		}
		return out
	default: // seed_first
		sortByDepthThenID(graphOnly, depths)
		return append(append([]string{}, seeds...), graphOnly...)
	}
}

// nodeDepths reads the BFS depth map the graph provider stores in
// graph_debug. Values may be int or float64 depending on how the
// debug map traveled.
func nodeDepths(state *datatypes.State) map[string]int {
	depths := map[string]int{}
	raw, ok := state.GraphDebug["depths"]
	if !ok {
		return depths
	}
	switch m := raw.(type) {
	case map[string]int:
		return m
	case map[string]any:
		for k, v := range m {
			switch n := v.(type) {
			case int:
				depths[k] = n
			case float64:
				depths[k] = int(n)
			}
		}
	}
	return depths
}

func sortByDepthThenID(ids []string, depths map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool {
		di, dj := depths[ids[i]], depths[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
}
