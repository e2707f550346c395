// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

func textTable(ids ...string) map[string]datatypes.NodeText {
	out := map[string]datatypes.NodeText{}
	for _, id := range ids {
		out[id] = datatypes.NodeText{ID: id, Path: "src/" + id + ".cs", Text: "body of " + id}
	}
	return out
}

// TestFetchNodeTextsHappyPath verifies seed-first ordering and that the
// fetched texts land in state.
func TestFetchNodeTextsHappyPath(t *testing.T) {
	state := newRunState()
	state.RetrievalSeedNodes = []string{"demo-repo::snap-1::function::seed"}
	state.GraphExpandedNodes = []string{"demo-repo::snap-1::function::seed", "demo-repo::snap-1::function::dep"}
	graph := &scriptedGraph{texts: textTable(
		"demo-repo::snap-1::function::seed", "demo-repo::snap-1::function::dep")}
	step := testStep("fetch", "fetch_node_texts", nil)

	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: graph}))
	require.NoError(t, err)

	require.Len(t, graph.fetchRequests, 1)
	req := graph.fetchRequests[0]
	assert.Equal(t, []string{"demo-repo::snap-1::function::seed", "demo-repo::snap-1::function::dep"}, req.NodeIDs)
	assert.Equal(t, "main", req.Branch)
	assert.Equal(t, defaultFetchMaxChars, req.MaxChars)

	require.Len(t, state.NodeTexts, 2)
	assert.Equal(t, "demo-repo::snap-1::function::seed", state.NodeTexts[0].ID)
}

// TestFetchNodeTextsRequiresBranch verifies the branch scope is
// mandatory.
func TestFetchNodeTextsRequiresBranch(t *testing.T) {
	state := newRunState()
	state.Branch = ""
	state.RetrievalSeedNodes = []string{"demo-repo::snap-1::function::seed"}
	step := testStep("fetch", "fetch_node_texts", nil)

	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: &scriptedGraph{}}))
	assert.ErrorIs(t, err, datatypes.ErrContract)
}

// TestFetchNodeTextsBudgetExclusivity verifies max_chars and
// budget_tokens cannot both be set.
func TestFetchNodeTextsBudgetExclusivity(t *testing.T) {
	state := newRunState()
	step := testStep("fetch", "fetch_node_texts", map[string]any{
		"max_chars": 1000, "budget_tokens": 100,
	})
	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: &scriptedGraph{}}))
	assert.ErrorIs(t, err, datatypes.ErrContract)
}

// TestFetchNodeTextsDegradesWithoutProvider verifies a missing provider
// or empty candidate set annotates graph_debug and passes through.
func TestFetchNodeTextsDegradesWithoutProvider(t *testing.T) {
	state := newRunState()
	state.RetrievalSeedNodes = []string{"demo-repo::snap-1::function::seed"}
	step := testStep("fetch", "fetch_node_texts", nil)

	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{}))
	require.NoError(t, err)
	assert.Equal(t, "missing_graph_provider", state.GraphDebug["fetch_node_texts"])
	assert.Empty(t, state.NodeTexts)

	state = newRunState()
	_, err = NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: &scriptedGraph{}}))
	require.NoError(t, err)
	assert.Equal(t, "no_node_ids", state.GraphDebug["fetch_node_texts"])
}

// TestFetchNodeTextsPackingSkipsOversize verifies whole over-budget
// texts are skipped, never truncated, and later texts may still fit.
func TestFetchNodeTextsPackingSkipsOversize(t *testing.T) {
	big := "demo-repo::snap-1::function::big"
	small1 := "demo-repo::snap-1::function::small1"
	small2 := "demo-repo::snap-1::function::small2"
	graph := &scriptedGraph{texts: map[string]datatypes.NodeText{
		big:    {ID: big, Text: strings.Repeat("x", 120)},
		small1: {ID: small1, Text: strings.Repeat("a", 40)},
		small2: {ID: small2, Text: strings.Repeat("b", 40)},
	}}
	state := newRunState()
	state.RetrievalSeedNodes = []string{small1, big, small2}
	step := testStep("fetch", "fetch_node_texts", map[string]any{"max_chars": 100})

	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: graph}))
	require.NoError(t, err)

	require.Len(t, state.NodeTexts, 2)
	assert.Equal(t, small1, state.NodeTexts[0].ID)
	assert.Equal(t, small2, state.NodeTexts[1].ID)
	for _, nt := range state.NodeTexts {
		assert.Len(t, nt.Text, 40, "texts are intact, never truncated")
	}
}

// TestFetchNodeTextsTokenBudget verifies budget_tokens packs by token
// count and requires a counter.
func TestFetchNodeTextsTokenBudget(t *testing.T) {
	a := "demo-repo::snap-1::function::a"
	b := "demo-repo::snap-1::function::b"
	graph := &scriptedGraph{texts: map[string]datatypes.NodeText{
		a: {ID: a, Text: strings.Repeat("word ", 30)},
		b: {ID: b, Text: strings.Repeat("word ", 30)},
	}}
	state := newRunState()
	state.RetrievalSeedNodes = []string{a, b}
	step := testStep("fetch", "fetch_node_texts", map[string]any{"budget_tokens": 40})

	_, err := NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: graph, Tokens: wordCounter{}}))
	require.NoError(t, err)
	require.Len(t, state.NodeTexts, 1)
	assert.Equal(t, a, state.NodeTexts[0].ID)

	// Without a counter the token budget is a contract violation.
	state = newRunState()
	state.RetrievalSeedNodes = []string{a}
	_, err = NewFetchNodeTexts().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, &engine.Runtime{Graph: graph}))
	assert.ErrorIs(t, err, datatypes.ErrContract)
}

// TestFetchNodeTextsPriorityModes verifies graph_first walks each seed's
// descendants and balanced interleaves.
func TestFetchNodeTextsPriorityModes(t *testing.T) {
	seed := "demo-repo::snap-1::function::seed"
	kid := "demo-repo::snap-1::function::kid"
	other := "demo-repo::snap-1::function::other"

	state := newRunState()
	state.RetrievalSeedNodes = []string{seed}
	state.GraphExpandedNodes = []string{seed, kid, other}
	state.GraphEdges = []datatypes.GraphEdge{{From: seed, To: kid, Type: "calls"}}

	got := orderCandidates("graph_first", state)
	assert.Equal(t, []string{seed, kid, other}, got)

	got = orderCandidates("balanced", state)
	assert.Equal(t, seed, got[0])
	assert.Len(t, got, 3)

	got = orderCandidates("seed_first", state)
	assert.Equal(t, []string{seed, kid, other}, got)
}
