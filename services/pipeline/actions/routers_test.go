// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

func prefixRouterStep(onOther string) *datatypes.StepDef {
	return testStep("route", "prefix_router", map[string]any{
		"routes": map[string]any{
			"bm25":   map[string]any{"prefix": "[BM25:]", "next": "search"},
			"direct": map[string]any{"prefix": "[DIRECT:]", "next": "direct_answer"},
		},
		"on_other": onOther,
	})
}

// TestPrefixRouterMatch verifies prefix stripping, last_prefix, and the
// route transition.
func TestPrefixRouterMatch(t *testing.T) {
	state := newRunState()
	state.LastModelResponse = "  \n[BM25:] import pipeline"
	ec := execCtx(testPipeline(nil), prefixRouterStep("fallback"), state, nil)

	next, err := NewPrefixRouter().Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "search", next)
	assert.Equal(t, "bm25", state.LastPrefix)
	assert.Equal(t, "import pipeline", state.LastModelResponse)
}

// TestPrefixRouterDeclarationOrder verifies the first-declared route
// wins when several prefixes match, even against lexical order.
func TestPrefixRouterDeclarationOrder(t *testing.T) {
	step := testStep("route", "prefix_router", map[string]any{
		"routes": map[string]any{
			"zebra": map[string]any{"prefix": "[X]", "next": "z_step"},
			"alpha": map[string]any{"prefix": "[X]", "next": "a_step"},
		},
		"on_other": "fallback",
	})
	step.Order = map[string][]string{"routes": {"zebra", "alpha"}}

	state := newRunState()
	state.LastModelResponse = "[X] hello"
	next, err := NewPrefixRouter().Execute(context.Background(),
		execCtx(testPipeline(nil), step, state, nil))
	require.NoError(t, err)
	assert.Equal(t, "z_step", next)
	assert.Equal(t, "zebra", state.LastPrefix)
}

// TestPrefixRouterNoMatch verifies on_other keeps the text unchanged and
// clears last_prefix.
func TestPrefixRouterNoMatch(t *testing.T) {
	state := newRunState()
	state.LastPrefix = "stale"
	state.LastModelResponse = "plain answer text"
	ec := execCtx(testPipeline(nil), prefixRouterStep("fallback"), state, nil)

	next, err := NewPrefixRouter().Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "fallback", next)
	assert.Equal(t, "", state.LastPrefix)
	assert.Equal(t, "plain answer text", state.LastModelResponse)
}

// TestPrefixRouterIdempotentModuloWhitespace verifies routing the same
// response twice (with extra leading whitespace) lands identically.
func TestPrefixRouterIdempotentModuloWhitespace(t *testing.T) {
	run := func(response string) (string, string) {
		state := newRunState()
		state.LastModelResponse = response
		ec := execCtx(testPipeline(nil), prefixRouterStep("fallback"), state, nil)
		next, err := NewPrefixRouter().Execute(context.Background(), ec)
		require.NoError(t, err)
		return next, state.LastModelResponse
	}
	next1, text1 := run("[DIRECT:] the answer")
	next2, text2 := run("   \t[DIRECT:] the answer")
	assert.Equal(t, next1, next2)
	assert.Equal(t, text1, text2)
}

// TestPrefixRouterContract verifies routes and on_other are mandatory
// and malformed routes fail with ErrContract.
func TestPrefixRouterContract(t *testing.T) {
	state := newRunState()
	ec := execCtx(testPipeline(nil), testStep("route", "prefix_router", map[string]any{
		"on_other": "x",
	}), state, nil)
	_, err := NewPrefixRouter().Execute(context.Background(), ec)
	assert.ErrorIs(t, err, datatypes.ErrContract)

	ec = execCtx(testPipeline(nil), testStep("route", "prefix_router", map[string]any{
		"routes": map[string]any{"bm25": map[string]any{"prefix": "[BM25:]"}},
		"on_other": "x",
	}), state, nil)
	_, err = NewPrefixRouter().Execute(context.Background(), ec)
	require.ErrorIs(t, err, datatypes.ErrContract)
	assert.Contains(t, err.Error(), "next is required")
}

// TestJSONDecisionRouterRoutes verifies decision extraction, residue
// cleanup, and the route table.
func TestJSONDecisionRouterRoutes(t *testing.T) {
	state := newRunState()
	state.LastModelResponse = "```json\n{\"decision\": \"search\", \"query\": \"auth flow\"}\n```"
	ec := execCtx(testPipeline(nil), testStep("route", "json_decision_router", map[string]any{
		"routes":   map[string]any{"search": "do_search", "answer": "do_answer"},
		"on_other": "fallback",
	}), state, nil)

	next, err := NewJSONDecisionRouter().Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "do_search", next)

	// Routing residue is removed; the payload keys survive.
	cleaned, err := datatypes.ParseJSONish(state.LastModelResponse)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "auth flow"}, cleaned)
}

// TestJSONDecisionRouterOnOther verifies unknown decisions and
// unparseable responses route to on_other.
func TestJSONDecisionRouterOnOther(t *testing.T) {
	step := testStep("route", "json_decision_router", map[string]any{
		"routes":   map[string]any{"search": "do_search"},
		"on_other": "fallback",
	})

	state := newRunState()
	state.LastModelResponse = `{"decision": "unknown_mode"}`
	next, err := NewJSONDecisionRouter().Execute(context.Background(), execCtx(testPipeline(nil), step, state, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback", next)

	state = newRunState()
	state.LastModelResponse = "not an object at all"
	next, err = NewJSONDecisionRouter().Execute(context.Background(), execCtx(testPipeline(nil), step, state, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback", next)
	assert.Equal(t, "not an object at all", state.LastModelResponse)
}
