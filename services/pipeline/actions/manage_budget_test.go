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

func budgetStep(raw map[string]any) *datatypes.StepDef {
	if raw == nil {
		raw = map[string]any{}
	}
	raw["on_ok"] = "answer"
	raw["on_over"] = "too_big"
	return testStep("budget", "manage_context_budget", raw)
}

func budgetRuntime(counter engine.TokenCounter) *engine.Runtime {
	return &engine.Runtime{Tokens: counter}
}

// TestManageBudgetCommit verifies accepted texts become formatted
// context blocks and the consumed node texts are cleared.
func TestManageBudgetCommit(t *testing.T) {
	state := newRunState()
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::function::a", Path: "src/a.py", Text: "def a(): pass"},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 100})

	next, err := NewManageContextBudget().Execute(context.Background(),
		execCtx(def, budgetStep(nil), state, budgetRuntime(wordCounter{})))
	require.NoError(t, err)
	assert.Equal(t, "answer", next)
	require.Len(t, state.ContextBlocks, 1)
	assert.True(t, strings.HasPrefix(state.ContextBlocks[0], "--- NODE ---\nid: demo-repo::snap-1::function::a\n"))
	assert.Contains(t, state.ContextBlocks[0], "def a(): pass")
	assert.Nil(t, state.NodeTexts)
}

// TestManageBudgetTransactionalOnOver verifies the over-budget path
// leaves context_blocks and node_texts untouched.
func TestManageBudgetTransactionalOnOver(t *testing.T) {
	existing := strings.Repeat("word ", 80)
	state := newRunState()
	state.ContextBlocks = []string{existing}
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::function::big", Text: strings.Repeat("token ", 60)},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 100})

	next, err := NewManageContextBudget().Execute(context.Background(),
		execCtx(def, budgetStep(nil), state, budgetRuntime(wordCounter{})))
	require.NoError(t, err)
	assert.Equal(t, "too_big", next)
	assert.Equal(t, []string{existing}, state.ContextBlocks)
	require.Len(t, state.NodeTexts, 1)
}

// TestManageBudgetMisconfig verifies incoming texts that alone exceed
// the budget raise the misconfiguration sentinel.
func TestManageBudgetMisconfig(t *testing.T) {
	state := newRunState()
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::function::a", Text: "short"},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 100})

	_, err := NewManageContextBudget().Execute(context.Background(),
		execCtx(def, budgetStep(nil), state, budgetRuntime(fixedCounter(9999))))
	assert.ErrorIs(t, err, datatypes.ErrBudgetMisconfig)
}

// TestManageBudgetCompactAlways verifies the always policy routes sql
// texts through the compactor and marks the block.
func TestManageBudgetCompactAlways(t *testing.T) {
	state := newRunState()
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::sql::usp_orders", Path: "db/usp_orders.sql", Text: "SELECT a FROM t"},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 500})
	step := budgetStep(map[string]any{
		"compact_code": map[string]any{
			"rules": []any{
				map[string]any{"language": "sql", "policy": "always"},
			},
		},
	})

	rt := budgetRuntime(wordCounter{})
	var compacted []string
	rt.SQLCompactor = func(_ context.Context, text string, _ int) (string, error) {
		compacted = append(compacted, text)
		return "-- compacted\n" + text, nil
	}

	next, err := NewManageContextBudget().Execute(context.Background(), execCtx(def, step, state, rt))
	require.NoError(t, err)
	assert.Equal(t, "answer", next)
	assert.Equal(t, []string{"SELECT a FROM t"}, compacted)
	require.Len(t, state.ContextBlocks, 1)
	assert.Contains(t, state.ContextBlocks[0], "compact: true")
	assert.Contains(t, state.ContextBlocks[0], "-- compacted")
}

// TestManageBudgetDemandReenqueue verifies consumed demand messages are
// re-enqueued when the step routes to on_over.
func TestManageBudgetDemandReenqueue(t *testing.T) {
	state := newRunState()
	state.ContextBlocks = []string{strings.Repeat("word ", 90)}
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::cs::Svc", Path: "src/Svc.cs", Text: strings.Repeat("code ", 50)},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 100})
	step := budgetStep(map[string]any{
		"compact_code": map[string]any{
			"rules": []any{
				map[string]any{"language": "dotnet", "policy": "demand", "inbox_key": "compact_dotnet"},
			},
		},
	})

	rt := budgetRuntime(wordCounter{})
	rt.DotnetCompactor = func(_ context.Context, text string, _ int) (string, error) {
		return text, nil
	}
	ec := execCtx(def, step, state, rt)
	ec.Consumed = []datatypes.Message{
		{TargetStepID: "budget", Topic: "compact_dotnet", SenderStepID: "dispatch"},
		{TargetStepID: "budget", Topic: "unrelated"},
	}

	next, err := NewManageContextBudget().Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "too_big", next)

	// Only the demand message comes back.
	require.Len(t, state.Inbox, 1)
	assert.Equal(t, "compact_dotnet", state.Inbox[0].Topic)
}

// TestManageBudgetThresholdRule verifies the threshold policy compacts
// only above the configured fraction of the budget.
func TestManageBudgetThresholdRule(t *testing.T) {
	def := testPipeline(map[string]any{"max_context_tokens": 100})
	step := budgetStep(map[string]any{
		"compact_code": map[string]any{
			"rules": []any{
				map[string]any{"language": "sql", "policy": "threshold", "threshold": 0.5},
			},
		},
	})

	run := func(text string) (bool, *datatypes.State) {
		state := newRunState()
		state.NodeTexts = []datatypes.NodeText{
			{ID: "demo-repo::snap-1::sql::p", Path: "db/p.sql", Text: text},
		}
		rt := budgetRuntime(wordCounter{})
		called := false
		rt.SQLCompactor = func(_ context.Context, text string, _ int) (string, error) {
			called = true
			return "SELECT 1", nil
		}
		_, err := NewManageContextBudget().Execute(context.Background(), execCtx(def, step, state, rt))
		require.NoError(t, err)
		return called, state
	}

	called, _ := run("SELECT a FROM t")
	assert.False(t, called, "below threshold stays uncompacted")

	called, _ = run(strings.Repeat("col ", 60))
	assert.True(t, called, "above threshold compacts")
}

// TestManageBudgetDivider verifies divide_new_content strips the marker
// from old blocks and prefixes the fresh ones.
func TestManageBudgetDivider(t *testing.T) {
	state := newRunState()
	state.ContextBlocks = []string{"=== NEW ===\nold block"}
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::function::f", Text: "fresh text"},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 200})
	step := budgetStep(map[string]any{"divide_new_content": "=== NEW ==="})

	_, err := NewManageContextBudget().Execute(context.Background(),
		execCtx(def, step, state, budgetRuntime(wordCounter{})))
	require.NoError(t, err)
	require.Len(t, state.ContextBlocks, 2)
	assert.Equal(t, "old block", state.ContextBlocks[0])
	assert.True(t, strings.HasPrefix(state.ContextBlocks[1], "=== NEW ===\n--- NODE ---"))
}

// TestManageBudgetContracts verifies rule validation and the required
// settings.
func TestManageBudgetContracts(t *testing.T) {
	bg := context.Background()

	// Missing max_context_tokens.
	state := newRunState()
	_, err := NewManageContextBudget().Execute(bg,
		execCtx(testPipeline(nil), budgetStep(nil), state, budgetRuntime(wordCounter{})))
	assert.ErrorIs(t, err, datatypes.ErrContract)

	// Missing token counter.
	_, err = NewManageContextBudget().Execute(bg,
		execCtx(testPipeline(map[string]any{"max_context_tokens": 100}), budgetStep(nil), state, &engine.Runtime{}))
	assert.ErrorIs(t, err, datatypes.ErrContract)

	// Bad rule shapes.
	def := testPipeline(map[string]any{"max_context_tokens": 100})
	for _, rule := range []map[string]any{
		{"language": "python", "policy": "always"},
		{"language": "sql", "policy": "sometimes"},
		{"language": "sql", "policy": "threshold", "threshold": 1.5},
		{"language": "sql", "policy": "demand"},
	} {
		step := budgetStep(map[string]any{
			"compact_code": map[string]any{"rules": []any{rule}},
		})
		_, err = NewManageContextBudget().Execute(bg, execCtx(def, step, state, budgetRuntime(wordCounter{})))
		assert.ErrorIs(t, err, datatypes.ErrContract, "rule %v", rule)
	}
}

// TestManageBudgetTraceEvent verifies the per-node decision event is
// emitted on both outcomes.
func TestManageBudgetTraceEvent(t *testing.T) {
	state := newRunState()
	state.TraceEnabled = true
	state.NodeTexts = []datatypes.NodeText{
		{ID: "demo-repo::snap-1::function::f", Text: "some text here"},
	}
	def := testPipeline(map[string]any{"max_context_tokens": 100})

	_, err := NewManageContextBudget().Execute(context.Background(),
		execCtx(def, budgetStep(nil), state, budgetRuntime(wordCounter{})))
	require.NoError(t, err)

	require.Len(t, state.TraceEvents, 1)
	event := state.TraceEvents[0]
	assert.Equal(t, datatypes.TraceManageContextBudget, event.Type)
	assert.Equal(t, true, event.Payload["committed"])
	assert.Len(t, event.Payload["nodes"], 1)
}
