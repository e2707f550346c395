// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/prompts"
)

// emptyScaffoldTokens is the word count of the instruction scaffold
// with no template, under WordCounter.
var emptyScaffoldTokens = WordCounter{}.Count(prompts.Scaffold(""))

func contractDef(settings map[string]any, steps ...datatypes.StepDef) *datatypes.PipelineDef {
	return &datatypes.PipelineDef{Name: "p", Settings: settings, Steps: steps}
}

func modelStep(id string, raw map[string]any) datatypes.StepDef {
	if raw == nil {
		raw = map[string]any{}
	}
	return datatypes.StepDef{ID: id, Action: "call_model", Raw: raw}
}

// TestEnforceFailFast verifies the per-step inequality at its boundary.
func TestEnforceFailFast(t *testing.T) {
	settings := map[string]any{
		"max_context_tokens":          100,
		"budget_safety_margin_tokens": 10,
	}
	required := emptyScaffoldTokens + 100 + 50 + 10

	def := contractDef(settings, modelStep("ask", map[string]any{"max_output_tokens": 50}))
	result, err := Enforce(def, required, WordCounter{}, "", PolicyFailFast)
	require.NoError(t, err)
	assert.Equal(t, 100, result.MaxContextTokens)
	assert.Empty(t, result.Clamps)

	def = contractDef(settings, modelStep("ask", map[string]any{"max_output_tokens": 50}))
	_, err = Enforce(def, required-1, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrConfig)
	assert.Contains(t, err.Error(), `step "ask"`)
}

// TestEnforceHistoryBudget verifies max_history_tokens is charged when
// history steps are present, and required to be set.
func TestEnforceHistoryBudget(t *testing.T) {
	history := datatypes.StepDef{ID: "hist", Action: "load_conversation_history", Raw: map[string]any{}}

	def := contractDef(map[string]any{
		"max_context_tokens":          100,
		"max_history_tokens":          20,
		"budget_safety_margin_tokens": 10,
	}, history, modelStep("ask", map[string]any{"max_output_tokens": 50}))
	required := emptyScaffoldTokens + 20 + 100 + 50 + 10
	_, err := Enforce(def, required, WordCounter{}, "", PolicyFailFast)
	require.NoError(t, err)
	_, err = Enforce(def, required-1, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)

	// History steps with no history budget are a configuration error.
	def = contractDef(map[string]any{"max_context_tokens": 100}, history)
	_, err = Enforce(def, 10000, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_history_tokens")
}

// TestEnforceAutoClampContext verifies the context budget shrinks to
// the tightest step.
func TestEnforceAutoClampContext(t *testing.T) {
	def := contractDef(map[string]any{
		"max_context_tokens":          100,
		"budget_safety_margin_tokens": 10,
	}, modelStep("ask", map[string]any{"max_output_tokens": 50}))

	nCtx := emptyScaffoldTokens + 85 + 50 + 10
	result, err := Enforce(def, nCtx, WordCounter{}, "", PolicyAutoClamp)
	require.NoError(t, err)
	assert.Equal(t, 85, result.MaxContextTokens)
	assert.Equal(t, 85, def.SettingInt("max_context_tokens", 0))
	require.Len(t, result.Clamps, 1)
	assert.Equal(t, "max_context_tokens", result.Clamps[0].Target)
	assert.Equal(t, 100, result.Clamps[0].From)
	assert.Equal(t, 85, result.Clamps[0].To)
}

// TestEnforceAutoClampOutput verifies output budgets shrink when even
// an empty context cannot absorb the overrun.
func TestEnforceAutoClampOutput(t *testing.T) {
	step := modelStep("ask", map[string]any{"max_output_tokens": 100})
	def := contractDef(map[string]any{
		"max_context_tokens":          500,
		"budget_safety_margin_tokens": 10,
	}, step)

	nCtx := emptyScaffoldTokens + 10 + 1 + 44
	result, err := Enforce(def, nCtx, WordCounter{}, "", PolicyAutoClamp)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MaxContextTokens)
	assert.Equal(t, 1, def.SettingInt("max_context_tokens", 0))

	require.Len(t, result.Clamps, 2)
	assert.Equal(t, "max_output_tokens", result.Clamps[0].Target)
	assert.Equal(t, "ask", result.Clamps[0].StepID)
	assert.Equal(t, 100, result.Clamps[0].From)
	assert.Equal(t, 44, result.Clamps[0].To)
	assert.Equal(t, 44, def.Steps[0].Raw["max_output_tokens"])
	assert.Equal(t, "max_context_tokens", result.Clamps[1].Target)
	assert.Equal(t, 1, result.Clamps[1].To)
}

// TestEnforceUnfittable verifies the hard failure when no clamp can
// produce a positive output budget.
func TestEnforceUnfittable(t *testing.T) {
	def := contractDef(map[string]any{
		"max_context_tokens":          500,
		"budget_safety_margin_tokens": 10,
	}, modelStep("ask", map[string]any{"max_output_tokens": 100}))

	_, err := Enforce(def, emptyScaffoldTokens+10, WordCounter{}, "", PolicyAutoClamp)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrConfig)
	assert.Contains(t, err.Error(), "cannot fit")
}

// TestEnforceConfigErrors verifies the precondition checks.
func TestEnforceConfigErrors(t *testing.T) {
	def := contractDef(map[string]any{"max_context_tokens": 100})
	_, err := Enforce(def, 0, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrConfig)

	def = contractDef(map[string]any{})
	_, err = Enforce(def, 4096, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_context_tokens")
}

// TestEnforceNoModelSteps verifies pipelines without call_model pass
// untouched.
func TestEnforceNoModelSteps(t *testing.T) {
	def := contractDef(map[string]any{"max_context_tokens": 100},
		datatypes.StepDef{ID: "done", Action: "finalize", Raw: map[string]any{}})
	result, err := Enforce(def, 50, WordCounter{}, "", PolicyFailFast)
	require.NoError(t, err)
	assert.Equal(t, 100, result.MaxContextTokens)
	assert.Empty(t, result.Clamps)
}

// TestEnforceCountsPromptTemplate verifies the step's resolved template
// is part of the fixed prompt charge.
func TestEnforceCountsPromptTemplate(t *testing.T) {
	dir := t.TempDir()
	tpl := "You answer questions about code repositories."
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte(tpl), 0o644))
	fixed := WordCounter{}.Count(prompts.Scaffold(tpl))
	require.Greater(t, fixed, emptyScaffoldTokens)

	settings := map[string]any{
		"max_context_tokens":          100,
		"budget_safety_margin_tokens": 10,
	}
	step := map[string]any{"prompt_key": "answer", "max_output_tokens": 50}
	required := fixed + 100 + 50 + 10

	_, err := Enforce(contractDef(settings, modelStep("ask", step)), required, WordCounter{}, dir, PolicyFailFast)
	require.NoError(t, err)
	_, err = Enforce(contractDef(settings, modelStep("ask", step)), required-1, WordCounter{}, dir, PolicyFailFast)
	require.Error(t, err)
}

// TestEnforceDefaultOutputTokens verifies steps without their own
// output budget inherit the settings default.
func TestEnforceDefaultOutputTokens(t *testing.T) {
	def := contractDef(map[string]any{
		"max_context_tokens":          100,
		"max_output_tokens":           40,
		"budget_safety_margin_tokens": 10,
	}, modelStep("ask", nil))

	required := emptyScaffoldTokens + 100 + 40 + 10
	_, err := Enforce(def, required, WordCounter{}, "", PolicyFailFast)
	require.NoError(t, err)
	_, err = Enforce(def, required-1, WordCounter{}, "", PolicyFailFast)
	require.Error(t, err)
}
