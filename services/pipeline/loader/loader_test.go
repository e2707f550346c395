// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

func writePipeline(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const basePipeline = `
YAMLpipeline:
  name: base
  settings:
    entry_step_id: start
    search_top_k: 10
    model_language: en
  steps:
    - id: start
      action: call_model
      prompt_key: router
      next: answer
    - id: answer
      action: finalize
      end: true
`

// TestLoadFileSinglePipeline verifies the YAMLpipeline root parses into
// a complete definition.
func TestLoadFileSinglePipeline(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "base.yaml", basePipeline)

	defs, err := New(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "base", def.Name)
	entry, err := def.EntryStepID()
	require.NoError(t, err)
	assert.Equal(t, "start", entry)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "call_model", def.Steps[0].Action)
	assert.True(t, def.Steps[1].End())
}

// TestLoadFileStructuralErrors verifies every structural failure wraps
// ErrConfig.
func TestLoadFileStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing root", "settings: {}\n"},
		{"missing name", "YAMLpipeline:\n  settings: {entry_step_id: a}\n  steps: []\n"},
		{"missing steps", "YAMLpipeline:\n  name: p\n  settings: {entry_step_id: a}\n"},
		{"step without id", "YAMLpipeline:\n  name: p\n  settings: {entry_step_id: a}\n  steps:\n    - action: call_model\n"},
		{"step without action", "YAMLpipeline:\n  name: p\n  settings: {entry_step_id: a}\n  steps:\n    - id: a\n"},
		{"duplicate step id", "YAMLpipeline:\n  name: p\n  settings: {entry_step_id: a}\n  steps:\n    - id: a\n      action: call_model\n    - id: a\n      action: call_model\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writePipeline(t, dir, "p.yaml", tc.content)
			_, err := New(dir).LoadFile(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, datatypes.ErrConfig)
		})
	}
}

// TestExtendsMergesByStepID verifies the child overrides matched steps
// in place, keeps parent order, and appends new steps.
func TestExtendsMergesByStepID(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "base.yaml", basePipeline)
	child := `
YAMLpipeline:
  name: child
  extends: base
  settings:
    search_top_k: 3
  steps:
    - id: start
      prompt_key: custom_router
    - id: extra
      action: load_conversation_history
      next: answer
`
	path := writePipeline(t, dir, "child.yaml", child)

	defs, err := New(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]

	assert.Equal(t, "child", def.Name)
	// Settings merge: overridden key wins, parent keys survive.
	assert.Equal(t, 3, def.SettingInt("search_top_k", 0))
	assert.Equal(t, "en", def.SettingString("model_language", ""))
	assert.Equal(t, "start", def.Settings["entry_step_id"])

	// Steps: parent order preserved, override deep-merged, new step appended.
	require.Len(t, def.Steps, 3)
	assert.Equal(t, []string{"start", "answer", "extra"},
		[]string{def.Steps[0].ID, def.Steps[1].ID, def.Steps[2].ID})
	assert.Equal(t, "custom_router", def.Steps[0].RawString("prompt_key", ""))
	assert.Equal(t, "call_model", def.Steps[0].Action)
	assert.Equal(t, "answer", def.Steps[0].Next())
}

// TestExtendsMergeIdempotent verifies re-merging a child onto an
// already-merged result changes nothing.
func TestExtendsMergeIdempotent(t *testing.T) {
	parent := map[string]any{
		"name":     "p",
		"settings": map[string]any{"entry_step_id": "a", "k": 1},
		"steps": []any{
			map[string]any{"id": "a", "action": "call_model", "next": "b"},
			map[string]any{"id": "b", "action": "finalize", "end": true},
		},
	}
	child := map[string]any{
		"settings": map[string]any{"k": 2},
		"steps": []any{
			map[string]any{"id": "a", "prompt_key": "x"},
		},
	}
	once := deepMerge(parent, child)
	twice := deepMerge(once, child)
	assert.Equal(t, once, twice)
}

// TestExtendsCycleDetected verifies a self-referential extends chain is
// reported instead of recursing.
func TestExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "a.yaml", "YAMLpipeline:\n  name: a\n  extends: b\n  steps: []\n")
	path := writePipeline(t, dir, "b.yaml", "YAMLpipeline:\n  name: b\n  extends: a\n  steps: []\n")

	_, err := New(dir).LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrConfig)
	assert.Contains(t, err.Error(), "cycle")
}

// TestExtendsEscapeRules verifies absolute and root-escaping extends
// paths are rejected for non-test pipelines.
func TestExtendsEscapeRules(t *testing.T) {
	outer := t.TempDir()
	writePipeline(t, outer, "outside.yaml", basePipeline)
	root := filepath.Join(outer, "pipelines")
	require.NoError(t, os.Mkdir(root, 0o755))

	abs := writePipeline(t, root, "abs.yaml",
		"YAMLpipeline:\n  name: abs\n  extends: "+filepath.Join(outer, "outside.yaml")+"\n  steps: []\n")
	_, err := New(root).LoadFile(abs)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrConfig)

	escape := writePipeline(t, root, "escape.yaml",
		"YAMLpipeline:\n  name: escape\n  extends: ../outside.yaml\n  steps: []\n")
	_, err = New(root).LoadFile(escape)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes pipelines root")

	// settings.test=true lifts the absolute-path restriction.
	testAbs := writePipeline(t, root, "test_abs.yaml",
		"YAMLpipeline:\n  name: test_abs\n  extends: "+filepath.Join(outer, "outside.yaml")+"\n  settings:\n    test: true\n  steps: []\n")
	defs, err := New(root).LoadFile(testAbs)
	require.NoError(t, err)
	assert.Equal(t, "test_abs", defs[0].Name)
}

// TestLoadDir verifies directory loading picks up yaml and yml files and
// skips everything else.
func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "one.yaml", basePipeline)
	writePipeline(t, dir, "two.yml",
		"YAMLpipeline:\n  name: two\n  settings: {entry_step_id: s}\n  steps:\n    - id: s\n      action: finalize\n      end: true\n")
	writePipeline(t, dir, "notes.txt", "not a pipeline")

	defs, err := New(dir).LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

// TestLoadFileRecordsDeclaredOrder verifies route and snapshot-plan key
// order survives parsing even when it disagrees with lexical order.
func TestLoadFileRecordsDeclaredOrder(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "ordered.yaml", `
YAMLpipeline:
  name: ordered
  settings:
    entry_step_id: route
  steps:
    - id: route
      action: prefix_router
      routes:
        zebra:
          prefix: "[Z]"
          next: done
        alpha:
          prefix: "[A]"
          next: done
      on_other: done
    - id: fork
      action: parallel_roads/fork
      search_action: done
      snapshots:
        newer: snap-2
        older: snap-1
    - id: done
      action: finalize
      end: true
`)

	defs, err := New(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	route := defs[0].Step("route")
	require.NotNil(t, route)
	assert.Equal(t, []string{"zebra", "alpha"}, route.Order["routes"])
	assert.Equal(t, []string{"zebra", "alpha"},
		route.OrderedKeys("routes", route.RawMap("routes")))
	assert.NotContains(t, route.Raw, "__declared_order")

	fork := defs[0].Step("fork")
	require.NotNil(t, fork)
	assert.Equal(t, []string{"newer", "older"}, fork.Order["snapshots"])
}

// TestExtendsMergesDeclaredOrder verifies a child's new route keys
// append after the parent's declared order, matching the mapping merge.
func TestExtendsMergesDeclaredOrder(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "routed.yaml", `
YAMLpipeline:
  name: routed
  settings:
    entry_step_id: route
  steps:
    - id: route
      action: prefix_router
      routes:
        zebra:
          prefix: "[Z]"
          next: done
      on_other: done
    - id: done
      action: finalize
      end: true
`)
	path := writePipeline(t, dir, "child.yaml", `
YAMLpipeline:
  name: routed_child
  extends: routed
  steps:
    - id: route
      action: prefix_router
      routes:
        alpha:
          prefix: "[A]"
          next: done
`)

	defs, err := New(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	route := defs[0].Step("route")
	require.NotNil(t, route)
	assert.Equal(t, []string{"zebra", "alpha"}, route.Order["routes"])
	routes := route.RawMap("routes")
	require.Len(t, routes, 2)
	assert.Equal(t, []string{"zebra", "alpha"}, route.OrderedKeys("routes", routes))
}
