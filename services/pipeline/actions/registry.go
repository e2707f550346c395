// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// NewDefaultRegistry returns a registry with every built-in action
// bound under its YAML name. The fan-out pair is additionally reachable
// under the short fork_action / merge_action aliases used by older
// pipeline files.
func NewDefaultRegistry() *engine.Registry {
	r := engine.NewRegistry()

	r.Register("translate_in_if_needed", NewTranslateIn())
	r.Register("load_conversation_history", NewLoadHistory())
	r.Register("prefix_router", NewPrefixRouter())
	r.Register("json_decision_router", NewJSONDecisionRouter())
	r.Register("repeat_query_guard", NewRepeatQueryGuard())
	r.Register("inbox_dispatcher", NewInboxDispatcher())
	r.Register("search_nodes", NewSearchNodes())
	r.Register("expand_dependency_tree", NewExpandDependencyTree())
	r.Register("fetch_node_texts", NewFetchNodeTexts())
	r.Register("manage_context_budget", NewManageContextBudget())
	r.Register("call_model", NewCallModel())
	r.Register("loop_guard", NewLoopGuard())
	r.Register("set_variables", NewSetVariables())
	r.Register("finalize", NewFinalize())

	fork := NewParallelRoadsFork()
	r.Register("parallel_roads/fork", fork)
	r.Register("fork_action", fork)
	merge := NewParallelRoadsMerge()
	r.Register("parallel_roads/merge", merge)
	r.Register("merge_action", merge)

	return r
}
