// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// RepeatQueryGuard implements "repeat_query_guard": it stops a model
// from burning retrieval turns on a query it already asked.
//
// Parameters:
//
//	query_parser: jsonish (default) | plain
//	on_repeat:    <step-id>  (required)
//	on_ok:        <step-id>  (required)
//
// The query is extracted from the model response, normalized
// (lowercase, whitespace collapsed), and checked against the set of
// normalized queries this run already searched. Empty or repeated
// queries route to on_repeat. The guard never records the query
// itself; search_nodes does that when the search actually runs.
type RepeatQueryGuard struct {
	BaseAction
}

func NewRepeatQueryGuard() *RepeatQueryGuard {
	return &RepeatQueryGuard{BaseAction{ID: "repeat_query_guard"}}
}

func (a *RepeatQueryGuard) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"queries_asked": len(ec.State.RetrievalQueriesAsked),
		"next":          next,
	}
}

func (a *RepeatQueryGuard) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	onRepeat, err := requiredTransition(step, "on_repeat")
	if err != nil {
		return "", err
	}
	onOK, err := requiredTransition(step, "on_ok")
	if err != nil {
		return "", err
	}

	query := extractQuery(ec.State.LastModelResponse, step.RawString("query_parser", "jsonish"))
	norm := datatypes.NormalizeQuery(query)
	if norm == "" || ec.State.QueryAsked(query) {
		return onRepeat, nil
	}
	return onOK, nil
}

// extractQuery pulls the retrieval query out of a model response. The
// jsonish parser looks for a "query" (or "q") field and falls back to
// the raw text when the response is not an object.
func extractQuery(text, parser string) string {
	if parser == "plain" {
		return text
	}
	obj, err := datatypes.ParseJSONish(text)
	if err != nil {
		return text
	}
	if q, ok := obj["query"].(string); ok {
		return q
	}
	if q, ok := obj["q"].(string); ok {
		return q
	}
	return ""
}
