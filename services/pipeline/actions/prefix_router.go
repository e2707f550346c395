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

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// PrefixRouter implements "prefix_router": it dispatches on a control
// prefix the model was instructed to emit (e.g. "[BM25:]", "[DIRECT:]").
//
// Parameters:
//
//	routes:   {kind: {prefix: "<literal>", next: "<step-id>"}}  (non-empty)
//	on_other: <step-id>                                         (required)
//
// The model response is matched, after leading whitespace, against the
// route prefixes; kinds are tried in declaration order, so the first
// declared match wins. On a match the prefix is stripped, the
// remainder becomes the new model response, last_prefix records the
// kind, and the route's next wins. With no match the text is left
// unchanged, last_prefix is cleared, and on_other wins.
type PrefixRouter struct {
	BaseAction
}

func NewPrefixRouter() *PrefixRouter {
	return &PrefixRouter{BaseAction{ID: "prefix_router"}}
}

func (a *PrefixRouter) LogIn(ec *engine.ExecContext) map[string]any {
	return map[string]any{"response": truncate(ec.State.LastModelResponse, 200)}
}

func (a *PrefixRouter) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{"matched_kind": ec.State.LastPrefix, "next": next}
}

func (a *PrefixRouter) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	routes := step.RawMap("routes")
	if len(routes) == 0 {
		return "", contractErr(step, "routes must be a non-empty mapping")
	}
	onOther, err := requiredTransition(step, "on_other")
	if err != nil {
		return "", err
	}

	kinds := step.OrderedKeys("routes", routes)

	text := strings.TrimLeft(ec.State.LastModelResponse, " \t\r\n")
	for _, kind := range kinds {
		route, ok := routes[kind].(map[string]any)
		if !ok {
			return "", contractErr(step, "routes.%s must be a mapping with prefix and next", kind)
		}
		prefix, _ := route["prefix"].(string)
		next, _ := route["next"].(string)
		if prefix == "" {
			return "", contractErr(step, "routes.%s.prefix is required", kind)
		}
		if next == "" {
			return "", contractErr(step, "routes.%s.next is required", kind)
		}
		if strings.HasPrefix(text, prefix) {
			ec.State.LastPrefix = kind
			ec.State.LastModelResponse = strings.TrimLeft(strings.TrimPrefix(text, prefix), " \t")
			return next, nil
		}
	}

	ec.State.LastPrefix = ""
	return onOther, nil
}
