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

// decisionKeys are the payload keys a JSON decision may arrive under,
// tried in order.
var decisionKeys = []string{"decision", "route", "mode"}

// JSONDecisionRouter implements "json_decision_router": it routes on a
// decision field inside the model's JSON-ish output.
//
// Parameters:
//
//	routes:   {decision-value: next-step-id}  (non-empty)
//	on_other: <step-id>                       (required)
//
// The response is parsed tolerantly (code fences, unquoted keys,
// trailing commas, single quotes, '=' for ':'). The decision keys are
// removed and the cleaned object is written back as compact JSON so
// downstream payload parsers see no routing residue. Unparseable
// responses route to on_other with the text untouched.
type JSONDecisionRouter struct {
	BaseAction
}

func NewJSONDecisionRouter() *JSONDecisionRouter {
	return &JSONDecisionRouter{BaseAction{ID: "json_decision_router"}}
}

func (a *JSONDecisionRouter) LogIn(ec *engine.ExecContext) map[string]any {
	return map[string]any{"response": truncate(ec.State.LastModelResponse, 200)}
}

func (a *JSONDecisionRouter) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	routes := step.RawMap("routes")
	if len(routes) == 0 {
		return "", contractErr(step, "routes must be a non-empty mapping")
	}
	onOther, err := requiredTransition(step, "on_other")
	if err != nil {
		return "", err
	}

	obj, parseErr := datatypes.ParseJSONish(ec.State.LastModelResponse)
	if parseErr != nil {
		ec.Runtime.Log().Warn("json_decision_router: unparseable response, routing on_other",
			"step", step.ID, "error", parseErr)
		return onOther, nil
	}

	decision := ""
	for _, key := range decisionKeys {
		if v, ok := obj[key].(string); ok && decision == "" {
			decision = v
		}
		delete(obj, key)
	}
	ec.State.LastModelResponse = datatypes.SerializeCompact(obj)

	if decision != "" {
		if next, ok := routes[decision].(string); ok && next != "" {
			return next, nil
		}
	}
	return onOther, nil
}
