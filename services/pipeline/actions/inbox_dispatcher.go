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

// defaultDispatchTopic is used when neither the rule nor the directive
// names a topic.
const defaultDispatchTopic = "config"

// InboxDispatcher implements "inbox_dispatcher": it lets the model
// parameterize later steps by enqueueing inbox messages, but only
// through an allowlist the pipeline author controls.
//
// Parameters:
//
//	directives_key: payload key holding the directive list (default "dispatch")
//	rules:          {target-step-id: {topic?, allow_keys: [...], rename?: {from: to}}}
//
// The model response is parsed tolerantly; each directive names a
// target step (target_step_id | target | id) and carries a payload
// (nested "payload" object, or its remaining direct keys). Directives
// without a matching rule are dropped. When a rule lists allow_keys,
// payload keys are renamed first and then filtered to the allowlist;
// an empty filtered payload enqueues nothing.
type InboxDispatcher struct {
	BaseAction
}

func NewInboxDispatcher() *InboxDispatcher {
	return &InboxDispatcher{BaseAction{ID: "inbox_dispatcher"}}
}

func (a *InboxDispatcher) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{"inbox_size": len(ec.State.Inbox), "next": next}
}

func (a *InboxDispatcher) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	rules := step.RawMap("rules")
	if len(rules) == 0 {
		return "", contractErr(step, "rules must be a non-empty mapping")
	}
	directivesKey := step.RawString("directives_key", "dispatch")

	obj, err := datatypes.ParseJSONish(ec.State.LastModelResponse)
	if err != nil {
		ec.Runtime.Log().Warn("inbox_dispatcher: unparseable response, nothing dispatched",
			"step", step.ID, "error", err)
		return "", nil
	}

	for _, raw := range directiveList(obj[directivesKey]) {
		directive, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		target := firstString(directive, "target_step_id", "target", "id")
		if target == "" {
			continue
		}
		rule, ok := rules[target].(map[string]any)
		if !ok {
			ec.Runtime.Log().Warn("inbox_dispatcher: directive for unlisted target dropped",
				"step", step.ID, "target", target)
			continue
		}

		payload := directivePayload(directive)
		if rename, ok := rule["rename"].(map[string]any); ok {
			payload = renameKeys(payload, rename)
		}
		if allow := anyToStringSlice(rule["allow_keys"]); len(allow) > 0 {
			payload = filterKeys(payload, allow)
			if len(payload) == 0 {
				continue
			}
		}

		topic := firstString(rule, "topic")
		if topic == "" {
			topic = firstString(directive, "topic")
		}
		if topic == "" {
			topic = defaultDispatchTopic
		}
		if err := ec.State.EnqueueMessage(target, topic, payload, step.ID); err != nil {
			return "", contractErr(step, "enqueue for %q failed: %v", target, err)
		}
	}
	return "", nil
}

// directiveList accepts both a list of directives and a single
// directive object.
func directiveList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	default:
		return nil
	}
}

// directivePayload returns the nested payload object, or the
// directive's remaining direct keys.
func directivePayload(directive map[string]any) map[string]any {
	if nested, ok := directive["payload"].(map[string]any); ok {
		return nested
	}
	out := map[string]any{}
	for k, v := range directive {
		switch k {
		case "target_step_id", "target", "id", "topic", "payload":
			continue
		}
		out[k] = v
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func renameKeys(payload map[string]any, rename map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if to, ok := rename[k].(string); ok && to != "" {
			out[to] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func filterKeys(payload map[string]any, allow []string) map[string]any {
	allowed := make(map[string]struct{}, len(allow))
	for _, k := range allow {
		allowed[k] = struct{}{}
	}
	out := map[string]any{}
	for k, v := range payload {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}
