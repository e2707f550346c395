// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loader

import (
	"fmt"
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// Validate checks a loaded pipeline against structural rules and the
// allowlisted action names.
//
// # Description
//
// Fails, with a reason naming the offending step or key, on:
//
//   - missing entry_step_id, or one that names no step
//   - a step bound to an action outside allowedActions
//   - any "next" or "on_*" value that is not a defined step id
//
// allowedActions is typically registry.Names(); nil skips the action
// check (used by tools that validate structure only).
func Validate(def *datatypes.PipelineDef, allowedActions map[string]struct{}) error {
	entry, err := def.EntryStepID()
	if err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrConfig, err)
	}

	ids := map[string]struct{}{}
	for _, s := range def.Steps {
		ids[s.ID] = struct{}{}
	}
	if _, ok := ids[entry]; !ok {
		return fmt.Errorf("%w: pipeline %q: entry_step_id %q names no step",
			datatypes.ErrConfig, def.Name, entry)
	}

	for _, s := range def.Steps {
		if allowedActions != nil {
			if _, ok := allowedActions[s.Action]; !ok {
				return fmt.Errorf("%w: pipeline %q: step %q uses unknown action %q",
					datatypes.ErrConfig, def.Name, s.ID, s.Action)
			}
		}
		for key, target := range transitionTargets(&s) {
			if _, ok := ids[target]; !ok {
				return fmt.Errorf("%w: pipeline %q: step %q: %s -> %q names no step",
					datatypes.ErrConfig, def.Name, s.ID, key, target)
			}
		}
	}
	return nil
}

// transitionTargets collects the step references in a step bag: "next"
// plus every string-valued "on_*" key, plus the transition targets
// nested inside prefix_router / json_decision_router route tables.
func transitionTargets(s *datatypes.StepDef) map[string]string {
	targets := map[string]string{}
	for key, v := range s.Raw {
		if key != "next" && !strings.HasPrefix(key, "on_") {
			continue
		}
		if str, ok := v.(string); ok && str != "" {
			targets[key] = str
		}
	}
	if routes := s.RawMap("routes"); routes != nil {
		for kind, v := range routes {
			switch route := v.(type) {
			case string:
				// json_decision_router: decision -> next step id.
				if route != "" {
					targets["routes."+kind] = route
				}
			case map[string]any:
				// prefix_router: kind -> {prefix, next}.
				if next, ok := route["next"].(string); ok && next != "" {
					targets["routes."+kind+".next"] = next
				}
			}
		}
	}
	if rules := s.RawMap("rules"); rules != nil && s.Action == "inbox_dispatcher" {
		for target := range rules {
			targets["rules."+target] = target
		}
	}
	return targets
}

// Lint returns non-fatal warnings about suspicious step ordering. A
// warned pipeline still runs; the messages surface in validate tooling.
func Lint(def *datatypes.PipelineDef) []string {
	var warnings []string

	seedProducerSeen := false
	expandSeen := false
	contextFetchSeen := false
	for _, s := range def.Steps {
		switch s.Action {
		case "search_nodes":
			seedProducerSeen = true
		case "expand_dependency_tree":
			if !seedProducerSeen {
				warnings = append(warnings, fmt.Sprintf(
					"step %q: expand_dependency_tree has no seed-producing predecessor (search_nodes)", s.ID))
			}
			expandSeen = true
		case "fetch_node_texts":
			if !expandSeen {
				warnings = append(warnings, fmt.Sprintf(
					"step %q: fetch_node_texts without a preceding expand_dependency_tree", s.ID))
			}
			contextFetchSeen = true
		case "manage_context_budget":
			contextFetchSeen = true
		case "call_model":
			if !contextFetchSeen && looksLikeAnswerStep(&s) {
				warnings = append(warnings, fmt.Sprintf(
					"step %q: answer-style call_model appears before any context-fetching step", s.ID))
			}
		}
	}
	return warnings
}

func looksLikeAnswerStep(s *datatypes.StepDef) bool {
	if strings.Contains(strings.ToLower(s.ID), "answer") {
		return true
	}
	prompt := strings.ToLower(s.RawString("prompt_key", ""))
	return strings.Contains(prompt, "answer")
}
