// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package actions implements the built-in pipeline step actions: the
// retrieval control flow (search, graph expansion, text fetch, context
// budgeting), the routers and guards, model invocation, snapshot
// fan-out, and finalization.
//
// Every action validates its raw step parameters at entry and fails
// with a datatypes.ErrContract-wrapped error on misuse; the engine
// propagates those untouched.
package actions

import (
	"fmt"
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// BaseAction supplies the ActionID and default log payloads; concrete
// actions embed it and override what they need.
type BaseAction struct {
	ID string
}

func (b BaseAction) ActionID() string { return b.ID }

// LogIn defaults to no input payload.
func (b BaseAction) LogIn(*engine.ExecContext) map[string]any { return nil }

// LogOut defaults to recording the resolved transition.
func (b BaseAction) LogOut(_ *engine.ExecContext, next string) map[string]any {
	if next == "" {
		return nil
	}
	return map[string]any{"next": next}
}

// contractErr builds a step-scoped contract violation.
func contractErr(step *datatypes.StepDef, format string, args ...any) error {
	return fmt.Errorf("%w: step %q: %s", datatypes.ErrContract, step.ID, fmt.Sprintf(format, args...))
}

// requiredTransition reads a mandatory transition parameter (on_ok,
// on_over, on_other, ...).
func requiredTransition(step *datatypes.StepDef, key string) (string, error) {
	v := step.RawString(key, "")
	if strings.TrimSpace(v) == "" {
		return "", contractErr(step, "%s is required", key)
	}
	return v, nil
}

// truncate shortens a string for log payloads.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// anyToStringSlice converts a YAML list to []string, skipping
// non-string entries.
func anyToStringSlice(v any) []string {
	if ss, ok := v.([]string); ok {
		return ss
	}
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// unionStrings merges b into a preserving a's order and deduplicating.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
