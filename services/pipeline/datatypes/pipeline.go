// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared data model of the pipeline engine:
// pipeline definitions, per-run state, inbox messages, trace events, the
// retrieval request/response shapes, and conversation turns.
//
// Types here are plain records. Behavior that mutates state (enqueue,
// consume, trace append) lives on State because the engine and every
// action go through it; everything else is constructed and read by the
// owning service.
package datatypes

import (
	"fmt"
	"sort"
)

// PipelineDef is an immutable pipeline definition produced by the loader.
//
// # Description
//
// A pipeline is a directed graph of named steps. Settings must contain
// "entry_step_id" naming the first step. After loading, a PipelineDef is
// shared read-only across runs; the engine never mutates it.
//
// # Thread Safety
//
// Safe for concurrent readers. Callers must not mutate Settings or Steps
// after the loader returns.
type PipelineDef struct {
	// Name is the pipeline identifier, unique within a pipelines root.
	Name string

	// Settings is the pipeline-level parameter bag. Must contain
	// "entry_step_id". Other well-known keys: "model_language",
	// "max_context_tokens", "max_turn_loops", "search_top_k",
	// "rerank_widen_factor", "callback", "stage_visibility".
	Settings map[string]any

	// Steps are the pipeline steps in declaration order.
	Steps []StepDef
}

// Step returns the step with the given id, or nil if absent.
func (p *PipelineDef) Step(id string) *StepDef {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// EntryStepID returns settings.entry_step_id or an error when missing
// or not a string.
func (p *PipelineDef) EntryStepID() (string, error) {
	v, ok := p.Settings["entry_step_id"]
	if !ok {
		return "", fmt.Errorf("pipeline %q: settings.entry_step_id missing", p.Name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("pipeline %q: settings.entry_step_id must be a non-empty string", p.Name)
	}
	return s, nil
}

// SettingString returns a string-valued setting with a fallback.
func (p *PipelineDef) SettingString(key, fallback string) string {
	if v, ok := p.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// SettingInt returns an int-valued setting with a fallback. YAML numbers
// arrive as int or float64 depending on the decoder path; both are
// accepted.
func (p *PipelineDef) SettingInt(key string, fallback int) int {
	v, ok := p.Settings[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// SettingBool returns a bool-valued setting with a fallback.
func (p *PipelineDef) SettingBool(key string, fallback bool) bool {
	if v, ok := p.Settings[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// StepDef is one step of a pipeline: an id, the action bound to it, and
// the raw per-action parameter bag straight from YAML. Actions validate
// and convert Raw at entry; the engine only reads Next and End.
type StepDef struct {
	// ID is unique within the pipeline.
	ID string

	// Action is a registered action name.
	Action string

	// Raw is the full step mapping from YAML, including id/action/next.
	Raw map[string]any

	// Order records the declared key order of order-sensitive mapping
	// parameters (routes, snapshots), captured by the loader. Steps
	// built in code may leave it nil.
	Order map[string][]string
}

// Next returns raw["next"] as a string, or "" when absent.
func (s *StepDef) Next() string {
	if v, ok := s.Raw["next"]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// End reports whether raw["end"] is true.
func (s *StepDef) End() bool {
	v, ok := s.Raw["end"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// RawString returns a string parameter from the step bag with a fallback.
func (s *StepDef) RawString(key, fallback string) string {
	if v, ok := s.Raw[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// RawInt returns an int parameter from the step bag. ok is false when the
// key is absent or not numeric.
func (s *StepDef) RawInt(key string) (int, bool) {
	v, present := s.Raw[key]
	if !present {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// RawBool returns a bool parameter from the step bag with a fallback.
func (s *StepDef) RawBool(key string, fallback bool) bool {
	if v, ok := s.Raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// RawMap returns a mapping parameter from the step bag, or nil.
func (s *StepDef) RawMap(key string) map[string]any {
	if v, ok := s.Raw[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// OrderedKeys returns m's keys in the declared order the loader
// recorded for the given parameter, appending any unrecorded keys
// sorted. Without a recorded order all keys come back sorted, so
// iteration stays deterministic for steps built in code.
func (s *StepDef) OrderedKeys(key string, m map[string]any) []string {
	keys := make([]string, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for _, k := range s.Order[key] {
		if _, present := m[k]; !present {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	rest := make([]string, 0, len(m)-len(keys))
	for k := range m {
		if _, ok := seen[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// RawList returns a list parameter from the step bag, or nil.
func (s *StepDef) RawList(key string) []any {
	if v, ok := s.Raw[key]; ok {
		if l, ok := v.([]any); ok {
			return l
		}
	}
	return nil
}
