// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// SetVariables implements "set_variables": declarative state mutation
// from the pipeline YAML.
//
// Parameters:
//
//	rules:
//	  - set: <field>               # writable state field, no dots
//	    from: <field>  |  value: <literal>   # exactly one
//	    transform: copy | to_list | split_lines | parse_json |
//	               to_context_blocks | clear
//
// Fields are addressed by their wire names (user_query,
// last_model_response, context_blocks, ...). Only the closed field set
// below is reachable; everything else has an owning action and stays
// out of declarative reach.
type SetVariables struct {
	BaseAction
}

func NewSetVariables() *SetVariables {
	return &SetVariables{BaseAction{ID: "set_variables"}}
}

func (a *SetVariables) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	rules := step.RawList("rules")
	if len(rules) == 0 {
		return "", contractErr(step, "rules must be a non-empty list")
	}
	for i, item := range rules {
		rule, ok := item.(map[string]any)
		if !ok {
			return "", contractErr(step, "rules[%d] must be a mapping", i)
		}
		if err := applyRule(ec.State, step, i, rule); err != nil {
			return "", err
		}
	}
	return "", nil
}

func applyRule(state *datatypes.State, step *datatypes.StepDef, idx int, rule map[string]any) error {
	target, _ := rule["set"].(string)
	if target == "" {
		return contractErr(step, "rules[%d]: set is required", idx)
	}
	if strings.Contains(target, ".") {
		return contractErr(step, "rules[%d]: nested paths are forbidden in set (%q)", idx, target)
	}
	setter, ok := stateSetters[target]
	if !ok {
		return contractErr(step, "rules[%d]: field %q is not writable", idx, target)
	}

	fromField, hasFrom := rule["from"].(string)
	value, hasValue := rule["value"]
	transform, _ := rule["transform"].(string)
	if transform == "" {
		transform = "copy"
	}

	if transform == "clear" {
		if hasFrom || hasValue {
			return contractErr(step, "rules[%d]: clear takes neither from nor value", idx)
		}
		setter(state, zeroValues[target])
		return nil
	}
	if hasFrom == hasValue {
		return contractErr(step, "rules[%d]: exactly one of from / value is required", idx)
	}

	var input any
	if hasFrom {
		getter, ok := stateGetters[fromField]
		if !ok {
			return contractErr(step, "rules[%d]: field %q is not readable", idx, fromField)
		}
		input = getter(state)
	} else {
		input = value
	}

	out, err := applyTransform(transform, input)
	if err != nil {
		return contractErr(step, "rules[%d]: %v", idx, err)
	}
	if err := setterCompatible(target, out); err != nil {
		return contractErr(step, "rules[%d]: %v", idx, err)
	}
	setter(state, out)
	return nil
}

func applyTransform(name string, input any) (any, error) {
	switch name {
	case "copy":
		return input, nil
	case "to_list":
		if input == nil {
			return []string{}, nil
		}
		if list, ok := input.([]string); ok {
			return list, nil
		}
		return []string{toString(input)}, nil
	case "split_lines":
		var out []string
		for _, line := range strings.Split(toString(input), "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	case "parse_json":
		obj, err := datatypes.ParseJSONish(toString(input))
		if err != nil {
			return nil, err
		}
		return datatypes.SerializeCompact(obj), nil
	case "to_context_blocks":
		return toContextBlocks(input)
	default:
		return nil, errUnknownTransform(name)
	}
}

// toContextBlocks accepts a string, a list of strings, or a list of
// {text: ...} objects and filters out everything empty.
func toContextBlocks(input any) ([]string, error) {
	switch v := input.(type) {
	case string:
		if v == "" {
			return []string{}, nil
		}
		return []string{v}, nil
	case []string:
		var out []string
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []any:
		var out []string
		for _, item := range v {
			switch t := item.(type) {
			case string:
				if t != "" {
					out = append(out, t)
				}
			case map[string]any:
				if text, ok := t["text"].(string); ok && text != "" {
					out = append(out, text)
				}
			}
		}
		return out, nil
	case nil:
		return []string{}, nil
	default:
		return []string{toString(input)}, nil
	}
}

type transformError string

func (e transformError) Error() string { return string(e) }

func errUnknownTransform(name string) error {
	return transformError("unknown transform " + name)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// setterCompatible rejects type mismatches before mutation so a half
// applied rule list cannot corrupt state.
func setterCompatible(field string, value any) error {
	_, wantList := zeroValues[field].([]string)
	_, gotList := value.([]string)
	if wantList && !gotList {
		return transformError("field " + field + " requires a string list")
	}
	if !wantList {
		if _, isString := value.(string); !isString {
			return transformError("field " + field + " requires a string")
		}
	}
	return nil
}

// The closed field surface reachable from set_variables.
var stateGetters = map[string]func(*datatypes.State) any{
	"user_query":          func(s *datatypes.State) any { return s.UserQuery },
	"user_question":       func(s *datatypes.State) any { return s.UserQuestion },
	"last_model_response": func(s *datatypes.State) any { return s.LastModelResponse },
	"last_prefix":         func(s *datatypes.State) any { return s.LastPrefix },
	"retrieval_query":     func(s *datatypes.State) any { return s.RetrievalQuery },
	"answer_neutral":      func(s *datatypes.State) any { return s.AnswerNeutral },
	"answer_translated":   func(s *datatypes.State) any { return s.AnswerTranslated },
	"banner_neutral":      func(s *datatypes.State) any { return s.BannerNeutral },
	"banner_translated":   func(s *datatypes.State) any { return s.BannerTranslated },
	"final_answer":        func(s *datatypes.State) any { return s.FinalAnswer },
	"context_blocks":      func(s *datatypes.State) any { return s.ContextBlocks },
	"history_blocks":      func(s *datatypes.State) any { return s.HistoryBlocks },
}

var stateSetters = map[string]func(*datatypes.State, any){
	"user_question":       func(s *datatypes.State, v any) { s.UserQuestion, _ = v.(string) },
	"last_model_response": func(s *datatypes.State, v any) { s.LastModelResponse, _ = v.(string) },
	"retrieval_query":     func(s *datatypes.State, v any) { s.RetrievalQuery, _ = v.(string) },
	"answer_neutral":      func(s *datatypes.State, v any) { s.AnswerNeutral, _ = v.(string) },
	"answer_translated":   func(s *datatypes.State, v any) { s.AnswerTranslated, _ = v.(string) },
	"banner_neutral":      func(s *datatypes.State, v any) { s.BannerNeutral, _ = v.(string) },
	"banner_translated":   func(s *datatypes.State, v any) { s.BannerTranslated, _ = v.(string) },
	"final_answer":        func(s *datatypes.State, v any) { s.FinalAnswer, _ = v.(string) },
	"context_blocks":      func(s *datatypes.State, v any) { s.ContextBlocks, _ = v.([]string) },
	"history_blocks":      func(s *datatypes.State, v any) { s.HistoryBlocks, _ = v.([]string) },
}

// zeroValues drive the clear transform: type-preserving resets.
var zeroValues = map[string]any{
	"user_question":       "",
	"last_model_response": "",
	"retrieval_query":     "",
	"answer_neutral":      "",
	"answer_translated":   "",
	"banner_neutral":      "",
	"banner_translated":   "",
	"final_answer":        "",
	"context_blocks":      []string{},
	"history_blocks":      []string{},
}
