// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"fmt"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/prompts"
)

// Policy selects how contract violations are handled.
type Policy string

const (
	// PolicyFailFast raises on the first violating step.
	PolicyFailFast Policy = "fail_fast"

	// PolicyAutoClamp shrinks max_context_tokens first, then per-step
	// max_output_tokens, and raises only when no clamp can fit.
	PolicyAutoClamp Policy = "auto_clamp"
)

// DefaultSafetyMarginTokens pads every per-step budget. Tokenizer
// drift between the counter and the serving model makes exact fits
// unreliable.
const DefaultSafetyMarginTokens = 128

// DefaultMaxOutputTokens applies to call_model steps that set no
// max_output_tokens and inherit none from settings.
const DefaultMaxOutputTokens = 512

// Clamp records one in-memory adjustment the contract applied.
type Clamp struct {
	Target string `json:"target"` // "max_context_tokens" or "max_output_tokens"
	StepID string `json:"step_id,omitempty"`
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// ContractResult reports what enforcement did.
type ContractResult struct {
	Policy           Policy  `json:"policy"`
	NCtx             int     `json:"n_ctx"`
	MaxContextTokens int     `json:"max_context_tokens"`
	Clamps           []Clamp `json:"clamps,omitempty"`
}

// stepBudget is the per-call_model-step accounting.
type stepBudget struct {
	step        *datatypes.StepDef
	fixedPrompt int
	outTokens   int
}

// Enforce checks every call_model step of the pipeline against the
// model context window and, under auto_clamp, shrinks the in-memory
// settings until all steps fit.
//
// # Description
//
// Per step the required budget is
//
//	fixed_prompt + max_history_tokens + max_context_tokens
//	  + max_output_tokens + safety_margin  <=  n_ctx
//
// fixed_prompt is the token count of the step's prompt template plus
// the instruction scaffold. The pipeline YAML on disk is never
// touched; clamps mutate only the loaded definition.
//
// # Errors
//
//   - fail_fast: the first violating step, with its numbers
//   - auto_clamp: only when clamping context and output both cannot
//     produce a positive output budget
//   - missing max_context_tokens, or history steps present with no
//     positive max_history_tokens
func Enforce(def *datatypes.PipelineDef, nCtx int, counter interface{ Count(string) int }, promptsDir string, policy Policy) (ContractResult, error) {
	result := ContractResult{Policy: policy, NCtx: nCtx}
	if nCtx <= 0 {
		return result, fmt.Errorf("%w: pipeline %q: model context window must be positive, got %d",
			datatypes.ErrConfig, def.Name, nCtx)
	}

	maxContext := def.SettingInt("max_context_tokens", 0)
	if maxContext <= 0 {
		return result, fmt.Errorf("%w: pipeline %q: settings.max_context_tokens missing or not positive",
			datatypes.ErrConfig, def.Name)
	}
	margin := def.SettingInt("budget_safety_margin_tokens", DefaultSafetyMarginTokens)

	usesHistory := false
	for _, s := range def.Steps {
		if s.Action == "load_conversation_history" {
			usesHistory = true
			break
		}
	}
	historyTokens := def.SettingInt("max_history_tokens", 0)
	if usesHistory && historyTokens <= 0 {
		return result, fmt.Errorf("%w: pipeline %q: settings.max_history_tokens must be positive when history steps are present",
			datatypes.ErrConfig, def.Name)
	}

	defaultOut := def.SettingInt("max_output_tokens", DefaultMaxOutputTokens)
	budgets := collectStepBudgets(def, counter, promptsDir, defaultOut)
	if len(budgets) == 0 {
		result.MaxContextTokens = maxContext
		return result, nil
	}

	if policy == PolicyFailFast {
		for _, b := range budgets {
			required := b.fixedPrompt + historyTokens + maxContext + b.outTokens + margin
			if required > nCtx {
				return result, fmt.Errorf(
					"%w: pipeline %q: step %q needs %d tokens (prompt %d + history %d + context %d + output %d + margin %d) but n_ctx is %d",
					datatypes.ErrConfig, def.Name, b.step.ID,
					required, b.fixedPrompt, historyTokens, maxContext, b.outTokens, margin, nCtx)
			}
		}
		result.MaxContextTokens = maxContext
		return result, nil
	}

	// auto_clamp: shrink the global context budget to the tightest step
	// first, then shrink per-step output budgets.
	allowedContext := maxContext
	for _, b := range budgets {
		avail := nCtx - b.fixedPrompt - historyTokens - b.outTokens - margin
		if avail < allowedContext {
			allowedContext = avail
		}
	}
	if allowedContext < maxContext && allowedContext > 0 {
		result.Clamps = append(result.Clamps, Clamp{
			Target: "max_context_tokens",
			From:   maxContext,
			To:     allowedContext,
			Reason: fmt.Sprintf("tightest call_model step leaves %d context tokens of n_ctx %d", allowedContext, nCtx),
		})
		maxContext = allowedContext
		def.Settings["max_context_tokens"] = maxContext
	}

	if allowedContext <= 0 {
		// Context alone cannot absorb the overrun; shrink outputs with
		// a minimal context floor of 1.
		maxContext = 1
		for _, b := range budgets {
			allowedOut := nCtx - b.fixedPrompt - historyTokens - maxContext - margin
			if allowedOut <= 0 {
				return result, fmt.Errorf(
					"%w: pipeline %q: step %q cannot fit n_ctx %d even with empty context (prompt %d + history %d + margin %d)",
					datatypes.ErrConfig, def.Name, b.step.ID, nCtx, b.fixedPrompt, historyTokens, margin)
			}
			if b.outTokens > allowedOut {
				result.Clamps = append(result.Clamps, Clamp{
					Target: "max_output_tokens",
					StepID: b.step.ID,
					From:   b.outTokens,
					To:     allowedOut,
					Reason: fmt.Sprintf("output budget exceeds n_ctx %d after context clamp", nCtx),
				})
				b.step.Raw["max_output_tokens"] = allowedOut
			}
		}
		result.Clamps = append(result.Clamps, Clamp{
			Target: "max_context_tokens",
			From:   def.SettingInt("max_context_tokens", 0),
			To:     maxContext,
			Reason: "context budget floored at 1 to preserve output budgets",
		})
		def.Settings["max_context_tokens"] = maxContext
	}

	result.MaxContextTokens = maxContext
	return result, nil
}

// collectStepBudgets gathers fixed prompt and output token counts for
// every call_model step.
func collectStepBudgets(def *datatypes.PipelineDef, counter interface{ Count(string) int }, promptsDir string, defaultOut int) []stepBudget {
	var budgets []stepBudget
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Action != "call_model" {
			continue
		}
		system := ""
		if key := s.RawString("prompt_key", ""); key != "" {
			// A missing template is not fatal here; call_model degrades
			// to an empty system block and the trace reports it.
			if tpl, err := prompts.Resolve(promptsDir, key); err == nil {
				system = tpl
			}
		}
		fixed := counter.Count(prompts.Scaffold(system))
		out := defaultOut
		if v, ok := s.RawInt("max_output_tokens"); ok {
			out = v
		}
		budgets = append(budgets, stepBudget{step: s, fixedPrompt: fixed, outTokens: out})
	}
	return budgets
}
