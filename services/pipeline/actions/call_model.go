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
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/prompts"
)

// CallModel implements "call_model": one invocation of the main model.
//
// Parameters:
//
//	prompt_key:        template name resolved under the prompts dir
//	native_chat:       pass history_dialog as a chat instead of a
//	                   rendered single prompt
//	max_output_tokens: per-step output budget override
//	custom_banner:     {neutral?, translated?} banners shown with the
//	                   final answer; absent fields clear the state slot
//
// The rendered prompt is the instruction scaffold around the template
// (system), the concatenated history and context blocks (context), and
// the translated user question. Control tokens inside user-controlled
// text are escaped during rendering. A missing template degrades to an
// empty system block; the failure is reported in the trace, never
// raised.
type CallModel struct {
	BaseAction
}

func NewCallModel() *CallModel {
	return &CallModel{BaseAction: BaseAction{ID: "call_model"}}
}

func (a *CallModel) LogIn(ec *engine.ExecContext) map[string]any {
	return map[string]any{
		"prompt_key":     ec.Step.RawString("prompt_key", ""),
		"native_chat":    ec.Step.RawBool("native_chat", false),
		"context_blocks": len(ec.State.ContextBlocks),
		"history_blocks": len(ec.State.HistoryBlocks),
	}
}

func (a *CallModel) LogOut(ec *engine.ExecContext, next string) map[string]any {
	out := map[string]any{
		"response": truncate(ec.State.LastModelResponse, 200),
		"next":     next,
	}
	if msg, ok := ec.State.GraphDebug["prompt_template_error"]; ok {
		out["prompt_template_error"] = msg
	}
	return out
}

func (a *CallModel) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State
	if ec.Runtime.Model == nil {
		return "", contractErr(step, "no model client configured")
	}

	system := ""
	if key := step.RawString("prompt_key", ""); key != "" {
		tpl, err := prompts.Resolve(ec.Runtime.PromptsDir, key)
		if err != nil {
			// Reported via trace; the call proceeds with an empty
			// system block.
			if state.GraphDebug == nil {
				state.GraphDebug = map[string]any{}
			}
			state.GraphDebug["prompt_template_error"] = err.Error()
			ec.Runtime.Log().Warn("prompt template unavailable",
				"step", step.ID, "prompt_key", key, "error", err)
		} else {
			system = tpl
		}
	}

	question := state.UserQuestion
	if question == "" {
		question = state.UserQuery
	}

	maxTokens := ec.Pipeline.SettingInt("max_output_tokens", 0)
	if v, ok := step.RawInt("max_output_tokens"); ok {
		maxTokens = v
	}

	req := engine.AskRequest{System: system, MaxTokens: maxTokens}
	if step.RawBool("native_chat", false) {
		dialog := append([]datatypes.DialogTurn{}, state.HistoryDialog...)
		dialog = append(dialog, datatypes.DialogTurn{Role: "user", Content: question})
		req.Dialog = dialog
	} else {
		contextText := strings.Join(append(append([]string{}, state.HistoryBlocks...), state.ContextBlocks...), "\n\n")
		req.Prompt = prompts.Render(system, contextText, question)
	}

	response, err := ec.Runtime.Model.Ask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("step %q: model call failed: %w", step.ID, err)
	}
	state.LastModelResponse = response

	applyCustomBanner(step, state)
	return "", nil
}

// applyCustomBanner sets or clears both banner slots: a call_model
// step with a custom_banner owns the banner state entirely, so absent
// fields reset rather than leak a previous step's banner.
func applyCustomBanner(step *datatypes.StepDef, state *datatypes.State) {
	banner := step.RawMap("custom_banner")
	if banner == nil {
		return
	}
	state.BannerNeutral = ""
	state.BannerTranslated = ""
	if v, ok := banner["neutral"].(string); ok {
		state.BannerNeutral = v
	}
	if v, ok := banner["translated"].(string); ok {
		state.BannerTranslated = v
	}
}
