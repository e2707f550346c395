// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// TranslateIn implements "translate_in_if_needed": it bridges the
// user's chat language to the pipeline's model language.
//
// When translate_chat is set, a translator is wired, and
// settings.model_language is not "neutral", the user query is
// translated into the model language and stored as the question used
// for prompts. In every other case the query passes through; a missing
// translator in neutral mode is never an error.
type TranslateIn struct {
	BaseAction
}

func NewTranslateIn() *TranslateIn {
	return &TranslateIn{BaseAction{ID: "translate_in_if_needed"}}
}

func (a *TranslateIn) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"translated": ec.State.UserQuestion != ec.State.UserQuery,
		"next":       next,
	}
}

func (a *TranslateIn) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	state := ec.State
	state.UserQuestion = state.UserQuery

	modelLang := ec.Pipeline.SettingString("model_language", "neutral")
	if !state.TranslateChat || modelLang == "neutral" || ec.Runtime.Translator == nil {
		return "", nil
	}

	translated, err := ec.Runtime.Translator.Translate(ctx, state.UserQuery, modelLang)
	if err != nil {
		// Translation is best-effort; the model sees the original text.
		ec.Runtime.Log().Warn("question translation failed, using original",
			"step", ec.Step.ID, "error", err)
		return "", nil
	}
	state.UserQuestion = translated
	return "", nil
}
