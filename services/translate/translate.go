// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package translate provides translator implementations for chat-mode
// pipelines. The default deployment runs language-neutral and uses the
// no-op translator; installations with a translation model plug one in
// behind the same contract.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// NopTranslator passes text through unchanged. Used when
// settings.model_language is "neutral".
type NopTranslator struct{}

func NewNopTranslator() *NopTranslator { return &NopTranslator{} }

func (NopTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	return text, nil
}

// ModelTranslator translates through a model client with a fixed
// instruction prompt. It reuses whatever ModelClient the deployment
// already runs, so no second model service is needed.
type ModelTranslator struct {
	model engine.ModelClient
}

func NewModelTranslator(model engine.ModelClient) *ModelTranslator {
	return &ModelTranslator{model: model}
}

func (t *ModelTranslator) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	out, err := t.model.Ask(ctx, engine.AskRequest{
		System: fmt.Sprintf("Translate the user's message into %s. Output only the translation.", targetLanguage),
		Prompt: text,
	})
	if err != nil {
		return "", fmt.Errorf("translate to %s: %w", targetLanguage, err)
	}
	return strings.TrimSpace(out), nil
}
