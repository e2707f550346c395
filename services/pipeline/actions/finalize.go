// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Finalize implements "finalize": it assembles final_answer from the
// banner and answer slots and, unless disabled, persists the finished
// turn to the conversation history.
//
// Parameters:
//
//	persist_turn: bool (default true)
//
// Translated slots are preferred when the run translates chat;
// otherwise the neutral slots are used. A missing translated answer
// falls back to the neutral text and the persisted turn is marked as a
// fallback so history consumers can tell. History persistence is best
// effort: the user already has an answer, so storage failures are
// logged and swallowed rather than turning a finished run into an
// error.
type Finalize struct {
	BaseAction
}

func NewFinalize() *Finalize {
	return &Finalize{BaseAction{ID: "finalize"}}
}

func (a *Finalize) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"final_answer": truncate(ec.State.FinalAnswer, 200),
		"persisted":    ec.Step.RawBool("persist_turn", true) && ec.Runtime.History != nil,
		"next":         next,
	}
}

func (a *Finalize) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	state := ec.State

	banner := state.BannerNeutral
	answer := state.AnswerNeutral
	translatedIsFallback := false
	if state.TranslateChat {
		banner = state.BannerTranslated
		answer = state.AnswerTranslated
		if answer == "" {
			answer = state.AnswerNeutral
			translatedIsFallback = true
		}
		if banner == "" {
			banner = state.BannerNeutral
		}
	}

	var parts []string
	if strings.TrimSpace(banner) != "" {
		parts = append(parts, banner)
	}
	if answer != "" {
		parts = append(parts, answer)
	}
	state.FinalAnswer = strings.Join(parts, "\n\n")

	if ec.Step.RawBool("persist_turn", true) {
		a.persistTurn(ctx, ec, translatedIsFallback)
	}
	return "", nil
}

// persistTurn records the finished turn via the history service; every
// failure path logs and returns without error.
func (a *Finalize) persistTurn(ctx context.Context, ec *engine.ExecContext, translatedIsFallback bool) {
	state := ec.State
	if ec.Runtime.History == nil || state.SessionID == "" {
		return
	}

	requestID := state.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
		state.RequestID = requestID
	}
	question := state.UserQuestion
	if question == "" {
		question = state.UserQuery
	}

	turnID, err := ec.Runtime.History.OnRequestStarted(ctx, state.SessionID, requestID, state.UserID, question)
	if err != nil {
		ec.Runtime.Log().Warn("history turn creation failed",
			"step", ec.Step.ID, "session_id", state.SessionID, "request_id", requestID, "error", err)
		return
	}

	answerTranslated := state.AnswerTranslated
	if state.TranslateChat && answerTranslated == "" {
		answerTranslated = state.AnswerNeutral
	}
	req := engine.FinalizeTurnRequest{
		SessionID:                  state.SessionID,
		RequestID:                  requestID,
		IdentityID:                 state.UserID,
		TurnID:                     turnID,
		AnswerNeutral:              state.AnswerNeutral,
		AnswerTranslated:           answerTranslated,
		AnswerTranslatedIsFallback: state.TranslateChat && translatedIsFallback,
	}
	if err := ec.Runtime.History.OnRequestFinalized(ctx, req); err != nil {
		ec.Runtime.Log().Warn("history turn finalization failed",
			"step", ec.Step.ID, "session_id", state.SessionID, "turn_id", turnID, "error", err)
	}
}
