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

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// defaultHistoryLimit caps loaded turns when the step sets none.
const defaultHistoryLimit = 30

// LoadHistory implements "load_conversation_history": it pulls the
// session's recent finalized question/answer pairs and materializes
// them in the three shapes downstream steps consume: raw pairs, a
// chat dialog, and prompt-ready text blocks.
//
// History is an enrichment, never a dependency: any backend failure
// logs a warning and leaves all three shapes empty.
type LoadHistory struct {
	BaseAction
}

func NewLoadHistory() *LoadHistory {
	return &LoadHistory{BaseAction{ID: "load_conversation_history"}}
}

func (a *LoadHistory) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"turns_loaded": len(ec.State.HistoryQANeutral),
		"next":         next,
	}
}

func (a *LoadHistory) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	state := ec.State
	state.HistoryQANeutral = nil
	state.HistoryDialog = nil
	state.HistoryBlocks = nil

	if ec.Runtime.History == nil {
		return "", nil
	}
	limit := defaultHistoryLimit
	if v, ok := ec.Step.RawInt("history_limit"); ok && v > 0 {
		limit = v
	}

	pairs, err := ec.Runtime.History.GetRecentQANeutral(ctx, state.SessionID, limit)
	if err != nil {
		ec.Runtime.Log().Warn("conversation history unavailable",
			"step", ec.Step.ID, "session_id", state.SessionID, "error", err)
		return "", nil
	}

	state.HistoryQANeutral = pairs
	for _, qa := range pairs {
		state.HistoryDialog = append(state.HistoryDialog,
			datatypes.DialogTurn{Role: "user", Content: qa.Question},
			datatypes.DialogTurn{Role: "assistant", Content: qa.Answer},
		)
		state.HistoryBlocks = append(state.HistoryBlocks,
			fmt.Sprintf("User asked: %s", qa.Question),
			fmt.Sprintf("Final answer: %s", qa.Answer),
		)
	}
	return "", nil
}
