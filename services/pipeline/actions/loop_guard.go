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

// defaultMaxTurnLoops bounds loop_guard passes when the pipeline sets
// no max_turn_loops.
const defaultMaxTurnLoops = 4

// LoopGuard implements "loop_guard": a per-step visit counter that
// bounds retrieval loops.
//
// Parameters:
//
//	on_allow: <step-id>  (required)
//	on_deny:  <step-id>  (required)
//
// Each loop_guard step counts its own visits in state.loop_counters,
// isolated by step id. The first settings.max_turn_loops visits route
// to on_allow; every visit after that routes to on_deny and leaves the
// counter at the limit.
type LoopGuard struct {
	BaseAction
}

func NewLoopGuard() *LoopGuard {
	return &LoopGuard{BaseAction{ID: "loop_guard"}}
}

func (a *LoopGuard) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"count": ec.State.LoopCounters[ec.Step.ID],
		"next":  next,
	}
}

func (a *LoopGuard) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	onAllow, err := requiredTransition(step, "on_allow")
	if err != nil {
		return "", err
	}
	onDeny, err := requiredTransition(step, "on_deny")
	if err != nil {
		return "", err
	}

	limit := ec.Pipeline.SettingInt("max_turn_loops", defaultMaxTurnLoops)
	count := ec.State.LoopCounters[step.ID]
	if count < limit {
		ec.State.LoopCounters[step.ID] = count + 1
		return onAllow, nil
	}
	return onDeny, nil
}
