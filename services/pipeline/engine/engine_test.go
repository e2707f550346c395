// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// fakeAction is a scriptable action for engine tests.
type fakeAction struct {
	id   string
	exec func(ec *ExecContext) (string, error)
}

func (a *fakeAction) ActionID() string                           { return a.id }
func (a *fakeAction) LogIn(*ExecContext) map[string]any          { return nil }
func (a *fakeAction) LogOut(*ExecContext, string) map[string]any { return nil }
func (a *fakeAction) Execute(_ context.Context, ec *ExecContext) (string, error) {
	if a.exec == nil {
		return "", nil
	}
	return a.exec(ec)
}

// sinkRecorder captures every event emitted to the callback sink.
type sinkRecorder struct {
	events []datatypes.TraceEvent
}

func (s *sinkRecorder) Emit(_ string, event datatypes.TraceEvent) {
	s.events = append(s.events, event)
}

func pipelineOf(entry string, steps ...map[string]any) *datatypes.PipelineDef {
	def := &datatypes.PipelineDef{
		Name:     "test-pipeline",
		Settings: map[string]any{"entry_step_id": entry},
	}
	for _, raw := range steps {
		def.Steps = append(def.Steps, datatypes.StepDef{
			ID:     raw["id"].(string),
			Action: raw["action"].(string),
			Raw:    raw,
		})
	}
	return def
}

func newTestState() *datatypes.State {
	s := datatypes.NewState()
	s.RunID = "run-1"
	s.SessionID = "sess-1"
	return s
}

// TestRunFollowsDefaultNext verifies fall-through to the step's "next"
// and the end-step halt.
func TestRunFollowsDefaultNext(t *testing.T) {
	var order []string
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop", exec: func(ec *ExecContext) (string, error) {
		order = append(order, ec.Step.ID)
		return "", nil
	}})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "noop", "next": "b"},
		map[string]any{"id": "b", "action": "noop", "end": true},
	)

	state := newTestState()
	require.NoError(t, New(reg).Run(context.Background(), def, state, &Runtime{}))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2, state.StepsUsed)
}

// TestRunActionOverrideWins verifies a non-empty Execute return value
// overrides the default next.
func TestRunActionOverrideWins(t *testing.T) {
	var order []string
	reg := NewRegistry()
	reg.Register("jump", &fakeAction{id: "jump", exec: func(ec *ExecContext) (string, error) {
		order = append(order, ec.Step.ID)
		if ec.Step.ID == "a" {
			return "c", nil
		}
		return "", nil
	}})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "jump", "next": "b"},
		map[string]any{"id": "b", "action": "jump", "end": true},
		map[string]any{"id": "c", "action": "jump", "end": true},
	)

	require.NoError(t, New(reg).Run(context.Background(), def, newTestState(), &Runtime{}))
	assert.Equal(t, []string{"a", "c"}, order)
}

// TestRunConfigErrors verifies missing entry, unknown step, unknown
// action, and no-next all wrap ErrConfig.
func TestRunConfigErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop"})
	eng := New(reg)
	ctx := context.Background()

	noEntry := pipelineOf("a", map[string]any{"id": "a", "action": "noop", "end": true})
	delete(noEntry.Settings, "entry_step_id")
	assert.ErrorIs(t, eng.Run(ctx, noEntry, newTestState(), &Runtime{}), datatypes.ErrConfig)

	missingStep := pipelineOf("a", map[string]any{"id": "a", "action": "noop", "next": "ghost"})
	assert.ErrorIs(t, eng.Run(ctx, missingStep, newTestState(), &Runtime{}), datatypes.ErrConfig)

	unknownAction := pipelineOf("a", map[string]any{"id": "a", "action": "nope", "end": true})
	assert.ErrorIs(t, eng.Run(ctx, unknownAction, newTestState(), &Runtime{}), datatypes.ErrConfig)

	noNext := pipelineOf("a", map[string]any{"id": "a", "action": "noop"})
	err := eng.Run(ctx, noNext, newTestState(), &Runtime{})
	require.ErrorIs(t, err, datatypes.ErrConfig)
	assert.Contains(t, err.Error(), "resolved no next step")
}

// TestRunStepBudget verifies a definition that never reaches an end step
// is stopped at MaxSteps.
func TestRunStepBudget(t *testing.T) {
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop"})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "noop", "next": "b"},
		map[string]any{"id": "b", "action": "noop", "next": "a"},
	)

	eng := New(reg)
	eng.MaxSteps = 7
	state := newTestState()
	err := eng.Run(context.Background(), def, state, &Runtime{})
	require.ErrorIs(t, err, datatypes.ErrConfig)
	assert.Contains(t, err.Error(), "exceeded 7 steps")
}

// TestRunActionErrorPropagates verifies action errors abort the run
// unchanged, after the STEP event is recorded.
func TestRunActionErrorPropagates(t *testing.T) {
	boom := errors.New("backend down")
	reg := NewRegistry()
	reg.Register("fail", &fakeAction{id: "fail", exec: func(*ExecContext) (string, error) {
		return "", boom
	}})
	def := pipelineOf("a", map[string]any{"id": "a", "action": "fail", "end": true})

	sink := &sinkRecorder{}
	state := newTestState()
	err := New(reg).Run(context.Background(), def, state, &Runtime{Callbacks: sink})
	assert.ErrorIs(t, err, boom)

	require.Len(t, sink.events, 1)
	assert.Equal(t, datatypes.TraceStep, sink.events[0].Type)
	assert.Equal(t, "backend down", sink.events[0].Error)
}

// TestRunInboxConsumedOnEntry verifies messages addressed to a step are
// consumed before its action executes, and a CONSUME event is emitted.
func TestRunInboxConsumedOnEntry(t *testing.T) {
	var consumed []datatypes.Message
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop", exec: func(ec *ExecContext) (string, error) {
		if ec.Step.ID == "b" {
			consumed = ec.Consumed
		}
		return "", nil
	}})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "noop", "next": "b"},
		map[string]any{"id": "b", "action": "noop", "end": true},
	)

	state := newTestState()
	require.NoError(t, state.EnqueueMessage("b", "config", map[string]any{"k": "v"}, "test"))

	sink := &sinkRecorder{}
	require.NoError(t, New(reg).Run(context.Background(), def, state, &Runtime{Callbacks: sink}))

	require.Len(t, consumed, 1)
	assert.Equal(t, "config", consumed[0].Topic)
	assert.Empty(t, state.Inbox)

	var types []string
	for _, e := range sink.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{datatypes.TraceStep, datatypes.TraceConsume, datatypes.TraceStep, datatypes.TraceRunEnd}, types)
}

// TestRunInboxFailFast verifies leftover messages at RUN_END are fatal
// only with the fail-fast flag set.
func TestRunInboxFailFast(t *testing.T) {
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop"})
	def := pipelineOf("a", map[string]any{"id": "a", "action": "noop", "end": true})

	state := newTestState()
	require.NoError(t, state.EnqueueMessage("never_visited", "config", nil, "test"))
	require.NoError(t, New(reg).Run(context.Background(), def, state, &Runtime{}))

	t.Setenv(EnvInboxFailFast, "1")
	state = newTestState()
	require.NoError(t, state.EnqueueMessage("never_visited", "config", nil, "test"))
	err := New(reg).Run(context.Background(), def, state, &Runtime{})
	assert.ErrorIs(t, err, datatypes.ErrInboxNotEmpty)
}

// TestRunTraceBuffer verifies the trace buffer fills only when enabled
// and records resolved transitions.
func TestRunTraceBuffer(t *testing.T) {
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop"})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "noop", "next": "b"},
		map[string]any{"id": "b", "action": "noop", "end": true},
	)

	state := newTestState()
	require.NoError(t, New(reg).Run(context.Background(), def, state, &Runtime{}))
	assert.Empty(t, state.TraceEvents)

	state = newTestState()
	require.NoError(t, New(reg).Run(context.Background(), def, state, &Runtime{TraceEnabled: true}))
	require.Len(t, state.TraceEvents, 3) // STEP, STEP, RUN_END

	first := state.TraceEvents[0]
	assert.Equal(t, datatypes.TraceStep, first.Type)
	assert.Equal(t, "a", first.Step.ID)
	assert.Equal(t, "b", first.Step.NextResolved)
	assert.Equal(t, "noop", first.Action.ActionID)
	assert.Equal(t, datatypes.TraceRunEnd, state.TraceEvents[2].Type)
}

// TestRunHonorsContextCancel verifies a canceled context stops the loop
// between steps.
func TestRunHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	reg.Register("noop", &fakeAction{id: "noop", exec: func(*ExecContext) (string, error) {
		cancel()
		return "", nil
	}})
	def := pipelineOf("a",
		map[string]any{"id": "a", "action": "noop", "next": "b"},
		map[string]any{"id": "b", "action": "noop", "end": true},
	)

	err := New(reg).Run(ctx, def, newTestState(), &Runtime{})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestSafeLogPayloadTrapsPanic verifies a panicking log callback never
// fails the step it describes.
func TestSafeLogPayloadTrapsPanic(t *testing.T) {
	out := safeLogPayload(func() map[string]any { panic("broken log") }, "_log_in_error")
	assert.Equal(t, map[string]any{"_log_in_error": "broken log"}, out)
}
