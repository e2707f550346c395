// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

var tracer = otel.Tracer("localai.pipeline.engine")

// Environment flags the engine honors.
const (
	// EnvTrace enables the per-run trace buffer ("1" to enable).
	EnvTrace = "RAG_PIPELINE_TRACE"

	// EnvInboxFailFast makes a non-empty inbox at RUN_END fatal.
	EnvInboxFailFast = "RAG_PIPELINE_INBOX_FAIL_FAST"
)

// DefaultMaxSteps bounds a single run. Pipelines gate their own loops
// with loop_guard; this cap only stops a definition with no reachable
// end step from spinning forever.
const DefaultMaxSteps = 1000

// Engine drives one pipeline run at a time per call. An Engine itself
// is stateless and safe to share across concurrent runs.
type Engine struct {
	Registry *Registry

	// MaxSteps overrides DefaultMaxSteps when > 0.
	MaxSteps int
}

// New returns an Engine dispatching into the given registry.
func New(registry *Registry) *Engine {
	return &Engine{Registry: registry}
}

// Run executes the pipeline against state until a step with end=true
// returns.
//
// # Description
//
// The loop per step: consume inbox messages addressed to the step,
// invoke the action through the trace wrapper, resolve the next step
// (action override wins over the step's default "next"), halt on
// end=true. Action errors are recorded in the trace event and then
// propagated unchanged; the engine retries nothing.
//
// # Errors
//
//   - ErrConfig-wrapped: missing entry step, unknown step id, unknown
//     action, step budget exhausted
//   - ErrInboxNotEmpty: messages left at RUN_END with fail-fast set
//   - anything an action returns
func (e *Engine) Run(ctx context.Context, pipeline *datatypes.PipelineDef, state *datatypes.State, rt *Runtime) error {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.name", pipeline.Name),
		attribute.String("pipeline.run_id", state.RunID),
		attribute.String("pipeline.session_id", state.SessionID),
	)

	state.PipelineName = pipeline.Name
	state.TraceEnabled = rt.TraceEnabled || os.Getenv(EnvTrace) == "1"

	stepID, err := pipeline.EntryStepID()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", datatypes.ErrConfig, err)
	}

	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	log := rt.Log().With("pipeline", pipeline.Name, "run_id", state.RunID)
	log.Info("pipeline run started", "entry_step", stepID, "session_id", state.SessionID)

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		state.StepsUsed++
		if state.StepsUsed > maxSteps {
			err := fmt.Errorf("%w: pipeline %q exceeded %d steps without reaching an end step",
				datatypes.ErrConfig, pipeline.Name, maxSteps)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		step := pipeline.Step(stepID)
		if step == nil {
			err := fmt.Errorf("%w: pipeline %q: missing step %q", datatypes.ErrConfig, pipeline.Name, stepID)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		action, err := e.Registry.Get(step.Action)
		if err != nil {
			err = fmt.Errorf("%w: pipeline %q: step %q: %v", datatypes.ErrConfig, pipeline.Name, step.ID, err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		ec := &ExecContext{Pipeline: pipeline, Step: step, State: state, Runtime: rt}
		ec.Consumed = state.ConsumeInbox(step.ID)
		if len(ec.Consumed) > 0 {
			consumeEvent := datatypes.TraceEvent{
				Type:  datatypes.TraceConsume,
				TSUTC: time.Now().UTC(),
				Payload: map[string]any{
					"step_id":  step.ID,
					"consumed": len(ec.Consumed),
				},
			}
			e.record(state, rt, consumeEvent)
		}

		next, err := e.runStep(ctx, action, ec)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			log.Error("step failed", "step", step.ID, "action", step.Action, "error", err)
			return err
		}

		if step.End() {
			remaining := len(state.Inbox)
			endEvent := datatypes.TraceEvent{
				Type:  datatypes.TraceRunEnd,
				TSUTC: time.Now().UTC(),
				Payload: map[string]any{
					"step_id":         step.ID,
					"steps_used":      state.StepsUsed,
					"inbox_remaining": remaining,
				},
			}
			e.record(state, rt, endEvent)
			if remaining > 0 && os.Getenv(EnvInboxFailFast) == "1" {
				err := fmt.Errorf("%w: %d message(s) left at RUN_END of pipeline %q",
					datatypes.ErrInboxNotEmpty, remaining, pipeline.Name)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			log.Info("pipeline run finished", "steps_used", state.StepsUsed, "inbox_remaining", remaining)
			return nil
		}

		if next == "" {
			err := fmt.Errorf("%w: pipeline %q: step %q resolved no next step and is not an end step",
				datatypes.ErrConfig, pipeline.Name, step.ID)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		stepID = next
	}
}

// runStep is the base-action wrapper: it captures log payloads, runs
// the action, resolves the transition, and appends exactly one STEP
// trace event whether the action succeeded or failed. Errors from the
// action are re-raised after the event is recorded.
func (e *Engine) runStep(ctx context.Context, action Action, ec *ExecContext) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step.id", ec.Step.ID),
		attribute.String("step.action", ec.Step.Action),
	)

	in := safeLogPayload(func() map[string]any { return action.LogIn(ec) }, "_log_in_error")

	override, execErr := action.Execute(ctx, ec)

	resolvedNext := override
	if resolvedNext == "" {
		resolvedNext = ec.Step.Next()
	}

	event := datatypes.TraceEvent{
		Type:  datatypes.TraceStep,
		TSUTC: time.Now().UTC(),
		Step: datatypes.TraceStepRef{
			ID:           ec.Step.ID,
			Action:       ec.Step.Action,
			NextDefault:  ec.Step.Next(),
			NextResolved: resolvedNext,
		},
		Action: datatypes.TraceActionRef{
			Class:    fmt.Sprintf("%T", action),
			ActionID: action.ActionID(),
		},
		In:         in,
		StateAfter: datatypes.StateSnapshot(ec.State),
	}
	if execErr != nil {
		event.Error = execErr.Error()
		span.SetStatus(codes.Error, execErr.Error())
	} else {
		event.Out = safeLogPayload(func() map[string]any { return action.LogOut(ec, resolvedNext) }, "_log_out_error")
	}
	e.record(ec.State, ec.Runtime, event)

	if execErr != nil {
		return "", execErr
	}
	return resolvedNext, nil
}

// record appends the event to the trace buffer (when tracing is
// enabled) and always forwards it to the callback sink; the broker's
// policy layer decides downstream visibility.
func (e *Engine) record(state *datatypes.State, rt *Runtime, event datatypes.TraceEvent) {
	if state.TraceEnabled {
		state.TraceEvents = append(state.TraceEvents, event)
	}
	if rt != nil && rt.Callbacks != nil && state.RunID != "" {
		rt.Callbacks.Emit(state.RunID, event)
	}
}

// safeLogPayload runs a log callback, trapping panics so a broken
// log_in/log_out never fails the step it describes.
func safeLogPayload(fn func() map[string]any, errKey string) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]any{errKey: fmt.Sprint(r)}
		}
	}()
	return fn()
}
