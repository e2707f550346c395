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

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// ParallelRoadsFork implements "parallel_roads/fork": snapshot-level
// fan-out. A plan of labeled snapshots is executed one road at a time:
// fork points state.snapshot_id at the current road's snapshot and
// jumps into the search step; the matching merge action collects the
// road's results and loops back here until the plan is exhausted.
//
// Parameters:
//
//	snapshots:     {label: "${snapshot_id}" | "${snapshot_id_b}" | literal}
//	search_action: id of the search_nodes step each road enters (required)
//
// Labels execute in declaration order, as written in the pipeline
// YAML.
type ParallelRoadsFork struct {
	BaseAction
}

func NewParallelRoadsFork() *ParallelRoadsFork {
	return &ParallelRoadsFork{BaseAction{ID: "parallel_roads/fork"}}
}

func (a *ParallelRoadsFork) LogOut(ec *engine.ExecContext, next string) map[string]any {
	out := map[string]any{"next": next}
	if pr := ec.State.ParallelRoads; pr != nil {
		out["road_index"] = pr.Index
		out["roads"] = len(pr.Names)
	}
	return out
}

func (a *ParallelRoadsFork) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State
	searchStep, err := requiredTransition(step, "search_action")
	if err != nil {
		return "", err
	}

	if state.ParallelRoads == nil {
		plan := step.RawMap("snapshots")
		if len(plan) == 0 {
			return "", contractErr(step, "snapshots must be a non-empty mapping")
		}
		names := make([]string, 0, len(plan))
		snapshots := make(map[string]string, len(plan))
		for _, label := range step.OrderedKeys("snapshots", plan) {
			tpl, ok := plan[label].(string)
			if !ok || tpl == "" {
				return "", contractErr(step, "snapshots.%s must be a non-empty string", label)
			}
			resolved, err := resolveSnapshotTemplate(tpl, state)
			if err != nil {
				return "", contractErr(step, "snapshots.%s: %v", label, err)
			}
			names = append(names, label)
			snapshots[label] = resolved
		}

		state.ParallelRoads = &datatypes.ParallelRoads{
			Names:               names,
			Snapshots:           snapshots,
			Index:               0,
			SearchStepID:        searchStep,
			ForkStepID:          step.ID,
			OriginalSnapshotID:  state.SnapshotID,
			OriginalSnapshotIDB: state.SnapshotIDB,
			Results:             map[string][]string{},
		}
	}

	pr := state.ParallelRoads
	if pr.Index >= len(pr.Names) {
		return "", contractErr(step, "fork re-entered after the plan finished")
	}
	state.SnapshotID = pr.Snapshots[pr.Names[pr.Index]]
	return pr.SearchStepID, nil
}

// resolveSnapshotTemplate maps "${snapshot_id}" / "${snapshot_id_b}"
// to the run's snapshots, anything else is taken literally.
func resolveSnapshotTemplate(tpl string, state *datatypes.State) (string, error) {
	switch tpl {
	case "${snapshot_id}":
		if state.SnapshotID == "" {
			return "", transformError("snapshot_id is not set")
		}
		return state.SnapshotID, nil
	case "${snapshot_id_b}":
		if state.SnapshotIDB == "" {
			return "", transformError("snapshot_id_b is not set")
		}
		return state.SnapshotIDB, nil
	default:
		return tpl, nil
	}
}

// ParallelRoadsMerge implements "parallel_roads/merge": it banks the
// current road's fetched texts, clears the retrieval state, and either
// loops back to the fork or, after the last road, flattens all results
// into context_blocks in plan order and restores the original snapshot
// ids.
//
// Parameters:
//
//	snapshots: {label: "<label template>"} where "{}" or "{name}" is
//	           replaced by the road's display name, which
//	           settings.snapshot_friendly_names may map from the
//	           road label
//	on_done:   <step-id>  (required)
type ParallelRoadsMerge struct {
	BaseAction
}

func NewParallelRoadsMerge() *ParallelRoadsMerge {
	return &ParallelRoadsMerge{BaseAction{ID: "parallel_roads/merge"}}
}

func (a *ParallelRoadsMerge) LogOut(ec *engine.ExecContext, next string) map[string]any {
	out := map[string]any{"next": next}
	if pr := ec.State.ParallelRoads; pr != nil {
		out["road_index"] = pr.Index
	} else {
		out["done"] = true
	}
	return out
}

func (a *ParallelRoadsMerge) Execute(_ context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State
	onDone, err := requiredTransition(step, "on_done")
	if err != nil {
		return "", err
	}
	pr := state.ParallelRoads
	if pr == nil {
		return "", contractErr(step, "merge reached with no active fan-out")
	}
	if pr.Index >= len(pr.Names) {
		return "", contractErr(step, "merge re-entered after the plan finished")
	}

	name := pr.Names[pr.Index]
	label := roadLabel(step, ec.Pipeline, name)
	blocks := []string{label}
	for _, node := range state.NodeTexts {
		blocks = append(blocks, FormatNodeBlock(node.ID, node.Path, "", false, node.Text))
	}
	pr.Results[name] = blocks

	state.ResetRetrieval()
	pr.Index++

	if pr.Index < len(pr.Names) {
		return pr.ForkStepID, nil
	}

	// Plan finished: flatten in plan order, restore the snapshots.
	for _, n := range pr.Names {
		state.ContextBlocks = append(state.ContextBlocks, pr.Results[n]...)
	}
	state.SnapshotID = pr.OriginalSnapshotID
	state.SnapshotIDB = pr.OriginalSnapshotIDB
	state.ParallelRoads = nil
	return onDone, nil
}

// roadLabel renders the merge label for a road: the step's template
// for that road (or a plain fallback), with "{}" / "{name}" replaced
// by the friendly name.
func roadLabel(step *datatypes.StepDef, pipeline *datatypes.PipelineDef, name string) string {
	display := name
	if friendly, ok := pipeline.Settings["snapshot_friendly_names"].(map[string]any); ok {
		if mapped, ok := friendly[name].(string); ok && mapped != "" {
			display = mapped
		}
	}
	tpl := ""
	if templates := step.RawMap("snapshots"); templates != nil {
		if t, ok := templates[name].(string); ok {
			tpl = t
		}
	}
	if tpl == "" {
		return display
	}
	tpl = strings.ReplaceAll(tpl, "{name}", display)
	tpl = strings.ReplaceAll(tpl, "{}", display)
	return tpl
}
