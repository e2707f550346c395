// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Trace event types emitted during a run.
const (
	// TraceStep records one action execution (in/out payloads, error,
	// resolved transition).
	TraceStep = "STEP"
	// TraceEnqueue records an inbox message being enqueued.
	TraceEnqueue = "ENQUEUE"
	// TraceConsume records inbox consumption on step entry.
	TraceConsume = "CONSUME"
	// TraceRunEnd records the terminal step, with the remaining inbox count.
	TraceRunEnd = "RUN_END"
	// TraceManageContextBudget records per-node compaction decisions.
	TraceManageContextBudget = "MANAGE_CONTEXT_BUDGET"
)

// TraceStepRef identifies the step a trace event belongs to.
type TraceStepRef struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	NextDefault  string `json:"next_default,omitempty"`
	NextResolved string `json:"next_resolved,omitempty"`
}

// TraceActionRef identifies the action implementation.
type TraceActionRef struct {
	Class    string `json:"class"`
	ActionID string `json:"action_id"`
}

// TraceEvent is one entry in the per-run trace buffer.
//
// Step events carry In/Out/Error/StateAfter; queue and run-end events
// carry Payload only. Events are appended in strict execution order.
type TraceEvent struct {
	Type       string         `json:"type"`
	TSUTC      time.Time      `json:"ts_utc"`
	Step       TraceStepRef   `json:"step,omitempty"`
	Action     TraceActionRef `json:"action,omitempty"`
	In         map[string]any `json:"in,omitempty"`
	Out        map[string]any `json:"out,omitempty"`
	Error      string         `json:"error,omitempty"`
	StateAfter map[string]any `json:"state_after,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// StateSnapshot builds the shallow state summary attached to step trace
// events: scalar identity fields plus collection sizes. Large payloads
// (node texts, context blocks) are summarized by count so the trace
// stays readable.
func StateSnapshot(s *State) map[string]any {
	return map[string]any{
		"pipeline_name":       s.PipelineName,
		"session_id":          s.SessionID,
		"request_id":          s.RequestID,
		"repository":          s.Repository,
		"snapshot_id":         s.SnapshotID,
		"retrieval_mode":      s.RetrievalMode,
		"retrieval_query":     s.RetrievalQuery,
		"last_prefix":         s.LastPrefix,
		"seed_nodes":          len(s.RetrievalSeedNodes),
		"hits":                len(s.RetrievalHits),
		"graph_nodes":         len(s.GraphExpandedNodes),
		"graph_edges":         len(s.GraphEdges),
		"node_texts":          len(s.NodeTexts),
		"context_blocks":      len(s.ContextBlocks),
		"history_blocks":      len(s.HistoryBlocks),
		"inbox":               len(s.Inbox),
		"inbox_last_consumed": len(s.InboxLastConsumed),
		"steps_used":          s.StepsUsed,
		"final_answer_set":    s.FinalAnswer != "",
	}
}
