// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package callback

import (
	"fmt"
	"time"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// Per-document caps applied before a doc preview leaves the process.
const (
	docPreviewMaxRunes  = 280
	docMarkdownMaxRunes = 2000
	maxDocsPerEvent     = 10
)

// Doc is one capped document preview attached to a summary.
type Doc struct {
	ID       string `json:"id"`
	Preview  string `json:"preview"`
	Markdown string `json:"markdown,omitempty"`
}

// Summary is one UI-facing callback message.
type Summary struct {
	Type              string         `json:"type"`
	TSUTC             time.Time      `json:"ts_utc"`
	StepID            string         `json:"step_id,omitempty"`
	Action            string         `json:"action,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	SummaryTranslated string         `json:"summary_translated,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Docs              []Doc          `json:"docs,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Format converts an internal trace event into its UI summary, or nil
// when the policy filters it out.
//
// Recognized step actions get a human-readable summary line; queue
// events (ENQUEUE/CONSUME) and run completion pass through as typed
// messages; everything else is dropped. Under explicit stage
// visibility only events an action flagged with callback_visible
// survive.
func Format(policy Policy, event datatypes.TraceEvent) *Summary {
	if !policy.Enabled {
		return nil
	}

	switch event.Type {
	case datatypes.TraceEnqueue, datatypes.TraceConsume:
		if policy.StageVisibility == StageForbidden {
			return nil
		}
		return &Summary{
			Type:    "queue",
			TSUTC:   event.TSUTC,
			Action:  event.Type,
			Details: event.Payload,
		}
	case datatypes.TraceRunEnd:
		return &Summary{
			Type:    "run_end",
			TSUTC:   event.TSUTC,
			StepID:  event.Step.ID,
			Details: event.Payload,
		}
	case datatypes.TraceManageContextBudget:
		return formatStage(policy, event, &Summary{
			Type:    "stage",
			TSUTC:   event.TSUTC,
			Action:  "manage_context_budget",
			Summary: budgetSummaryLine(event.Payload),
			Details: event.Payload,
		})
	case datatypes.TraceStep:
		return formatStep(policy, event)
	default:
		return nil
	}
}

func formatStep(policy Policy, event datatypes.TraceEvent) *Summary {
	s := &Summary{
		Type:   "stage",
		TSUTC:  event.TSUTC,
		StepID: event.Step.ID,
		Action: event.Action.ActionID,
		Error:  event.Error,
	}
	switch event.Action.ActionID {
	case "search_nodes":
		s.Summary = fmt.Sprintf("Searching the code index (%v hits)", outField(event, "hits"))
		s.Details = event.Out
	case "fetch_node_texts":
		s.Summary = fmt.Sprintf("Reading %v source fragments", outField(event, "node_texts"))
		s.Details = event.Out
		s.Docs = docsFromOut(policy, event.Out)
	case "manage_context_budget":
		s.Summary = fmt.Sprintf("Fitting context (%v blocks)", outField(event, "context_blocks"))
		s.Details = event.Out
	case "call_model":
		s.Summary = "Consulting the model"
		s.Details = map[string]any{"next": event.Step.NextResolved}
	default:
		return nil
	}
	return formatStage(policy, event, s)
}

// formatStage applies stage-visibility filtering to a built summary.
func formatStage(policy Policy, event datatypes.TraceEvent, s *Summary) *Summary {
	switch policy.StageVisibility {
	case StageForbidden:
		return nil
	case StageExplicit:
		if !explicitlyVisible(event) {
			return nil
		}
	}
	return s
}

// explicitlyVisible checks the callback_visible marker an action may
// put into its out payload.
func explicitlyVisible(event datatypes.TraceEvent) bool {
	if v, ok := event.Out["callback_visible"].(bool); ok && v {
		return true
	}
	if v, ok := event.Payload["callback_visible"].(bool); ok && v {
		return true
	}
	return false
}

func budgetSummaryLine(payload map[string]any) string {
	nodes, _ := payload["nodes"].([]any)
	if committed, ok := payload["committed"].(bool); ok && !committed {
		return fmt.Sprintf("Context over budget, retrying (%d fragments)", len(nodes))
	}
	return fmt.Sprintf("Packed %d fragments into the context", len(nodes))
}

func outField(event datatypes.TraceEvent, key string) any {
	if v, ok := event.Out[key]; ok {
		return v
	}
	return 0
}

// docsFromOut extracts capped document previews when the policy allows
// documents and the action exposed them under "docs".
func docsFromOut(policy Policy, out map[string]any) []Doc {
	if !policy.IncludeDocuments {
		return nil
	}
	raw, ok := out["docs"].([]any)
	if !ok {
		return nil
	}
	var docs []Doc
	for _, item := range raw {
		if len(docs) >= maxDocsPerEvent {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		doc := Doc{}
		doc.ID, _ = m["id"].(string)
		if text, ok := m["text"].(string); ok {
			doc.Preview = capRunes(text, docPreviewMaxRunes)
			doc.Markdown = capRunes("```\n"+text+"\n```", docMarkdownMaxRunes)
		}
		if doc.ID != "" || doc.Preview != "" {
			docs = append(docs, doc)
		}
	}
	return docs
}

func capRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
