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

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Hit is one search result summary: node id, backend score, 1-based rank.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// GraphEdge is one dependency edge discovered during expansion.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// NodeText is the fetched source text for one node.
type NodeText struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	Path            string `json:"path,omitempty"`
	MetadataContext string `json:"metadata_context,omitempty"`
}

// DialogTurn is one history entry in chat form.
type DialogTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QAPair is one finalized question/answer pair in neutral language.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Message is one inbox message addressed to a step.
//
// Payload must contain only JSON primitives, maps, and lists; State
// enforces this on enqueue.
type Message struct {
	TargetStepID string         `json:"target_step_id"`
	Topic        string         `json:"topic"`
	Payload      map[string]any `json:"payload,omitempty"`
	SenderStepID string         `json:"sender_step_id,omitempty"`
}

// ParallelRoads tracks an in-progress snapshot fan-out. Nil when no
// fan-out is running.
type ParallelRoads struct {
	// Names is the plan order of snapshot labels.
	Names []string
	// Snapshots maps label -> resolved snapshot id.
	Snapshots map[string]string
	// Index is the position in Names currently being executed.
	Index int
	// SearchStepID is the search_nodes step each road jumps to.
	SearchStepID string
	// ForkStepID is the fork step, used by merge to loop back.
	ForkStepID string
	// OriginalSnapshotID / OriginalSnapshotIDB restore State after the
	// last road.
	OriginalSnapshotID  string
	OriginalSnapshotIDB string
	// Results holds the labeled context blocks per road.
	Results map[string][]string
}

// State is the per-run mutable record.
//
// # Description
//
// One State is created per pipeline run and owned by the goroutine
// executing that run. Actions read and write it freely; the engine
// consumes the inbox on step entry and appends trace events.
//
// # Thread Safety
//
// NOT safe for concurrent use. A run is single-threaded by design;
// cross-run shared structures (broker, graph cache) synchronize
// separately.
type State struct {
	// Identity.
	PipelineName  string
	RunID         string
	UserQuery     string
	UserQuestion  string // post-translation question used for prompts
	SessionID     string
	Consultant    string
	RequestID     string
	Branch        string
	UserID        string
	Repository    string
	SnapshotID    string
	SnapshotIDB   string
	SnapshotSetID string
	TranslateChat bool

	// Router / parse artifacts.
	LastModelResponse string
	LastPrefix        string
	RetrievalMode     string
	RetrievalQuery    string
	// RetrievalFilters carries security-origin filters. Base keys (repo,
	// snapshot scope, tenant, acl) must never be overwritten by
	// model-parsed fields; search_nodes enforces the precedence.
	RetrievalFilters          map[string]any
	RetrievalQueriesAsked     []string
	RetrievalQueriesAskedNorm map[string]struct{}

	// Retrieval outputs.
	RetrievalSeedNodes []string
	RetrievalHits      []Hit
	GraphSeedNodes     []string
	GraphExpandedNodes []string
	GraphEdges         []GraphEdge
	GraphDebug         map[string]any
	NodeTexts          []NodeText

	// Context.
	HistoryQANeutral []QAPair
	HistoryDialog    []DialogTurn
	HistoryBlocks    []string
	// ContextBlocks lives for the whole run. It is never auto-cleared
	// between steps; only explicit actions (parallel_roads merge) reset it.
	ContextBlocks []string

	// Answers.
	AnswerNeutral    string
	AnswerTranslated string
	BannerNeutral    string
	BannerTranslated string
	FinalAnswer      string

	// Snapshot fan-out bookkeeping.
	ParallelRoads *ParallelRoads

	// Inbox.
	Inbox             []Message
	InboxLastConsumed []Message

	// Diagnostics.
	TraceEnabled bool
	TraceEvents  []TraceEvent
	LoopCounters map[string]int
	StepsUsed    int
}

// NewState constructs a run State with empty inbox, empty trace, and
// initialized maps.
func NewState() *State {
	return &State{
		RetrievalFilters:          map[string]any{},
		RetrievalQueriesAskedNorm: map[string]struct{}{},
		GraphDebug:                map[string]any{},
		LoopCounters:              map[string]int{},
	}
}

// EnqueueMessage validates and appends a message to the inbox.
//
// # Description
//
// The target step id and topic must be non-empty. The payload is
// deep-copied by a JSON round trip, which doubles as the check that it
// contains only JSON-serializable primitives. An ENQUEUE trace event
// with a truncated payload summary is appended when tracing is enabled.
//
// # Errors
//
//   - empty target step id or topic
//   - payload containing non-JSON-serializable values (func, chan, cycle)
func (s *State) EnqueueMessage(targetStepID, topic string, payload map[string]any, senderStepID string) error {
	if strings.TrimSpace(targetStepID) == "" {
		return fmt.Errorf("enqueue: target step id must be non-empty")
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("enqueue: topic must be non-empty")
	}
	copied, err := deepCopyPayload(payload)
	if err != nil {
		return fmt.Errorf("enqueue: payload for step %q not JSON-serializable: %w", targetStepID, err)
	}
	msg := Message{
		TargetStepID: targetStepID,
		Topic:        topic,
		Payload:      copied,
		SenderStepID: senderStepID,
	}
	s.Inbox = append(s.Inbox, msg)
	if s.TraceEnabled {
		s.TraceEvents = append(s.TraceEvents, TraceEvent{
			Type:  TraceEnqueue,
			TSUTC: time.Now().UTC(),
			Payload: map[string]any{
				"target_step_id":  targetStepID,
				"topic":           topic,
				"sender_step_id":  senderStepID,
				"payload_summary": summarizePayload(copied, 200),
			},
		})
	}
	return nil
}

// ConsumeInbox removes and returns, in enqueue order, every message
// addressed to stepID. The result is also stored in InboxLastConsumed.
// Non-matching messages keep their relative order.
func (s *State) ConsumeInbox(stepID string) []Message {
	var consumed []Message
	var remaining []Message
	for _, m := range s.Inbox {
		if m.TargetStepID == stepID {
			consumed = append(consumed, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	s.Inbox = remaining
	s.InboxLastConsumed = consumed
	return consumed
}

// ResetRetrieval clears per-query retrieval artifacts: seeds, hits,
// graph output, and node texts. ContextBlocks is deliberately left
// alone; it spans the run.
func (s *State) ResetRetrieval() {
	s.RetrievalSeedNodes = nil
	s.RetrievalHits = nil
	s.GraphSeedNodes = nil
	s.GraphExpandedNodes = nil
	s.GraphEdges = nil
	s.GraphDebug = map[string]any{}
	s.NodeTexts = nil
}

// RecordQuery appends a query to the asked lists, deduplicating by
// normalized form. Returns the normalized query.
func (s *State) RecordQuery(query string) string {
	norm := NormalizeQuery(query)
	if _, seen := s.RetrievalQueriesAskedNorm[norm]; !seen {
		s.RetrievalQueriesAsked = append(s.RetrievalQueriesAsked, query)
		s.RetrievalQueriesAskedNorm[norm] = struct{}{}
	}
	return norm
}

// QueryAsked reports whether the normalized form of query was already
// recorded in this run.
func (s *State) QueryAsked(query string) bool {
	_, seen := s.RetrievalQueriesAskedNorm[NormalizeQuery(query)]
	return seen
}

// NormalizeQuery lowercases and collapses all whitespace runs to single
// spaces. This is the identity used by the repeat guard.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// deepCopyPayload clones a payload via a JSON round trip. The round
// trip both isolates the copy from later caller mutation and rejects
// values JSON cannot represent.
func deepCopyPayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// summarizePayload renders a payload as compact JSON truncated to max
// runes, for trace events.
func summarizePayload(payload map[string]any, max int) string {
	if payload == nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
