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
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// testStep builds a StepDef from a raw parameter bag.
func testStep(id, action string, raw map[string]any) *datatypes.StepDef {
	if raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	raw["action"] = action
	return &datatypes.StepDef{ID: id, Action: action, Raw: raw}
}

// testPipeline builds a single-purpose PipelineDef around one step.
func testPipeline(settings map[string]any, steps ...*datatypes.StepDef) *datatypes.PipelineDef {
	if settings == nil {
		settings = map[string]any{}
	}
	def := &datatypes.PipelineDef{Name: "test", Settings: settings}
	for _, s := range steps {
		def.Steps = append(def.Steps, *s)
	}
	return def
}

// execCtx assembles the ExecContext an action sees for one step.
func execCtx(def *datatypes.PipelineDef, step *datatypes.StepDef, state *datatypes.State, rt *engine.Runtime) *engine.ExecContext {
	if rt == nil {
		rt = &engine.Runtime{}
	}
	return &engine.ExecContext{Pipeline: def, Step: step, State: state, Runtime: rt}
}

// scriptedModel returns its outputs in sequence and records every request.
type scriptedModel struct {
	outputs  []string
	requests []engine.AskRequest
}

func (m *scriptedModel) Ask(_ context.Context, req engine.AskRequest) (string, error) {
	m.requests = append(m.requests, req)
	if len(m.requests) > len(m.outputs) {
		return "", fmt.Errorf("scripted model exhausted after %d calls", len(m.outputs))
	}
	return m.outputs[len(m.requests)-1], nil
}

// scriptedSearch returns fixed hits and records every request.
type scriptedSearch struct {
	hits     []datatypes.Hit
	err      error
	requests []datatypes.SearchRequest
}

func (s *scriptedSearch) Search(_ context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return datatypes.SearchResponse{}, s.err
	}
	return datatypes.SearchResponse{Hits: append([]datatypes.Hit{}, s.hits...)}, nil
}

// scriptedGraph serves a fixed expansion and text table.
type scriptedGraph struct {
	nodes []string
	edges []datatypes.GraphEdge
	texts map[string]datatypes.NodeText

	expandRequests []engine.ExpandRequest
	fetchRequests  []engine.FetchTextsRequest
}

func (g *scriptedGraph) Expand(_ context.Context, req engine.ExpandRequest) (engine.ExpandResult, error) {
	g.expandRequests = append(g.expandRequests, req)
	nodes := g.nodes
	if nodes == nil {
		nodes = req.SeedNodes
	}
	return engine.ExpandResult{Nodes: nodes, Edges: g.edges}, nil
}

func (g *scriptedGraph) FetchNodeTexts(_ context.Context, req engine.FetchTextsRequest) ([]datatypes.NodeText, error) {
	g.fetchRequests = append(g.fetchRequests, req)
	var out []datatypes.NodeText
	for _, id := range req.NodeIDs {
		if t, ok := g.texts[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// wordCounter counts whitespace-separated words, keeping budget math
// readable in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// fixedCounter returns the same count for any text.
type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

// staticSnapshots resolves snapshot sets from a fixed table.
type staticSnapshots map[string][]string

func (s staticSnapshots) AllowedSnapshots(_ context.Context, id string) ([]string, error) {
	return s[id], nil
}

// recordingHistory is an in-memory HistoryService that records calls.
type recordingHistory struct {
	pairs     []datatypes.QAPair
	started   []string
	finalized []engine.FinalizeTurnRequest
	startErr  error
}

func (h *recordingHistory) OnRequestStarted(_ context.Context, sessionID, requestID, _, _ string) (string, error) {
	if h.startErr != nil {
		return "", h.startErr
	}
	turnID := sessionID + "/" + requestID
	h.started = append(h.started, turnID)
	return turnID, nil
}

func (h *recordingHistory) OnRequestFinalized(_ context.Context, req engine.FinalizeTurnRequest) error {
	h.finalized = append(h.finalized, req)
	return nil
}

func (h *recordingHistory) GetRecentQANeutral(_ context.Context, _ string, limit int) ([]datatypes.QAPair, error) {
	if limit > 0 && len(h.pairs) > limit {
		return h.pairs[len(h.pairs)-limit:], nil
	}
	return h.pairs, nil
}

// newRunState is a State with the identity fields most actions require.
func newRunState() *datatypes.State {
	s := datatypes.NewState()
	s.RunID = "run-1"
	s.SessionID = "sess-1"
	s.Repository = "demo-repo"
	s.SnapshotID = "snap-1"
	s.Branch = "main"
	s.UserQuery = "how does import work"
	return s
}
