// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/history"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/budget"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/compaction"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/translate"
)

// newStubRuntime wires scripted collaborators so a pipeline can run to
// completion with nothing external. History is the real in-memory
// implementation; search, graph, and model are canned.
func newStubRuntime(logger *logging.Logger) *engine.Runtime {
	tokens := budget.WordCounter{}
	hist := history.NewService(
		history.NewMemorySessionStore(history.Options{}),
		history.NewMemoryDurableStore(),
		logger,
	)
	return &engine.Runtime{
		Logger:          logger,
		Retriever:       stubSearch{},
		Graph:           stubGraph{},
		History:         hist,
		Model:           stubModel{},
		Translator:      translate.NewNopTranslator(),
		Tokens:          tokens,
		SnapshotSets:    stubSnapshotSets{},
		SQLCompactor:    compaction.CompactTSQL,
		DotnetCompactor: compaction.NewDotnetCompactor(tokens),
	}
}

// stubSearch returns three canonical node ids scoped to the request.
type stubSearch struct{}

func (stubSearch) Search(_ context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error) {
	snapshot := req.SnapshotID
	if snapshot == "" {
		snapshot = "snap-1"
	}
	n := req.TopK
	if n <= 0 || n > 3 {
		n = 3
	}
	hits := make([]datatypes.Hit, 0, n)
	for i := 0; i < n; i++ {
		hits = append(hits, datatypes.Hit{
			ID:    fmt.Sprintf("%s::%s::function::stub_fn_%d", req.Repository, snapshot, i+1),
			Score: 1.0 - float64(i)*0.1,
			Rank:  i + 1,
		})
	}
	return datatypes.SearchResponse{Hits: hits}, nil
}

// stubGraph expands nothing: the seeds are the neighborhood.
type stubGraph struct{}

func (stubGraph) Expand(_ context.Context, req engine.ExpandRequest) (engine.ExpandResult, error) {
	return engine.ExpandResult{Nodes: req.SeedNodes}, nil
}

func (stubGraph) FetchNodeTexts(_ context.Context, req engine.FetchTextsRequest) ([]datatypes.NodeText, error) {
	texts := make([]datatypes.NodeText, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		texts = append(texts, datatypes.NodeText{
			ID:   id,
			Path: "stub/source.cs",
			Text: fmt.Sprintf("// stub body for %s\npublic void Example() { }", id),
		})
	}
	return texts, nil
}

// stubModel answers every prompt with the same short text, which routes
// through on_other in prefix-routed pipelines.
type stubModel struct{}

func (stubModel) Ask(context.Context, engine.AskRequest) (string, error) {
	return "Dry-run answer: the pipeline wiring executed end to end.", nil
}

// stubSnapshotSets allows every snapshot set and resolves it to itself.
type stubSnapshotSets struct{}

func (stubSnapshotSets) AllowedSnapshots(_ context.Context, snapshotSetID string) ([]string, error) {
	return []string{snapshotSetID}, nil
}
