// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine executes loaded pipelines: it owns the action
// interface, the action registry, the per-run runtime wiring, and the
// step-dispatch loop.
package engine

import (
	"context"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// ExecContext is everything an action sees for one step execution.
type ExecContext struct {
	Pipeline *datatypes.PipelineDef
	Step     *datatypes.StepDef
	State    *datatypes.State
	Runtime  *Runtime

	// Consumed holds the inbox messages addressed to this step,
	// removed from the inbox on entry, in enqueue order.
	Consumed []datatypes.Message
}

// Action is one step implementation.
//
// Execute returns the next step id override, or "" to fall through to
// the step's default "next". Errors propagate to the engine caller
// untouched; the engine records them in the trace first.
type Action interface {
	ActionID() string

	// LogIn returns the trace "in" payload captured before execution.
	LogIn(ec *ExecContext) map[string]any

	// LogOut returns the trace "out" payload captured after execution.
	LogOut(ec *ExecContext, next string) map[string]any

	Execute(ctx context.Context, ec *ExecContext) (string, error)
}

// SearchBackend is the retrieval contract (spec: BM25 / semantic /
// hybrid search over a snapshot-scoped index).
type SearchBackend interface {
	Search(ctx context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error)
}

// ExpandRequest asks the graph provider for the dependency
// neighborhood of the seed nodes.
type ExpandRequest struct {
	SeedNodes     []string
	MaxDepth      int
	MaxNodes      int
	EdgeAllowlist []string
	Repository    string
	Branch        string
	SnapshotID    string
}

// ExpandResult is the BFS output: nodes in discovery order plus the
// traversed edges. Debug carries provider-specific diagnostics.
type ExpandResult struct {
	Nodes []string
	Edges []datatypes.GraphEdge
	Debug map[string]any
}

// FetchTextsRequest asks for node source texts under a character cap.
type FetchTextsRequest struct {
	NodeIDs    []string
	Repository string
	Branch     string
	SnapshotID string
	MaxChars   int
}

// GraphProvider expands dependency graphs and fetches node texts.
type GraphProvider interface {
	Expand(ctx context.Context, req ExpandRequest) (ExpandResult, error)
	FetchNodeTexts(ctx context.Context, req FetchTextsRequest) ([]datatypes.NodeText, error)
}

// FinalizeTurnRequest carries everything the finalize action hands the
// history service.
type FinalizeTurnRequest struct {
	SessionID        string
	RequestID        string
	IdentityID       string
	TurnID           string
	AnswerNeutral    string
	AnswerTranslated string

	// AnswerTranslatedIsFallback marks an answer copied from the
	// neutral text because no translation was produced.
	AnswerTranslatedIsFallback bool
}

// HistoryService is the conversation-history contract used by the
// load_conversation_history and finalize actions.
type HistoryService interface {
	// OnRequestStarted creates (or finds, idempotently) the turn for
	// (sessionID, requestID) and returns its turn id.
	OnRequestStarted(ctx context.Context, sessionID, requestID, identityID, questionNeutral string) (string, error)

	OnRequestFinalized(ctx context.Context, req FinalizeTurnRequest) error

	// GetRecentQANeutral returns up to limit finalized (question,
	// answer) pairs for the session, oldest first.
	GetRecentQANeutral(ctx context.Context, sessionID string, limit int) ([]datatypes.QAPair, error)
}

// AskRequest is one model invocation. Either Prompt is set (rendered
// single-prompt mode) or Dialog is non-empty (native chat mode).
type AskRequest struct {
	Prompt    string
	Dialog    []datatypes.DialogTurn
	System    string
	MaxTokens int
}

// ModelClient is the language-model contract.
type ModelClient interface {
	Ask(ctx context.Context, req AskRequest) (string, error)
}

// Translator converts text between the neutral model language and the
// user's chat language.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// TokenCounter counts prompt tokens for budget decisions. Pure and
// safe for concurrent use.
type TokenCounter interface {
	Count(text string) int
}

// SnapshotSetResolver answers which snapshot ids a snapshot set allows.
type SnapshotSetResolver interface {
	AllowedSnapshots(ctx context.Context, snapshotSetID string) ([]string, error)
}

// CallbackSink receives every trace event of a run, regardless of the
// trace buffer flag. The work-callback broker implements this; its
// policy layer decides what becomes externally observable.
type CallbackSink interface {
	Emit(runID string, event datatypes.TraceEvent)
}

// CodeCompactor compacts one source text. SQL and .NET compaction run
// behind this narrow contract; manage_context_budget dispatches on the
// classified language.
type CodeCompactor func(ctx context.Context, text string, budgetTokens int) (string, error)

// Runtime bundles the external collaborators one run executes
// against. A Runtime is immutable during a run and may be shared by
// concurrent runs; every collaborator must be safe for concurrent use.
type Runtime struct {
	Logger *logging.Logger

	Retriever    SearchBackend
	Graph        GraphProvider
	History      HistoryService
	Model        ModelClient
	Translator   Translator
	Tokens       TokenCounter
	SnapshotSets SnapshotSetResolver
	Callbacks    CallbackSink

	// PromptsDir is the root call_model resolves prompt keys under.
	PromptsDir string

	// SQLCompactor and DotnetCompactor are the embedded summarizer
	// contracts used by manage_context_budget.
	SQLCompactor    CodeCompactor
	DotnetCompactor CodeCompactor

	// TraceEnabled forces trace-buffer population for this runtime,
	// independent of the RAG_PIPELINE_TRACE environment flag.
	TraceEnabled bool
}

// Log returns the runtime logger, defaulting to the package default so
// actions never nil-check.
func (r *Runtime) Log() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.Default()
}
