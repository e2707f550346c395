// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator is the HTTP surface of the pipeline engine: it
// loads pipeline definitions at startup, runs them on POST /pipeline/ask,
// and streams work callbacks over SSE.
package orchestrator

import (
	"os"
	"strconv"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/budget"
)

// Environment configuration for the orchestrator process.
const (
	EnvPort          = "ORCHESTRATOR_PORT"
	EnvPipelinesDir  = "PIPELINES_DIR"
	EnvPromptsDir    = "PROMPTS_DIR"
	EnvAPIToken      = "PIPELINE_API_TOKEN"
	EnvCallback      = "CALLBACK_POLICY"
	EnvStageVis      = "CALLBACK_STAGE_VISIBILITY"
	EnvIncludeDocs   = "CALLBACK_INCLUDE_DOCUMENTS"
	EnvTraceInBuffer = "RAG_PIPELINE_TRACE"
	EnvModelCtx      = "MODEL_N_CTX"
	EnvBudgetPolicy  = "BUDGET_CONTRACT_POLICY"

	DefaultPort         = 12210
	DefaultPipelinesDir = "/app/pipelines"
	DefaultPromptsDir   = "/app/prompts"
)

// Config is the orchestrator server configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port int

	// PipelinesDir is scanned for *.yaml pipeline definitions at startup.
	PipelinesDir string

	// PromptsDir is handed to the runtime for call_model prompt keys.
	PromptsDir string

	// APIToken guards /pipeline/ask and /pipeline/stream/prod. Empty
	// disables auth for local development.
	APIToken string

	// ModelCtxTokens is the serving model's context window, used by the
	// budget contract at pipeline load. Zero skips enforcement.
	ModelCtxTokens int

	// BudgetPolicy selects fail_fast or auto_clamp contract handling.
	BudgetPolicy string

	// Global is the deployment-wide callback policy; per-run policies
	// resolve against it.
	Global callback.GlobalPolicy
}

// ConfigFromEnv reads the orchestrator configuration, filling defaults
// for anything unset. The global callback policy defaults restrictive:
// pipeline_decision callbacks, pipeline_driven stages, no documents.
func ConfigFromEnv() Config {
	cfg := Config{
		Port:         DefaultPort,
		PipelinesDir: DefaultPipelinesDir,
		PromptsDir:   DefaultPromptsDir,
		APIToken:     os.Getenv(EnvAPIToken),
		BudgetPolicy: string(budget.PolicyAutoClamp),
		Global: callback.GlobalPolicy{
			Callback:        callback.PolicyPipelineDecision,
			StageVisibility: callback.StagePipelineDriven,
		},
	}
	if raw := os.Getenv(EnvPort); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if dir := os.Getenv(EnvPipelinesDir); dir != "" {
		cfg.PipelinesDir = dir
	}
	if dir := os.Getenv(EnvPromptsDir); dir != "" {
		cfg.PromptsDir = dir
	}
	if v := os.Getenv(EnvCallback); v != "" {
		cfg.Global.Callback = v
	}
	if v := os.Getenv(EnvStageVis); v != "" {
		cfg.Global.StageVisibility = v
	}
	if v := os.Getenv(EnvIncludeDocs); v == "1" || v == "true" {
		cfg.Global.IncludeDocuments = true
	}
	if raw := os.Getenv(EnvModelCtx); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.ModelCtxTokens = n
		}
	}
	if v := os.Getenv(EnvBudgetPolicy); v != "" {
		cfg.BudgetPolicy = v
	}
	return cfg
}
