// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package callback implements the work-callback surface: per-run event
// brokering, visibility policy resolution, and trace-event
// summarization for UI consumers.
package callback

import "strings"

// Policy tokens. Global callback policy additionally accepts
// PolicyPipelineDecision; stage visibility additionally accepts
// StagePipelineDriven (global) and StageExplicit.
const (
	PolicyAllowed          = "allowed"
	PolicyForbidden        = "forbidden"
	PolicyPipelineDecision = "pipeline_decision"

	StageAllowed        = "allowed"
	StageForbidden      = "forbidden"
	StagePipelineDriven = "pipeline_driven"
	StageExplicit       = "explicit"
)

// GlobalPolicy is the deployment-wide callback configuration.
type GlobalPolicy struct {
	Callback         string // allowed | forbidden | pipeline_decision
	StageVisibility  string // allowed | forbidden | pipeline_driven | explicit
	IncludeDocuments bool
}

// PipelinePolicy is what a pipeline definition declares for itself.
type PipelinePolicy struct {
	Callback         string // allowed | forbidden
	StageVisibility  string // allowed | forbidden | explicit
	IncludeDocuments bool
}

// Policy is the resolved, per-run policy the broker enforces.
type Policy struct {
	// Enabled gates the whole callback stream for the run.
	Enabled bool
	// StageVisibility is the resolved stage policy: allowed, forbidden,
	// or explicit (only events an action marked visible).
	StageVisibility string
	// IncludeDocuments permits document previews in summaries.
	IncludeDocuments bool
}

// aliases maps common misspellings and variants onto canonical tokens.
// Unknown tokens deliberately stay unknown; Resolve treats them as the
// restrictive default.
var aliases = map[string]string{
	"alowed":            PolicyAllowed,
	"allow":             PolicyAllowed,
	"forbiden":          PolicyForbidden,
	"forbid":            PolicyForbidden,
	"denied":            PolicyForbidden,
	"pipeline-decision": PolicyPipelineDecision,
	"pipeline_driven":   StagePipelineDriven,
	"pipeline-driven":   StagePipelineDriven,
	"explicit_only":     StageExplicit,
}

// NormalizeToken canonicalizes a policy token: lowercase, trimmed,
// spaces collapsed to underscores, known aliases mapped.
func NormalizeToken(token string) string {
	t := strings.ToLower(strings.TrimSpace(token))
	t = strings.ReplaceAll(t, " ", "_")
	if canonical, ok := aliases[t]; ok {
		return canonical
	}
	return t
}

// Resolve applies the precedence matrix.
//
// # Description
//
// Callback: a forbidden global disables the stream outright; an
// allowed global enables it and the pipeline cannot override; only
// pipeline_decision defers to the pipeline's own token. Stage
// visibility follows the same shape with pipeline_driven as the
// deferring token. include_documents is the AND of both levels.
// Unrecognized tokens resolve restrictively (forbidden).
func Resolve(global GlobalPolicy, pipeline PipelinePolicy) Policy {
	p := Policy{}

	switch NormalizeToken(global.Callback) {
	case PolicyAllowed:
		p.Enabled = true
	case PolicyPipelineDecision:
		p.Enabled = NormalizeToken(pipeline.Callback) == PolicyAllowed
	default:
		// forbidden, or anything unrecognized
		p.Enabled = false
	}

	switch NormalizeToken(global.StageVisibility) {
	case StageAllowed:
		p.StageVisibility = StageAllowed
	case StageExplicit:
		p.StageVisibility = StageExplicit
	case StagePipelineDriven:
		switch NormalizeToken(pipeline.StageVisibility) {
		case StageAllowed:
			p.StageVisibility = StageAllowed
		case StageExplicit:
			p.StageVisibility = StageExplicit
		default:
			p.StageVisibility = StageForbidden
		}
	default:
		p.StageVisibility = StageForbidden
	}

	p.IncludeDocuments = global.IncludeDocuments && pipeline.IncludeDocuments
	return p
}
