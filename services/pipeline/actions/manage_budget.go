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
	"time"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/classifier"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Compaction policies per language rule.
const (
	compactAlways    = "always"
	compactThreshold = "threshold"
	compactDemand    = "demand"
)

// dotnetSnippetBudgetTokens is the per-node budget handed to the .NET
// compressor in snippets mode.
const dotnetSnippetBudgetTokens = 1200

// compactRule is one parsed compact_code.rules entry.
type compactRule struct {
	language  string
	policy    string
	threshold float64
	inboxKey  string
}

// nodeDecision records what happened to one node, for the
// MANAGE_CONTEXT_BUDGET trace event.
type nodeDecision struct {
	ID        string `json:"id"`
	Language  string `json:"language"`
	Compacted bool   `json:"compacted"`
	Reason    string `json:"reason"`
	TokensRaw int    `json:"tokens_raw"`
	TokensOut int    `json:"tokens_out"`
	Accepted  bool   `json:"accepted"`
}

// ManageContextBudget implements "manage_context_budget": it packs the
// freshly fetched node texts into context_blocks under
// settings.max_context_tokens, compacting code per language policy.
//
// Parameters:
//
//	compact_code:
//	  rules:
//	    - language: sql | dotnet
//	      policy: always | threshold | demand
//	      threshold: (0,1]          # threshold policy only
//	      inbox_key: <topic>        # demand policy only
//	divide_new_content: <marker>    # optional
//	on_ok:   <step-id>  (required)
//	on_over: <step-id>  (required)
//
// The step is transactional: candidate blocks are built and evaluated
// first, and on_over leaves context_blocks and node_texts exactly as
// they were, re-enqueueing any consumed demand messages for the next
// attempt. One hard failure exists: when the incoming texts alone
// cannot fit the budget the pipeline is misconfigured and the step
// raises PIPELINE_BUDGET_MISCONFIG.
type ManageContextBudget struct {
	BaseAction
}

func NewManageContextBudget() *ManageContextBudget {
	return &ManageContextBudget{BaseAction{ID: "manage_context_budget"}}
}

func (a *ManageContextBudget) LogIn(ec *engine.ExecContext) map[string]any {
	return map[string]any{
		"node_texts":     len(ec.State.NodeTexts),
		"context_blocks": len(ec.State.ContextBlocks),
	}
}

func (a *ManageContextBudget) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"context_blocks": len(ec.State.ContextBlocks),
		"next":           next,
	}
}

func (a *ManageContextBudget) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State

	onOK, err := requiredTransition(step, "on_ok")
	if err != nil {
		return "", err
	}
	onOver, err := requiredTransition(step, "on_over")
	if err != nil {
		return "", err
	}
	if ec.Runtime.Tokens == nil {
		return "", contractErr(step, "manage_context_budget requires a token counter")
	}
	maxContextTokens := ec.Pipeline.SettingInt("max_context_tokens", 0)
	if maxContextTokens <= 0 {
		return "", contractErr(step, "settings.max_context_tokens missing or not positive")
	}
	rules, err := parseCompactRules(step)
	if err != nil {
		return "", err
	}

	// Build candidate blocks; no state mutation yet.
	var candidates []string
	var decisions []nodeDecision
	for _, node := range state.NodeTexts {
		dec := nodeDecision{ID: node.ID}
		dec.Language = classifier.Classify(node.Text, node.Path, nodeKind(node.ID))
		dec.TokensRaw = ec.Runtime.Tokens.Count(node.Text)

		text := node.Text
		compacted := false
		if rule, ok := rules[dec.Language]; ok {
			doCompact, reason := compactDecision(rule, dec.TokensRaw, maxContextTokens, ec.Consumed)
			dec.Reason = reason
			if doCompact {
				out, err := a.compact(ctx, ec, dec.Language, text)
				if err != nil {
					return "", fmt.Errorf("step %q: compact %s node %q: %w", step.ID, dec.Language, node.ID, err)
				}
				text = out
				compacted = true
			}
		}
		dec.Compacted = compacted
		block := FormatNodeBlock(node.ID, node.Path, dec.Language, compacted, text)
		dec.TokensOut = ec.Runtime.Tokens.Count(block)
		candidates = append(candidates, block)
		decisions = append(decisions, dec)
	}

	// Misconfiguration check: the new texts alone must fit.
	incomingTokens := ec.Runtime.Tokens.Count(strings.Join(candidates, "\n\n"))
	if incomingTokens > maxContextTokens {
		a.emitDecisions(ec, decisions, false)
		return "", fmt.Errorf("%w: step %q: incoming node texts need %d tokens but max_context_tokens is %d",
			datatypes.ErrBudgetMisconfig, step.ID, incomingTokens, maxContextTokens)
	}

	// Transactional evaluation against the existing context.
	current := append([]string{}, state.ContextBlocks...)
	accepted := current
	fits := true
	for i, candidate := range candidates {
		trial := strings.Join(append(append([]string{}, accepted...), candidate), "\n\n")
		if ec.Runtime.Tokens.Count(trial) > maxContextTokens {
			fits = false
			decisions[i].Accepted = false
			break
		}
		accepted = append(accepted, candidate)
		decisions[i].Accepted = true
	}

	if !fits {
		// Give consumed demand triggers back so a retry after the
		// pipeline frees context still sees them.
		for _, msg := range ec.Consumed {
			if isDemandTopic(rules, msg.Topic) {
				if err := state.EnqueueMessage(msg.TargetStepID, msg.Topic, msg.Payload, msg.SenderStepID); err != nil {
					ec.Runtime.Log().Warn("re-enqueue of demand message failed",
						"step", step.ID, "topic", msg.Topic, "error", err)
				}
			}
		}
		a.emitDecisions(ec, decisions, false)
		return onOver, nil
	}

	// Commit: strip old dividers, mark the fresh blocks, clear the
	// consumed texts.
	divider := step.RawString("divide_new_content", "")
	if divider != "" {
		for i, block := range state.ContextBlocks {
			state.ContextBlocks[i] = strings.TrimPrefix(block, divider+"\n")
		}
		for i, block := range candidates {
			candidates[i] = divider + "\n" + block
		}
	}
	state.ContextBlocks = append(state.ContextBlocks, candidates...)
	state.NodeTexts = nil
	a.emitDecisions(ec, decisions, true)
	return onOK, nil
}

// compact dispatches to the compactor for the classified language.
func (a *ManageContextBudget) compact(ctx context.Context, ec *engine.ExecContext, language, text string) (string, error) {
	switch language {
	case classifier.LangSQL:
		if ec.Runtime.SQLCompactor == nil {
			return "", fmt.Errorf("no sql compactor configured")
		}
		return ec.Runtime.SQLCompactor(ctx, text, 0)
	case classifier.LangDotnet:
		if ec.Runtime.DotnetCompactor == nil {
			return "", fmt.Errorf("no dotnet compactor configured")
		}
		return ec.Runtime.DotnetCompactor(ctx, text, dotnetSnippetBudgetTokens)
	default:
		return text, nil
	}
}

// compactDecision applies one rule's policy to one node.
func compactDecision(rule compactRule, tokensRaw, maxContextTokens int, consumed []datatypes.Message) (bool, string) {
	switch rule.policy {
	case compactAlways:
		return true, "always"
	case compactThreshold:
		limit := rule.threshold * float64(maxContextTokens)
		if float64(tokensRaw) > limit {
			return true, fmt.Sprintf("tokens_raw %d above threshold %.0f", tokensRaw, limit)
		}
		return false, "below threshold"
	case compactDemand:
		for _, msg := range consumed {
			if msg.Topic == rule.inboxKey {
				return true, "demand message present"
			}
		}
		return false, "no demand message"
	default:
		return false, "no rule"
	}
}

func isDemandTopic(rules map[string]compactRule, topic string) bool {
	for _, rule := range rules {
		if rule.policy == compactDemand && rule.inboxKey == topic {
			return true
		}
	}
	return false
}

// parseCompactRules validates compact_code.rules into a per-language
// table.
func parseCompactRules(step *datatypes.StepDef) (map[string]compactRule, error) {
	rules := map[string]compactRule{}
	compactCode := step.RawMap("compact_code")
	if compactCode == nil {
		return rules, nil
	}
	list, ok := compactCode["rules"].([]any)
	if !ok {
		return nil, contractErr(step, "compact_code.rules must be a list")
	}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, contractErr(step, "compact_code.rules[%d] must be a mapping", i)
		}
		rule := compactRule{}
		rule.language, _ = m["language"].(string)
		if rule.language != classifier.LangSQL && rule.language != classifier.LangDotnet {
			return nil, contractErr(step, "compact_code.rules[%d]: invalid language %q", i, rule.language)
		}
		rule.policy, _ = m["policy"].(string)
		switch rule.policy {
		case compactAlways:
		case compactThreshold:
			f, ok := m["threshold"].(float64)
			if !ok || f <= 0 || f > 1 {
				return nil, contractErr(step, "compact_code.rules[%d]: threshold must be in (0,1]", i)
			}
			rule.threshold = f
		case compactDemand:
			key, _ := m["inbox_key"].(string)
			if key == "" {
				return nil, contractErr(step, "compact_code.rules[%d]: demand policy requires inbox_key", i)
			}
			rule.inboxKey = key
		default:
			return nil, contractErr(step, "compact_code.rules[%d]: invalid policy %q", i, rule.policy)
		}
		rules[rule.language] = rule
	}
	return rules, nil
}

// emitDecisions appends the MANAGE_CONTEXT_BUDGET event with the
// per-node records; it is emitted on every outcome, including the
// over-budget path.
func (a *ManageContextBudget) emitDecisions(ec *engine.ExecContext, decisions []nodeDecision, committed bool) {
	records := make([]any, len(decisions))
	for i, d := range decisions {
		records[i] = map[string]any{
			"id":         d.ID,
			"language":   d.Language,
			"compacted":  d.Compacted,
			"reason":     d.Reason,
			"tokens_raw": d.TokensRaw,
			"tokens_out": d.TokensOut,
			"accepted":   d.Accepted,
		}
	}
	event := datatypes.TraceEvent{
		Type:  datatypes.TraceManageContextBudget,
		TSUTC: time.Now().UTC(),
		Payload: map[string]any{
			"step_id":   ec.Step.ID,
			"committed": committed,
			"nodes":     records,
		},
	}
	if ec.State.TraceEnabled {
		ec.State.TraceEvents = append(ec.State.TraceEvents, event)
	}
	if ec.Runtime.Callbacks != nil && ec.State.RunID != "" {
		ec.Runtime.Callbacks.Emit(ec.State.RunID, event)
	}
}
