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
	"sort"
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Rerank modes accepted by search_nodes.
const (
	RerankNone     = "none"
	RerankKeyword  = "keyword_rerank"
	RerankCodebert = "codebert_rerank" // reserved, not implemented
)

// defaultRerankWidenFactor widens top_k before reranking so the
// reranker has candidates to reorder.
const defaultRerankWidenFactor = 6

// Reserved payload meta keys. They steer the search and never reach
// the backend as filters.
const (
	metaSearchType    = "__search_type"
	metaTopK          = "__top_k"
	metaRRFK          = "__rrf_k"
	metaMatchOperator = "__match_operator"
)

// SearchNodes implements "search_nodes": one retrieval round against
// the snapshot-scoped index.
//
// Parameters:
//
//	search_type:             semantic | bm25 | hybrid | auto
//	default_search_type:     fallback when auto resolution runs dry
//	top_k:                   result count (or settings.search_top_k)
//	rerank:                  none | keyword_rerank | codebert_rerank
//	snapshot_source:         primary (default) | secondary
//	query_parser:            jsonish (default) | plain
//	allow_top_k_from_payload, allow_rrf_k_from_payload: booleans
//	acl_tags_any, classification_labels_all, source_system_id: narrowing filters
//
// Filter precedence is strict: payload-parsed filters are overlaid
// first, the sacred state filters and the computed base scope (repo +
// snapshot) last, so model output can narrow a search but never widen
// its security scope.
type SearchNodes struct {
	BaseAction
}

func NewSearchNodes() *SearchNodes {
	return &SearchNodes{BaseAction{ID: "search_nodes"}}
}

func (a *SearchNodes) LogIn(ec *engine.ExecContext) map[string]any {
	return map[string]any{"payload": truncate(ec.State.LastModelResponse, 300)}
}

func (a *SearchNodes) LogOut(ec *engine.ExecContext, next string) map[string]any {
	return map[string]any{
		"query":       ec.State.RetrievalQuery,
		"search_type": ec.State.RetrievalMode,
		"hits":        len(ec.State.RetrievalHits),
		"next":        next,
	}
}

func (a *SearchNodes) Execute(ctx context.Context, ec *engine.ExecContext) (string, error) {
	step := ec.Step
	state := ec.State
	settings := ec.Pipeline

	if ec.Runtime.Retriever == nil {
		return "", contractErr(step, "no retrieval backend configured")
	}

	// 1. Reset per-query artifacts. ContextBlocks survives.
	state.ResetRetrieval()

	// 2. Parse the payload.
	query, parsedFilters, warnings := parseSearchPayload(
		state.LastModelResponse, step.RawString("query_parser", "jsonish"))
	for _, w := range warnings {
		ec.Runtime.Log().Warn("search payload warning", "step", step.ID, "warning", w)
	}
	meta := extractMeta(parsedFilters)

	// 3. Resolve search type.
	searchType, err := resolveSearchType(step, settings, state, meta)
	if err != nil {
		return "", err
	}

	// 4. Resolve rerank.
	rerank := step.RawString("rerank", RerankNone)
	switch rerank {
	case RerankNone:
	case RerankKeyword:
		if searchType != datatypes.SearchSemantic {
			return "", contractErr(step, "rerank %q requires search_type semantic, got %q", rerank, searchType)
		}
	case RerankCodebert:
		return "", contractErr(step, "rerank %q is reserved and not implemented", rerank)
	default:
		return "", contractErr(step, "invalid rerank %q", rerank)
	}

	// 5. Resolve top_k, widening for rerank.
	topK, err := resolveTopK(step, settings, meta)
	if err != nil {
		return "", err
	}
	requestTopK := topK
	if rerank != RerankNone {
		widen := settings.SettingInt("rerank_widen_factor", defaultRerankWidenFactor)
		requestTopK = topK * widen
	}

	// 6. Build filters, base last so it wins.
	snapshotID, err := resolveSnapshot(step, state)
	if err != nil {
		return "", err
	}
	filters := buildFilters(step, settings, state, parsedFilters, snapshotID)

	// 7. The query is mandatory.
	query = strings.TrimSpace(query)
	if query == "" {
		return "", contractErr(step, "empty retrieval query")
	}

	// 8. Snapshot-set membership check.
	if state.SnapshotSetID != "" && snapshotID != "" && ec.Runtime.SnapshotSets != nil {
		allowed, err := ec.Runtime.SnapshotSets.AllowedSnapshots(ctx, state.SnapshotSetID)
		if err != nil {
			return "", fmt.Errorf("step %q: resolve snapshot set %q: %w", step.ID, state.SnapshotSetID, err)
		}
		if !containsString(allowed, snapshotID) {
			ec.Runtime.Log().Error("snapshot outside its snapshot set",
				"step", step.ID, "snapshot_id", snapshotID, "snapshot_set_id", state.SnapshotSetID,
				"reason", "security_abuse")
			return "", fmt.Errorf("%w: snapshot %q is not in snapshot set %q",
				datatypes.ErrSecurityAbuse, snapshotID, state.SnapshotSetID)
		}
	}

	// 9. Execute.
	req := datatypes.SearchRequest{
		SearchType:       searchType,
		Query:            query,
		TopK:             requestTopK,
		Repository:       state.Repository,
		SnapshotID:       snapshotID,
		SnapshotSetID:    state.SnapshotSetID,
		RetrievalFilters: filters,
	}
	if rrfK, ok := resolveMetaInt(meta, metaRRFK, step, "rrf_k", "allow_rrf_k_from_payload"); ok {
		req.RRFK = rrfK
	}
	if op, ok := meta[metaMatchOperator].(string); ok {
		req.BM25Operator = op
	} else {
		req.BM25Operator = step.RawString("bm25_operator", "")
	}
	if req.BM25Operator != "" && searchType == datatypes.SearchBM25 {
		// The weaviate bm25 builder has no per-query operator knob;
		// record the request so an ignored operator stays diagnosable.
		state.GraphDebug["bm25_operator_ignored"] = req.BM25Operator
	}

	resp, err := ec.Runtime.Retriever.Search(ctx, req)
	if err != nil {
		return "", fmt.Errorf("step %q: search failed: %w", step.ID, err)
	}

	hits := resp.Hits
	if rerank == RerankKeyword {
		hits = keywordRerank(query, hits)
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	state.RetrievalMode = searchType
	state.RetrievalQuery = query
	for i, h := range hits {
		state.RetrievalSeedNodes = append(state.RetrievalSeedNodes, h.ID)
		state.RetrievalHits = append(state.RetrievalHits,
			datatypes.Hit{ID: h.ID, Score: h.Score, Rank: i + 1})
	}

	// 10. Record the query for the repeat guard.
	state.RecordQuery(query)
	return "", nil
}

// parseSearchPayload splits a model payload into query text and
// filters. jsonish mode reads a "query" field with every other key
// treated as a filter; a response that is not an object degrades to
// plain text with a warning.
func parseSearchPayload(text, parser string) (string, map[string]any, []string) {
	if parser == "plain" {
		return text, map[string]any{}, nil
	}
	obj, err := datatypes.ParseJSONish(text)
	if err != nil {
		return text, map[string]any{}, []string{fmt.Sprintf("payload not parseable as object: %v", err)}
	}
	query, _ := obj["query"].(string)
	if query == "" {
		if q, ok := obj["q"].(string); ok {
			query = q
		}
	}
	filters := map[string]any{}
	var warnings []string
	for k, v := range obj {
		if k == "query" || k == "q" {
			continue
		}
		filters[k] = v
	}
	return query, filters, warnings
}

// extractMeta removes the reserved __-prefixed keys from filters and
// returns them.
func extractMeta(filters map[string]any) map[string]any {
	meta := map[string]any{}
	for _, key := range []string{metaSearchType, metaTopK, metaRRFK, metaMatchOperator} {
		if v, ok := filters[key]; ok {
			meta[key] = v
			delete(filters, key)
		}
	}
	return meta
}

// resolveSearchType applies the auto-resolution chain: payload meta,
// then router prefix, then step default, then pipeline default.
func resolveSearchType(step *datatypes.StepDef, settings *datatypes.PipelineDef, state *datatypes.State, meta map[string]any) (string, error) {
	declared := step.RawString("search_type", "")
	switch declared {
	case datatypes.SearchSemantic, datatypes.SearchBM25, datatypes.SearchHybrid:
		return declared, nil
	case datatypes.SearchAuto:
	case "":
		return "", contractErr(step, "search_type is required")
	default:
		return "", contractErr(step, "invalid search_type %q", declared)
	}

	candidates := []string{}
	if v, ok := meta[metaSearchType].(string); ok {
		candidates = append(candidates, v)
	}
	candidates = append(candidates,
		state.LastPrefix,
		step.RawString("default_search_type", ""),
		settings.SettingString("default_search_type", ""),
	)
	for _, c := range candidates {
		switch c {
		case datatypes.SearchSemantic, datatypes.SearchBM25, datatypes.SearchHybrid:
			return c, nil
		}
	}
	return "", contractErr(step, "search_type auto could not be resolved (no payload meta, prefix, or default)")
}

// resolveTopK reads top_k from the step or settings, with an optional
// payload override gated by allow_top_k_from_payload.
func resolveTopK(step *datatypes.StepDef, settings *datatypes.PipelineDef, meta map[string]any) (int, error) {
	topK := 0
	if v, ok := step.RawInt("top_k"); ok {
		topK = v
	} else {
		topK = settings.SettingInt("search_top_k", 0)
	}
	if v, ok := resolveMetaInt(meta, metaTopK, step, "top_k", "allow_top_k_from_payload"); ok {
		topK = v
	}
	if topK <= 0 {
		return 0, contractErr(step, "top_k missing or not positive")
	}
	return topK, nil
}

// resolveMetaInt reads an integer meta key when the step allows the
// payload to set it.
func resolveMetaInt(meta map[string]any, metaKey string, step *datatypes.StepDef, _ string, allowFlag string) (int, bool) {
	if !step.RawBool(allowFlag, false) {
		return 0, false
	}
	if f, ok := meta[metaKey].(float64); ok && f > 0 {
		return int(f), true
	}
	return 0, false
}

// resolveSnapshot picks the snapshot id per snapshot_source.
func resolveSnapshot(step *datatypes.StepDef, state *datatypes.State) (string, error) {
	if state.Repository == "" {
		return "", contractErr(step, "repository is required")
	}
	source := step.RawString("snapshot_source", "primary")
	switch source {
	case "primary":
		if state.SnapshotID == "" {
			return "", contractErr(step, "snapshot_id is required (snapshot_source primary)")
		}
		return state.SnapshotID, nil
	case "secondary":
		if state.SnapshotIDB == "" {
			return "", contractErr(step, "snapshot_id_b is required (snapshot_source secondary)")
		}
		return state.SnapshotIDB, nil
	default:
		return "", contractErr(step, "invalid snapshot_source %q", source)
	}
}

// buildFilters merges the filter layers. Precedence, lowest first:
// payload-parsed, settings tenant scope, step narrowing (list keys
// union with any parsed values), sacred state filters, computed base.
// The base keys are written back to state.RetrievalFilters so the
// sacred layer always carries the repo and snapshot scope afterwards.
func buildFilters(step *datatypes.StepDef, settings *datatypes.PipelineDef, state *datatypes.State, parsed map[string]any, snapshotID string) map[string]any {
	filters := map[string]any{}
	for k, v := range parsed {
		filters[k] = v
	}

	for _, key := range []string{"tenant_id", "owner_id", "group_ids_any"} {
		if v, ok := settings.Settings[key]; ok {
			filters[key] = v
		}
	}

	if tags := anyToStringSlice(step.Raw["acl_tags_any"]); len(tags) > 0 {
		filters["acl_tags_any"] = unionStrings(anyToStringSlice(filters["acl_tags_any"]), tags)
	}
	if labels := anyToStringSlice(step.Raw["classification_labels_all"]); len(labels) > 0 {
		filters["classification_labels_all"] = unionStrings(anyToStringSlice(filters["classification_labels_all"]), labels)
	}
	if src := step.RawString("source_system_id", ""); src != "" {
		filters["source_system_id"] = src
	}

	// Sacred layer wins over everything parsed.
	for k, v := range state.RetrievalFilters {
		filters[k] = v
	}

	// Base scope wins over the sacred layer too; the run's identity
	// fields are the single source of truth for repo and snapshot. The
	// one exception is a sacred multi-snapshot scope: snapshot_ids_any
	// set by a trusted earlier step stays the snapshot scope. A parsed
	// snapshot_ids_any is still discarded.
	filters["repo"] = state.Repository
	state.RetrievalFilters["repo"] = state.Repository
	if ids := anyToStringSlice(state.RetrievalFilters["snapshot_ids_any"]); len(ids) > 0 {
		filters["snapshot_ids_any"] = ids
		delete(filters, "snapshot_id")
		return filters
	}
	delete(filters, "snapshot_ids_any")
	filters["snapshot_id"] = snapshotID
	state.RetrievalFilters["snapshot_id"] = snapshotID
	return filters
}

// keywordRerank reorders hits by lexical overlap between the query
// terms and the node id, keeping backend order as the tiebreak. The
// node id carries the path and symbol name, which is exactly what a
// keyword match should reward.
func keywordRerank(query string, hits []datatypes.Hit) []datatypes.Hit {
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		hit     datatypes.Hit
		overlap int
		pos     int
	}
	scoredHits := make([]scored, len(hits))
	for i, h := range hits {
		id := strings.ToLower(h.ID)
		overlap := 0
		for _, t := range terms {
			if strings.Contains(id, t) {
				overlap++
			}
		}
		scoredHits[i] = scored{hit: h, overlap: overlap, pos: i}
	}
	sort.SliceStable(scoredHits, func(i, j int) bool {
		if scoredHits[i].overlap != scoredHits[j].overlap {
			return scoredHits[i].overlap > scoredHits[j].overlap
		}
		return scoredHits[i].pos < scoredHits[j].pos
	})
	out := make([]datatypes.Hit, len(hits))
	for i, s := range scoredHits {
		out[i] = s.hit
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
