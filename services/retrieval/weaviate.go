// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements the search backend over Weaviate:
// BM25, semantic (nearText), and hybrid queries against the code-node
// index, scoped by the security-origin retrieval filters.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// Defaults for the searcher configuration.
const (
	DefaultClassName  = "CodeNode"
	DefaultIDProperty = "nodeId"
	defaultAlpha      = 0.5
)

// Config configures the Weaviate-backed searcher.
type Config struct {
	// ClassName is the Weaviate class holding indexed code nodes.
	// Default: CodeNode.
	ClassName string

	// IDProperty is the property carrying the canonical node id.
	// Default: nodeId.
	IDProperty string

	// HybridAlpha balances keyword vs vector scoring in hybrid search.
	// Default: 0.5.
	HybridAlpha float32
}

func (c *Config) applyDefaults() {
	if c.ClassName == "" {
		c.ClassName = DefaultClassName
	}
	if c.IDProperty == "" {
		c.IDProperty = DefaultIDProperty
	}
	if c.HybridAlpha == 0 {
		c.HybridAlpha = defaultAlpha
	}
}

// Searcher runs retrieval queries against Weaviate.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client and the query logger
// synchronize internally.
type Searcher struct {
	client   *weaviate.Client
	cfg      Config
	queryLog *QueryLogger
	logger   *logging.Logger
}

// NewSearcher builds a Searcher. queryLog may be nil.
func NewSearcher(client *weaviate.Client, cfg Config, queryLog *QueryLogger, logger *logging.Logger) *Searcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Searcher{client: client, cfg: cfg, queryLog: queryLog, logger: logger}
}

// Search executes one retrieval request and returns ranked hits.
//
// # Description
//
// The search type selects the GraphQL argument (bm25 / nearText /
// hybrid). Retrieval filters become a conjunctive where clause; the
// repo and snapshot scope are required and never dropped. Hits are
// returned in backend order with 1-based ranks.
func (s *Searcher) Search(ctx context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error) {
	ctx, span := otel.Tracer("localai.retrieval").Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search_type", req.SearchType),
		attribute.Int("top_k", req.TopK),
		attribute.String("repository", req.Repository),
	)

	started := time.Now()
	resp, err := s.search(ctx, req)

	entry := QueryLogEntry{
		TSUTC:      started.UTC(),
		SearchType: req.SearchType,
		Query:      req.Query,
		TopK:       req.TopK,
		Repository: req.Repository,
		SnapshotID: req.SnapshotID,
		Filters:    req.RetrievalFilters,
		RRFK:       req.RRFK,
		Operator:   req.BM25Operator,
		DurationMS: time.Since(started).Milliseconds(),
		Hits:       len(resp.Hits),
	}
	if err != nil {
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.queryLog.Log(entry)
	return resp, err
}

func (s *Searcher) search(ctx context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error) {
	if req.Query == "" {
		return datatypes.SearchResponse{}, fmt.Errorf("search: empty query")
	}
	if req.TopK <= 0 {
		return datatypes.SearchResponse{}, fmt.Errorf("search: top_k must be positive, got %d", req.TopK)
	}
	where, err := buildWhere(req.RetrievalFilters)
	if err != nil {
		return datatypes.SearchResponse{}, fmt.Errorf("search: %w", err)
	}

	fields := []graphql.Field{
		{Name: s.cfg.IDProperty},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "score"},
			{Name: "certainty"},
		}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(s.cfg.ClassName).
		WithFields(fields...).
		WithLimit(req.TopK)
	if where != nil {
		query = query.WithWhere(where)
	}

	switch req.SearchType {
	case datatypes.SearchBM25:
		query = query.WithBM25(s.client.GraphQL().Bm25ArgBuilder().WithQuery(req.Query))
	case datatypes.SearchSemantic:
		query = query.WithNearText(s.client.GraphQL().NearTextArgBuilder().
			WithConcepts([]string{req.Query}))
	case datatypes.SearchHybrid:
		query = query.WithHybrid(s.client.GraphQL().HybridArgumentBuilder().
			WithQuery(req.Query).
			WithAlpha(s.cfg.HybridAlpha))
	default:
		return datatypes.SearchResponse{}, fmt.Errorf("search: unsupported search_type %q", req.SearchType)
	}

	result, err := query.Do(ctx)
	if err != nil {
		return datatypes.SearchResponse{}, fmt.Errorf("weaviate query: %w", err)
	}
	if len(result.Errors) > 0 {
		return datatypes.SearchResponse{}, fmt.Errorf("weaviate query: %s", result.Errors[0].Message)
	}
	return s.parseHits(result.Data)
}

// parseHits walks the Get response for the configured class and
// extracts (id, score) pairs in backend order.
func (s *Searcher) parseHits(data map[string]models.JSONObject) (datatypes.SearchResponse, error) {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return datatypes.SearchResponse{Hits: []datatypes.Hit{}}, nil
	}
	rows, ok := get[s.cfg.ClassName].([]any)
	if !ok {
		return datatypes.SearchResponse{Hits: []datatypes.Hit{}}, nil
	}

	hits := make([]datatypes.Hit, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		id, ok := obj[s.cfg.IDProperty].(string)
		if !ok || id == "" {
			s.logger.Warn("search hit without node id, skipping", "class", s.cfg.ClassName)
			continue
		}
		hits = append(hits, datatypes.Hit{
			ID:    id,
			Score: parseScore(obj["_additional"]),
			Rank:  len(hits) + 1,
		})
	}
	return datatypes.SearchResponse{Hits: hits}, nil
}

// parseScore reads _additional.score (string, bm25/hybrid) or
// _additional.certainty (float, nearText).
func parseScore(additional any) float64 {
	m, ok := additional.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m["score"].(type) {
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case float64:
		return v
	}
	if c, ok := m["certainty"].(float64); ok {
		return c
	}
	return 0
}

// Filter keys with list semantics. snapshot_ids_any and acl_tags_any
// match if any value matches; classification_labels_all requires every
// value.
var listFilterPaths = map[string]struct {
	path     string
	operator filters.WhereOperator
}{
	"snapshot_ids_any":          {"snapshot_id", filters.ContainsAny},
	"acl_tags_any":              {"acl_tags", filters.ContainsAny},
	"classification_labels_all": {"classification_labels", filters.ContainsAll},
}

// buildWhere converts retrieval filters into a conjunctive where
// clause. Keys are visited in sorted order so the generated query is
// deterministic. Unknown scalar keys filter on the equally named
// property; values of unsupported types are rejected rather than
// silently dropped, since every filter here is security-relevant.
func buildWhere(retrievalFilters map[string]any) (*filters.WhereBuilder, error) {
	if len(retrievalFilters) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(retrievalFilters))
	for k := range retrievalFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var operands []*filters.WhereBuilder
	for _, key := range keys {
		value := retrievalFilters[key]
		if spec, isList := listFilterPaths[key]; isList {
			vals, err := stringValues(value)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", key, err)
			}
			if len(vals) == 0 {
				continue
			}
			operands = append(operands, filters.Where().
				WithPath([]string{spec.path}).
				WithOperator(spec.operator).
				WithValueText(vals...))
			continue
		}
		switch v := value.(type) {
		case string:
			operands = append(operands, filters.Where().
				WithPath([]string{key}).
				WithOperator(filters.Equal).
				WithValueText(v))
		case bool:
			operands = append(operands, filters.Where().
				WithPath([]string{key}).
				WithOperator(filters.Equal).
				WithValueBoolean(v))
		case int:
			operands = append(operands, filters.Where().
				WithPath([]string{key}).
				WithOperator(filters.Equal).
				WithValueInt(int64(v)))
		case float64:
			operands = append(operands, filters.Where().
				WithPath([]string{key}).
				WithOperator(filters.Equal).
				WithValueNumber(v))
		default:
			return nil, fmt.Errorf("filter %q: unsupported value type %T", key, value)
		}
	}

	switch len(operands) {
	case 0:
		return nil, nil
	case 1:
		return operands[0], nil
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
	}
}

// stringValues flattens a []string or []any of strings.
func stringValues(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list values must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string list, got %T", value)
	}
}
