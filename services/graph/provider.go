// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph implements the dependency-graph provider over
// Weaviate: adjacency loading with a cross-run cache, BFS expansion
// with edge-type allowlisting, and node text fetching.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Defaults for the provider configuration.
const (
	DefaultNodeClass = "CodeNode"
	DefaultEdgeClass = "CodeEdge"

	// edgePageSize is the GraphQL page size for adjacency loading.
	edgePageSize = 1000
	// fetchBatchSize is the id batch size for text fetching.
	fetchBatchSize = 100
)

// Config configures the Weaviate-backed provider.
type Config struct {
	NodeClass string // default CodeNode
	EdgeClass string // default CodeEdge
}

func (c *Config) applyDefaults() {
	if c.NodeClass == "" {
		c.NodeClass = DefaultNodeClass
	}
	if c.EdgeClass == "" {
		c.EdgeClass = DefaultEdgeClass
	}
}

// edge is one directed adjacency entry after mirroring.
type edge struct {
	to       string
	edgeType string
}

// adjacency is the loaded graph of one (repo, snapshot) pair. Edges
// are mirrored on load so expansion is undirected.
type adjacency struct {
	neighbors map[string][]edge
	edgeCount int
}

type cacheKey struct {
	repo       string
	snapshotID string
}

// Provider expands dependency trees and fetches node texts.
//
// # Thread Safety
//
// Safe for concurrent use. The adjacency cache is shared across runs
// and guarded by a mutex with a double-checked load, so concurrent
// runs against the same snapshot trigger at most one Weaviate scan.
type Provider struct {
	client *weaviate.Client
	cfg    Config
	logger *logging.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*adjacency
}

// NewProvider builds a Provider with an empty cache.
func NewProvider(client *weaviate.Client, cfg Config, logger *logging.Logger) *Provider {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		cache:  map[cacheKey]*adjacency{},
	}
}

// Expand BFS-walks the dependency graph from the seed nodes.
//
// # Description
//
// The (repo, snapshot_id) scope is derived from the canonical seed
// ids; a seed from a different repo or snapshot is a security abuse
// and fails the call. Traversal is undirected (edges are mirrored),
// bounded by MaxDepth and MaxNodes, and filtered by the edge-type
// allowlist where a type matches directly or with its "sql_"/"cs_"
// prefix stripped. Discovery order is preserved; per-node BFS depths
// are reported under Debug["depths"].
func (p *Provider) Expand(ctx context.Context, req engine.ExpandRequest) (engine.ExpandResult, error) {
	ctx, span := otel.Tracer("localai.graph").Start(ctx, "graph.expand")
	defer span.End()
	span.SetAttributes(
		attribute.Int("seeds", len(req.SeedNodes)),
		attribute.Int("max_depth", req.MaxDepth),
		attribute.Int("max_nodes", req.MaxNodes),
	)

	repo, snapshotID, err := scopeFromSeeds(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "seed scope check failed")
		p.logger.Error("graph expansion rejected", "reason", err)
		return engine.ExpandResult{}, err
	}

	adj, cacheHit, err := p.adjacencyFor(ctx, repo, snapshotID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "adjacency load failed")
		return engine.ExpandResult{}, err
	}

	allow := allowSet(req.EdgeAllowlist)
	depths := map[string]int{}
	var order []string
	var edges []datatypes.GraphEdge

	queue := make([]string, 0, len(req.SeedNodes))
	for _, seed := range req.SeedNodes {
		if _, seen := depths[seed]; seen {
			continue
		}
		depths[seed] = 0
		order = append(order, seed)
		queue = append(queue, seed)
	}

	for len(queue) > 0 && (req.MaxNodes <= 0 || len(order) < req.MaxNodes) {
		current := queue[0]
		queue = queue[1:]
		depth := depths[current]
		if req.MaxDepth > 0 && depth >= req.MaxDepth {
			continue
		}
		for _, e := range adj.neighbors[current] {
			if !edgeAllowed(allow, e.edgeType) {
				continue
			}
			if _, seen := depths[e.to]; seen {
				continue
			}
			if req.MaxNodes > 0 && len(order) >= req.MaxNodes {
				break
			}
			depths[e.to] = depth + 1
			order = append(order, e.to)
			queue = append(queue, e.to)
			edges = append(edges, datatypes.GraphEdge{From: current, To: e.to, Type: e.edgeType})
		}
	}

	debugDepths := make(map[string]any, len(depths))
	for id, d := range depths {
		debugDepths[id] = d
	}
	span.SetStatus(codes.Ok, "")
	return engine.ExpandResult{
		Nodes: order,
		Edges: edges,
		Debug: map[string]any{
			"depths":       debugDepths,
			"cache_hit":    cacheHit,
			"edges_loaded": adj.edgeCount,
		},
	}, nil
}

// scopeFromSeeds derives (repo, snapshot_id) from the canonical seed
// ids and cross-checks them against the request scope. Any mismatch is
// a security abuse: a model-suggested seed must never widen the scope.
func scopeFromSeeds(req engine.ExpandRequest) (string, string, error) {
	if len(req.SeedNodes) == 0 {
		return "", "", fmt.Errorf("expand: no seed nodes")
	}
	repo, snapshotID := "", ""
	for _, seed := range req.SeedNodes {
		parsed, err := datatypes.ParseNodeID(seed)
		if err != nil {
			return "", "", fmt.Errorf("%w: expand: %v", datatypes.ErrSecurityAbuse, err)
		}
		if repo == "" {
			repo, snapshotID = parsed.Repo, parsed.SnapshotID
			continue
		}
		if parsed.Repo != repo || parsed.SnapshotID != snapshotID {
			return "", "", fmt.Errorf("%w: expand: seed %q crosses snapshot scope %s::%s",
				datatypes.ErrSecurityAbuse, seed, repo, snapshotID)
		}
	}
	if req.Repository != "" && req.Repository != repo {
		return "", "", fmt.Errorf("%w: expand: seeds name repo %q but run is scoped to %q",
			datatypes.ErrSecurityAbuse, repo, req.Repository)
	}
	if req.SnapshotID != "" && req.SnapshotID != snapshotID {
		return "", "", fmt.Errorf("%w: expand: seeds name snapshot %q but run is scoped to %q",
			datatypes.ErrSecurityAbuse, snapshotID, req.SnapshotID)
	}
	return repo, snapshotID, nil
}

// allowSet normalizes the allowlist; an empty list allows every type.
func allowSet(allowlist []string) map[string]struct{} {
	if len(allowlist) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowlist))
	for _, t := range allowlist {
		set[t] = struct{}{}
	}
	return set
}

// edgeAllowed matches the edge type directly or with its language
// prefix (sql_, cs_) stripped.
func edgeAllowed(allow map[string]struct{}, edgeType string) bool {
	if allow == nil {
		return true
	}
	if _, ok := allow[edgeType]; ok {
		return true
	}
	for _, prefix := range []string{"sql_", "cs_"} {
		if stripped, found := strings.CutPrefix(edgeType, prefix); found {
			if _, ok := allow[stripped]; ok {
				return true
			}
		}
	}
	return false
}

// adjacencyFor returns the cached adjacency for (repo, snapshotID),
// loading it from Weaviate on first use. Double-checked: the read
// lock covers the common hit path, the write lock covers load.
func (p *Provider) adjacencyFor(ctx context.Context, repo, snapshotID string) (*adjacency, bool, error) {
	key := cacheKey{repo: repo, snapshotID: snapshotID}

	p.mu.RLock()
	adj, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return adj, true, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if adj, ok := p.cache[key]; ok {
		return adj, true, nil
	}
	adj, err := p.loadAdjacency(ctx, repo, snapshotID)
	if err != nil {
		return nil, false, err
	}
	p.cache[key] = adj
	p.logger.Info("graph adjacency loaded",
		"repo", repo, "snapshot_id", snapshotID, "edges", adj.edgeCount)
	return adj, false, nil
}

// loadAdjacency pages through every edge of the snapshot and builds
// the mirrored neighbor map.
func (p *Provider) loadAdjacency(ctx context.Context, repo, snapshotID string) (*adjacency, error) {
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		filters.Where().WithPath([]string{"repo"}).WithOperator(filters.Equal).WithValueText(repo),
		filters.Where().WithPath([]string{"snapshot_id"}).WithOperator(filters.Equal).WithValueText(snapshotID),
	})
	fields := []graphql.Field{
		{Name: "fromNodeId"},
		{Name: "toNodeId"},
		{Name: "edgeType"},
	}

	adj := &adjacency{neighbors: map[string][]edge{}}
	for offset := 0; ; offset += edgePageSize {
		result, err := p.client.GraphQL().Get().
			WithClassName(p.cfg.EdgeClass).
			WithFields(fields...).
			WithWhere(where).
			WithLimit(edgePageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("load edges for %s::%s: %w", repo, snapshotID, err)
		}
		if len(result.Errors) > 0 {
			return nil, fmt.Errorf("load edges for %s::%s: %s", repo, snapshotID, result.Errors[0].Message)
		}

		rows := classRows(result.Data, p.cfg.EdgeClass)
		for _, row := range rows {
			from, _ := row["fromNodeId"].(string)
			to, _ := row["toNodeId"].(string)
			edgeType, _ := row["edgeType"].(string)
			if from == "" || to == "" {
				continue
			}
			adj.neighbors[from] = append(adj.neighbors[from], edge{to: to, edgeType: edgeType})
			adj.neighbors[to] = append(adj.neighbors[to], edge{to: from, edgeType: edgeType})
			adj.edgeCount++
		}
		if len(rows) < edgePageSize {
			break
		}
	}
	return adj, nil
}

// FetchNodeTexts returns the source texts for the requested nodes in
// request order, skipping whole texts that would push the accumulated
// size past MaxChars. Texts are never truncated mid-node.
func (p *Provider) FetchNodeTexts(ctx context.Context, req engine.FetchTextsRequest) ([]datatypes.NodeText, error) {
	ctx, span := otel.Tracer("localai.graph").Start(ctx, "graph.fetch_node_texts")
	defer span.End()
	span.SetAttributes(attribute.Int("node_ids", len(req.NodeIDs)))

	if len(req.NodeIDs) == 0 {
		return nil, nil
	}

	byID := make(map[string]datatypes.NodeText, len(req.NodeIDs))
	for start := 0; start < len(req.NodeIDs); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(req.NodeIDs) {
			end = len(req.NodeIDs)
		}
		if err := p.fetchBatch(ctx, req.NodeIDs[start:end], byID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, err
		}
	}

	used := 0
	out := make([]datatypes.NodeText, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		t, ok := byID[id]
		if !ok || t.Text == "" {
			continue
		}
		if req.MaxChars > 0 && used+len(t.Text) > req.MaxChars {
			continue
		}
		used += len(t.Text)
		out = append(out, t)
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (p *Provider) fetchBatch(ctx context.Context, ids []string, byID map[string]datatypes.NodeText) error {
	where := filters.Where().
		WithPath([]string{"nodeId"}).
		WithOperator(filters.ContainsAny).
		WithValueText(ids...)
	fields := []graphql.Field{
		{Name: "nodeId"},
		{Name: "path"},
		{Name: "text"},
	}

	result, err := p.client.GraphQL().Get().
		WithClassName(p.cfg.NodeClass).
		WithFields(fields...).
		WithWhere(where).
		WithLimit(len(ids)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch node texts: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("fetch node texts: %s", result.Errors[0].Message)
	}

	for _, row := range classRows(result.Data, p.cfg.NodeClass) {
		id, _ := row["nodeId"].(string)
		if id == "" {
			continue
		}
		text, _ := row["text"].(string)
		path, _ := row["path"].(string)
		byID[id] = datatypes.NodeText{ID: id, Text: text, Path: path}
	}
	return nil
}

// classRows extracts the object list for one class from a Get
// response.
func classRows(data map[string]models.JSONObject, class string) []map[string]any {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	rows, ok := get[class].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if m, ok := row.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
