// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"
)

// Search types accepted by search_nodes and the retrieval backend.
const (
	SearchSemantic = "semantic"
	SearchBM25     = "bm25"
	SearchHybrid   = "hybrid"
	// SearchAuto is only valid at the step level; it resolves to one of
	// the concrete types before the backend is called.
	SearchAuto = "auto"
)

// SearchRequest is the retrieval backend contract.
//
// RetrievalFilters always carries the security-origin scope: "repo" plus
// either "snapshot_id" or "snapshot_ids_any". Backends must honor these
// and may ignore unknown keys, but must never relax the scope.
type SearchRequest struct {
	SearchType       string         `json:"search_type"`
	Query            string         `json:"query"`
	TopK             int            `json:"top_k"`
	Repository       string         `json:"repository"`
	SnapshotID       string         `json:"snapshot_id,omitempty"`
	SnapshotSetID    string         `json:"snapshot_set_id,omitempty"`
	RetrievalFilters map[string]any `json:"retrieval_filters"`
	RRFK             int            `json:"rrf_k,omitempty"`
	BM25Operator     string         `json:"bm25_operator,omitempty"`
}

// SearchResponse is what a retrieval backend returns.
type SearchResponse struct {
	Hits []Hit `json:"hits"`
}

// NodeID is a parsed canonical node identifier
// "<repo>::<snapshot_id>::<kind>::<local_id>".
type NodeID struct {
	Repo       string
	SnapshotID string
	Kind       string
	LocalID    string
}

// ParseNodeID validates the structure of a canonical node id.
//
// All four segments must be non-empty. The kind segment is not
// restricted to a closed set; new node kinds appear as indexers evolve.
func ParseNodeID(id string) (NodeID, error) {
	parts := strings.SplitN(id, "::", 4)
	if len(parts) != 4 {
		return NodeID{}, fmt.Errorf("node id %q: want repo::snapshot::kind::local", id)
	}
	for _, p := range parts {
		if p == "" {
			return NodeID{}, fmt.Errorf("node id %q: empty segment", id)
		}
	}
	return NodeID{Repo: parts[0], SnapshotID: parts[1], Kind: parts[2], LocalID: parts[3]}, nil
}

// String reassembles the canonical form.
func (n NodeID) String() string {
	return n.Repo + "::" + n.SnapshotID + "::" + n.Kind + "::" + n.LocalID
}
