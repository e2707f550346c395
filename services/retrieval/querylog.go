// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
)

// Environment flags controlling the query log.
const (
	EnvQueryLog    = "WEAVIATE_QUERY_LOG"
	EnvQueryLogDir = "WEAVIATE_QUERY_LOG_DIR"

	queryLogFileName = "weaviate_queries.jsonl"
)

// QueryLogEntry is one JSONL line describing a backend call.
type QueryLogEntry struct {
	TSUTC      time.Time      `json:"ts_utc"`
	SearchType string         `json:"search_type"`
	Query      string         `json:"query"`
	TopK       int            `json:"top_k"`
	Repository string         `json:"repository"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	RRFK       int            `json:"rrf_k,omitempty"`
	Operator   string         `json:"bm25_operator,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Hits       int            `json:"hits"`
	Error      string         `json:"error,omitempty"`
}

// QueryLogger appends JSONL entries describing every Weaviate search.
//
// # Description
//
// The logger is a diagnostics aid gated by WEAVIATE_QUERY_LOG=1; when
// disabled every call is a no-op. Writes are best effort: a failed
// append is logged once per call and never propagated to the search
// path.
//
// # Thread Safety
//
// Safe for concurrent use. Line writes are serialized by a
// process-wide mutex so interleaved entries cannot corrupt the file.
type QueryLogger struct {
	mu      sync.Mutex
	path    string
	enabled bool
	logger  *logging.Logger
}

// NewQueryLoggerFromEnv builds a logger from WEAVIATE_QUERY_LOG and
// WEAVIATE_QUERY_LOG_DIR (default: working directory).
func NewQueryLoggerFromEnv(logger *logging.Logger) *QueryLogger {
	dir := os.Getenv(EnvQueryLogDir)
	if dir == "" {
		dir = "."
	}
	return &QueryLogger{
		path:    filepath.Join(dir, queryLogFileName),
		enabled: os.Getenv(EnvQueryLog) == "1",
		logger:  logger,
	}
}

// NewQueryLogger builds an always-on logger writing to path. Used by
// tests and tools that want the log regardless of the environment.
func NewQueryLogger(path string, logger *logging.Logger) *QueryLogger {
	return &QueryLogger{path: path, enabled: true, logger: logger}
}

// Enabled reports whether Log will write anything.
func (q *QueryLogger) Enabled() bool {
	return q != nil && q.enabled
}

// Log appends one entry as a single JSON line.
func (q *QueryLogger) Log(entry QueryLogEntry) {
	if !q.Enabled() {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		q.warn("query log marshal failed", err)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		q.warn("query log open failed", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		q.warn("query log write failed", err)
	}
}

func (q *QueryLogger) warn(msg string, err error) {
	if q.logger != nil {
		q.logger.Warn(msg, "path", q.path, "error", err)
		return
	}
	logging.Default().Warn(msg, "path", q.path, "error", err)
}
