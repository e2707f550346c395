// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/actions"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/budget"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

const echoPipeline = `
YAMLpipeline:
  name: echo
  settings:
    entry_step_id: set
    max_context_tokens: 1000
  steps:
    - id: set
      action: set_variables
      rules:
        - set: answer_neutral
          value: pong
      next: done
    - id: done
      action: finalize
      persist_turn: false
      end: true
`

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoPipeline), 0o644))

	cfg := Config{
		PipelinesDir: dir,
		PromptsDir:   t.TempDir(),
		APIToken:     token,
		Global: callback.GlobalPolicy{
			Callback:        callback.PolicyAllowed,
			StageVisibility: callback.StageAllowed,
		},
	}
	srv, err := NewServer(cfg,
		engine.New(actions.NewDefaultRegistry()),
		&engine.Runtime{},
		callback.NewBroker(nil),
		NewMetrics(prometheus.NewRegistry()),
		nil)
	require.NoError(t, err)
	return srv
}

func askBody(t *testing.T, mutate func(*AskRequest)) *bytes.Reader {
	t.Helper()
	req := AskRequest{
		PipelineName: "echo",
		UserQuery:    "how does import work",
		SessionID:    "sess-1",
		Repository:   "demo-repo",
		SnapshotID:   "snap-1",
	}
	if mutate != nil {
		mutate(&req)
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

// TestHandleAskSuccess verifies a valid request runs the pipeline and
// returns the final answer with run identifiers.
func TestHandleAskSuccess(t *testing.T) {
	router := newTestServer(t, "").Router()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/pipeline/ask", askBody(t, nil))
	r.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pong", resp.Answer)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotEmpty(t, resp.RunID)
	assert.Positive(t, resp.StepsUsed)
}

// TestHandleAskValidation verifies missing fields and malformed bodies
// are rejected with 400.
func TestHandleAskValidation(t *testing.T) {
	router := newTestServer(t, "").Router()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/pipeline/ask", askBody(t, func(req *AskRequest) {
		req.UserQuery = "   "
		req.SnapshotID = ""
	}))
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "user_query")
	assert.Contains(t, w.Body.String(), "snapshot_id")

	// snapshot_set_id satisfies the snapshot requirement.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/pipeline/ask", askBody(t, func(req *AskRequest) {
		req.SnapshotID = ""
		req.SnapshotSetID = "release-q3"
	}))
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/pipeline/ask", bytes.NewReader([]byte("{not json")))
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandleAskUnknownPipeline verifies unknown pipeline names are 404.
func TestHandleAskUnknownPipeline(t *testing.T) {
	router := newTestServer(t, "").Router()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/pipeline/ask", askBody(t, func(req *AskRequest) {
		req.PipelineName = "nope"
	}))
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown pipeline")
}

// TestBearerAuth verifies the token check on /pipeline/ask, including
// the case-insensitive scheme and the disabled empty-token mode.
func TestBearerAuth(t *testing.T) {
	router := newTestServer(t, "secret").Router()

	send := func(header string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/pipeline/ask", askBody(t, nil))
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, send("Basic secret"))
	assert.Equal(t, http.StatusOK, send("Bearer secret"))
	assert.Equal(t, http.StatusOK, send("bearer secret"))
}

// TestHandleList verifies the pipeline listing.
func TestHandleList(t *testing.T) {
	router := newTestServer(t, "").Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/list", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Pipelines []struct {
			Name  string `json:"name"`
			Steps int    `json:"steps"`
		} `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Pipelines, 1)
	assert.Equal(t, "echo", resp.Pipelines[0].Name)
	assert.Equal(t, 2, resp.Pipelines[0].Steps)
}

// TestStreamUnknownRun verifies the SSE endpoint terminates immediately
// with the unknown_run done frame.
func TestStreamUnknownRun(t *testing.T) {
	router := newTestServer(t, "").Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/stream/dev?run_id=ghost", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `{"type":"done","reason":"unknown_run"}`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/stream/dev", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestStreamReplaysClosedRun verifies a finished run replays its ring
// and ends with the completion frame.
func TestStreamReplaysClosedRun(t *testing.T) {
	srv := newTestServer(t, "")
	srv.broker.Register("run-1", callback.Policy{
		Enabled:         true,
		StageVisibility: callback.StageAllowed,
	})
	srv.broker.Emit("run-1", datatypes.TraceEvent{
		Type:   datatypes.TraceStep,
		Step:   datatypes.TraceStepRef{ID: "s1", Action: "search_nodes"},
		Action: datatypes.TraceActionRef{ActionID: "search_nodes"},
		Out:    map[string]any{"hits": 2},
	})
	srv.broker.Emit("run-1", datatypes.TraceEvent{Type: datatypes.TraceRunEnd})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline/stream/dev?run_id=run-1", nil))

	body := w.Body.String()
	assert.Contains(t, body, "2 hits")
	assert.Contains(t, body, `{"type":"done","reason":"completed"}`)
}

// TestNewServerBudgetContract verifies the contract runs at load time:
// fail_fast rejects an oversized pipeline, auto_clamp shrinks it.
func TestNewServerBudgetContract(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa.yaml"), []byte(`
YAMLpipeline:
  name: qa
  settings:
    entry_step_id: ask
    max_context_tokens: 200
    budget_safety_margin_tokens: 10
  steps:
    - id: ask
      action: call_model
      max_output_tokens: 50
      next: done
    - id: done
      action: finalize
      persist_turn: false
      end: true
`), 0o644))

	cfg := Config{
		PipelinesDir:   dir,
		PromptsDir:     t.TempDir(),
		ModelCtxTokens: 100,
		BudgetPolicy:   string(budget.PolicyFailFast),
	}
	rt := &engine.Runtime{Tokens: budget.WordCounter{}}
	newServer := func() (*Server, error) {
		return NewServer(cfg,
			engine.New(actions.NewDefaultRegistry()), rt,
			callback.NewBroker(nil), NewMetrics(prometheus.NewRegistry()), nil)
	}

	_, err := newServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget contract")

	cfg.BudgetPolicy = string(budget.PolicyAutoClamp)
	srv, err := newServer()
	require.NoError(t, err)
	def, ok := srv.Pipeline("qa")
	require.True(t, ok)
	assert.Less(t, def.SettingInt("max_context_tokens", 0), 200)
}

// TestStatusFor verifies the error-to-status mapping.
func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(datatypes.ErrSecurityAbuse))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(datatypes.ErrConfig))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(datatypes.ErrContract))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
