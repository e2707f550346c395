// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// AskRequest is the POST /pipeline/ask body.
type AskRequest struct {
	PipelineName  string `json:"pipeline_name"`
	UserQuery     string `json:"user_query"`
	SessionID     string `json:"session_id"`
	IdentityID    string `json:"identity_id,omitempty"`
	Repository    string `json:"repository"`
	SnapshotID    string `json:"snapshot_id"`
	SnapshotIDB   string `json:"snapshot_id_b,omitempty"`
	SnapshotSetID string `json:"snapshot_set_id,omitempty"`
	TranslateChat bool   `json:"translate_chat"`
	RequestID     string `json:"request_id,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Consultant    string `json:"consultant,omitempty"`
}

// AskResponse is the POST /pipeline/ask success body.
type AskResponse struct {
	Answer    string `json:"answer"`
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	StepsUsed int    `json:"steps_used"`
}

func (r *AskRequest) validate() error {
	var missing []string
	if r.PipelineName == "" {
		missing = append(missing, "pipeline_name")
	}
	if strings.TrimSpace(r.UserQuery) == "" {
		missing = append(missing, "user_query")
	}
	if r.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if r.Repository == "" {
		missing = append(missing, "repository")
	}
	if r.SnapshotID == "" && r.SnapshotSetID == "" {
		missing = append(missing, "snapshot_id")
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// handleAsk runs one pipeline synchronously and returns the final
// answer. The run is registered with the callback broker before the
// engine starts, so an SSE client subscribing with the returned run_id
// replays the full event history from the ring.
func (s *Server) handleAsk(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, ok := s.Pipeline(req.PipelineName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline: " + req.PipelineName})
		return
	}

	state := datatypes.NewState()
	state.RunID = uuid.New().String()
	state.UserQuery = req.UserQuery
	state.SessionID = req.SessionID
	state.UserID = req.IdentityID
	state.Repository = req.Repository
	state.SnapshotID = req.SnapshotID
	state.SnapshotIDB = req.SnapshotIDB
	state.SnapshotSetID = req.SnapshotSetID
	state.TranslateChat = req.TranslateChat
	state.RequestID = req.RequestID
	state.Branch = req.Branch
	state.Consultant = req.Consultant

	policy := callback.Resolve(s.cfg.Global, pipelinePolicy(def))
	s.broker.Register(state.RunID, policy)

	start := time.Now()
	err := s.engine.Run(c.Request.Context(), def, state, s.runtime)
	s.metrics.RecordRun(def.Name, state.StepsUsed, time.Since(start), err)
	if err != nil {
		s.broker.Close(state.RunID, "error")
		s.logger.Error("pipeline run failed",
			"pipeline", def.Name, "run_id", state.RunID, "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "run_id": state.RunID})
		return
	}

	c.JSON(http.StatusOK, AskResponse{
		Answer:    state.FinalAnswer,
		RunID:     state.RunID,
		SessionID: state.SessionID,
		RequestID: state.RequestID,
		StepsUsed: state.StepsUsed,
	})
}

// handleList enumerates loaded pipelines.
func (s *Server) handleList(c *gin.Context) {
	type item struct {
		Name  string `json:"name"`
		Steps int    `json:"steps"`
	}
	items := make([]item, 0, len(s.pipelines))
	for _, name := range s.PipelineNames() {
		items = append(items, item{Name: name, Steps: len(s.pipelines[name].Steps)})
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": items})
}

// pipelinePolicy reads a definition's callback declaration.
func pipelinePolicy(def *datatypes.PipelineDef) callback.PipelinePolicy {
	return callback.PipelinePolicy{
		Callback:         def.SettingString("callback", ""),
		StageVisibility:  def.SettingString("stage_visibility", ""),
		IncludeDocuments: def.SettingBool("include_documents", false),
	}
}

// statusFor maps run errors onto HTTP statuses: caller-fixable
// configuration and contract failures are 4xx, scope violations 403,
// everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrSecurityAbuse):
		return http.StatusForbidden
	case errors.Is(err, datatypes.ErrConfig), errors.Is(err, datatypes.ErrContract):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
