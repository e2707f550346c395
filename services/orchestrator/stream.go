// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
)

// keepAliveInterval is how often an idle SSE connection gets a comment
// frame so proxies keep it open.
const keepAliveInterval = 15 * time.Second

// doneFrame is the terminal SSE message every stream ends with.
type doneFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// streamHandler serves GET /pipeline/stream/{dev,prod}?run_id=.
//
// # Description
//
// The handler replays the run's ring snapshot, then forwards live
// summaries until the run closes, the client disconnects, or the
// subscriber is dropped by the broker. Every stream terminates with a
// {"type":"done","reason":...} frame; unknown run ids get that frame
// immediately with reason "unknown_run".
func (s *Server) streamHandler(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Query("run_id")
		if runID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "run_id query parameter required"})
			return
		}
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		stream := s.broker.OpenStream(runID)
		defer stream.Cancel()
		s.metrics.ActiveStreams.WithLabelValues(endpoint).Inc()
		defer s.metrics.ActiveStreams.WithLabelValues(endpoint).Dec()

		for _, summary := range stream.Snapshot {
			s.writeFrame(c, flusher, endpoint, summary)
		}
		if stream.Closed {
			s.writeDone(c, flusher, stream.Reason)
			return
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				s.metrics.ClientDisconnectsTotal.WithLabelValues(endpoint).Inc()
				return
			case <-ticker.C:
				fmt.Fprint(c.Writer, ": keep-alive\n\n")
				flusher.Flush()
			case summary, open := <-stream.Events:
				if !open {
					_, reason := s.broker.Status(runID)
					if reason == "" {
						reason = "completed"
					}
					s.writeDone(c, flusher, reason)
					return
				}
				s.writeFrame(c, flusher, endpoint, summary)
			}
		}
	}
}

func (s *Server) writeFrame(c *gin.Context, flusher http.Flusher, endpoint string, summary *callback.Summary) {
	raw, err := json.Marshal(summary)
	if err != nil {
		s.logger.Warn("callback summary marshal failed", "error", err)
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	flusher.Flush()
	s.metrics.StreamEventsTotal.WithLabelValues(endpoint).Inc()
}

func (s *Server) writeDone(c *gin.Context, flusher http.Flusher, reason string) {
	raw, _ := json.Marshal(doneFrame{Type: "done", Reason: reason})
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	flusher.Flush()
}
