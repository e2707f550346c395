// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/budget"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/loader"
)

// Server glues the HTTP surface to the engine: loaded pipeline
// definitions, the runtime collaborators, the callback broker, and the
// metrics.
//
// # Thread Safety
//
// Safe for concurrent requests. The pipelines map is written once at
// construction and read-only afterwards; the engine, runtime, and
// broker synchronize themselves.
type Server struct {
	cfg       Config
	logger    *logging.Logger
	engine    *engine.Engine
	runtime   *engine.Runtime
	broker    *callback.Broker
	metrics   *Metrics
	pipelines map[string]*datatypes.PipelineDef

	// Readiness is probed by GET /ready; nil means always ready.
	Readiness func(ctx context.Context) error
}

// NewServer loads and validates every pipeline under cfg.PipelinesDir
// and wires the HTTP layer. Validation failures at startup are fatal;
// serving a pipeline that cannot run helps nobody.
func NewServer(cfg Config, eng *engine.Engine, rt *engine.Runtime, broker *callback.Broker, metrics *Metrics, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Default()
	}
	defs, err := loader.New(cfg.PipelinesDir).LoadDir(cfg.PipelinesDir)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}
	allowed := eng.Registry.Names()
	pipelines := make(map[string]*datatypes.PipelineDef, len(defs))
	for _, def := range defs {
		if err := loader.Validate(def, allowed); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		if _, dup := pipelines[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate pipeline name %q", datatypes.ErrConfig, def.Name)
		}
		for _, warning := range loader.Lint(def) {
			logger.Warn("pipeline lint", "pipeline", def.Name, "warning", warning)
		}
		if cfg.ModelCtxTokens > 0 && rt != nil && rt.Tokens != nil {
			result, err := budget.Enforce(def, cfg.ModelCtxTokens, rt.Tokens,
				cfg.PromptsDir, budget.Policy(cfg.BudgetPolicy))
			if err != nil {
				return nil, fmt.Errorf("pipeline %q: budget contract: %w", def.Name, err)
			}
			for _, clamp := range result.Clamps {
				logger.Warn("budget contract clamp", "pipeline", def.Name,
					"target", clamp.Target, "step", clamp.StepID,
					"from", clamp.From, "to", clamp.To, "reason", clamp.Reason)
			}
		}
		pipelines[def.Name] = def
	}
	if cfg.ModelCtxTokens <= 0 {
		logger.Warn("budget contract not enforced: MODEL_N_CTX unset")
	}
	logger.Info("pipelines loaded", "dir", cfg.PipelinesDir, "count", len(pipelines))

	return &Server{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		runtime:   rt,
		broker:    broker,
		metrics:   metrics,
		pipelines: pipelines,
	}, nil
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("orchestrator"))

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pipeline := router.Group("/pipeline")
	{
		pipeline.POST("/ask", BearerAuth(s.cfg.APIToken), s.handleAsk)
		pipeline.GET("/list", s.handleList)
		pipeline.GET("/stream/dev", s.streamHandler("dev"))
		pipeline.GET("/stream/prod", BearerAuth(s.cfg.APIToken), s.streamHandler("prod"))
	}
	return router
}

// Pipeline returns a loaded definition by name.
func (s *Server) Pipeline(name string) (*datatypes.PipelineDef, bool) {
	def, ok := s.pipelines[name]
	return def, ok
}

// PipelineNames returns the loaded pipeline names sorted.
func (s *Server) PipelineNames() []string {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.Readiness != nil {
		if err := s.Readiness(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
