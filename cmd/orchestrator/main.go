// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the pipeline orchestrator HTTP server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP port (default 12210)
//   - PIPELINES_DIR: pipeline YAML root (default /app/pipelines)
//   - PROMPTS_DIR: prompt template root (default /app/prompts)
//   - SNAPSHOT_SETS_PATH: snapshot-set YAML (optional)
//   - WEAVIATE_SERVICE_URL: Weaviate URL, e.g. http://weaviate:8080
//   - REDIS_ADDR: use Redis for session history; empty selects badger
//   - BADGER_PATH: badger session store path (default /app/data/sessions)
//   - MODEL_BACKEND: openai (default) or llamacpp
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector (optional)
//   - PIPELINE_API_TOKEN: bearer token for /pipeline/ask and the prod stream
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/callback"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/graph"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/history"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/llm"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/orchestrator"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/actions"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/budget"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/compaction"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/retrieval"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/translate"
)

const brokerGCInterval = 5 * time.Minute

func main() {
	logger := logging.New(logging.Config{Service: "orchestrator", JSON: true})
	defer logger.Close()

	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := orchestrator.ConfigFromEnv()
	logger.Info("starting orchestrator", "port", cfg.Port, "pipelines_dir", cfg.PipelinesDir)

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cleanup, err := initTracer(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	weaviateClient, err := newWeaviateClient(os.Getenv("WEAVIATE_SERVICE_URL"))
	if err != nil {
		return err
	}

	searcher := retrieval.NewSearcher(weaviateClient, retrieval.Config{},
		retrieval.NewQueryLoggerFromEnv(logger), logger)
	graphProvider := graph.NewProvider(weaviateClient, graph.Config{}, logger)

	var snapshotSets engine.SnapshotSetResolver = retrieval.NewStaticSnapshotSets(nil)
	if path := os.Getenv("SNAPSHOT_SETS_PATH"); path != "" {
		snapshotSets, err = retrieval.LoadSnapshotSets(path)
		if err != nil {
			return fmt.Errorf("load snapshot sets: %w", err)
		}
	}

	historyService, closeHistory, err := newHistoryService(logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	model, err := newModelClient(logger)
	if err != nil {
		return err
	}

	counter, err := budget.NewTiktokenCounter("")
	if err != nil {
		return err
	}
	tokens := budget.WithCache(counter)

	broker := callback.NewBroker(logger)
	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)

	rt := &engine.Runtime{
		Logger:          logger,
		Retriever:       metrics.InstrumentSearch(searcher),
		Graph:           graphProvider,
		History:         historyService,
		Model:           model,
		Translator:      translate.NewModelTranslator(model),
		Tokens:          tokens,
		SnapshotSets:    snapshotSets,
		Callbacks:       broker,
		PromptsDir:      cfg.PromptsDir,
		SQLCompactor:    compaction.CompactTSQL,
		DotnetCompactor: compaction.NewDotnetCompactor(tokens),
	}

	eng := engine.New(actions.NewDefaultRegistry())
	server, err := orchestrator.NewServer(cfg, eng, rt, broker, metrics, logger)
	if err != nil {
		return err
	}
	server.Readiness = func(ctx context.Context) error {
		live, err := weaviateClient.Misc().LiveChecker().Do(ctx)
		if err != nil {
			return err
		}
		if !live {
			return errors.New("weaviate not live")
		}
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return broker.RunGC(ctx, brokerGCInterval)
	})
	group.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// initTracer sets up the OTLP trace exporter over an insecure gRPC
// connection, appropriate for internal networks.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = traceExporter.Shutdown(ctx)
	}, nil
}

// newWeaviateClient parses WEAVIATE_SERVICE_URL into a client config.
func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" {
		return nil, errors.New("WEAVIATE_SERVICE_URL not set")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

// newHistoryService selects the session-store tier: Redis when
// REDIS_ADDR is set, badger otherwise. The durable tier defaults to the
// in-memory store; a SQL-backed implementation slots in behind the same
// contract.
func newHistoryService(logger *logging.Logger) (engine.HistoryService, func(), error) {
	opts := history.OptionsFromEnv()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		sessions := history.NewRedisSessionStore(client, opts)
		logger.Info("session history backed by redis", "addr", addr)
		svc := history.NewService(sessions, history.NewMemoryDurableStore(), logger)
		return svc, func() { client.Close() }, nil
	}

	path := os.Getenv("BADGER_PATH")
	if path == "" {
		path = "/app/data/sessions"
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	sessions := history.NewBadgerSessionStore(db, opts)
	logger.Info("session history backed by badger", "path", path)
	svc := history.NewService(sessions, history.NewMemoryDurableStore(), logger)
	return svc, func() { db.Close() }, nil
}

// newModelClient selects the model backend: the OpenAI-compatible chat
// client by default, raw llama.cpp when MODEL_BACKEND=llamacpp.
func newModelClient(logger *logging.Logger) (engine.ModelClient, error) {
	switch os.Getenv("MODEL_BACKEND") {
	case "llamacpp":
		return llm.NewLlamaCppClientFromEnv(logger)
	default:
		return llm.NewOpenAIClientFromEnv(logger)
	}
}
