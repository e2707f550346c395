// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// EnvLlamaBaseURL points at a llama.cpp server (/completion endpoint).
const EnvLlamaBaseURL = "LLM_SERVICE_URL_BASE"

// llamaTimeout bounds a single completion call. Local models on CPU
// can be slow; five minutes matches the server-side default.
const llamaTimeout = 5 * time.Minute

// LlamaCppClient calls a llama.cpp server's raw /completion endpoint.
// Dialog requests are flattened into a single prompt; the [INST]
// rendering done upstream already carries the chat structure.
type LlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

type llamaCompletionRequest struct {
	Prompt    string `json:"prompt"`
	NPredict  int    `json:"n_predict,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream"`
}

type llamaCompletionResponse struct {
	Content string `json:"content"`
}

// NewLlamaCppClientFromEnv reads LLM_SERVICE_URL_BASE.
func NewLlamaCppClientFromEnv(logger *logging.Logger) (*LlamaCppClient, error) {
	baseURL := os.Getenv(EnvLlamaBaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%s environment variable not set", EnvLlamaBaseURL)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LlamaCppClient{
		httpClient: &http.Client{Timeout: llamaTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}, nil
}

// Ask implements engine.ModelClient.
func (c *LlamaCppClient) Ask(ctx context.Context, req engine.AskRequest) (string, error) {
	ctx, span := otel.Tracer("localai.llm").Start(ctx, "llm.llamacpp_ask")
	defer span.End()

	prompt := req.Prompt
	if len(req.Dialog) > 0 {
		var b strings.Builder
		if req.System != "" {
			b.WriteString(req.System)
			b.WriteString("\n\n")
		}
		for _, turn := range req.Dialog {
			b.WriteString(turn.Role)
			b.WriteString(": ")
			b.WriteString(turn.Content)
			b.WriteString("\n")
		}
		prompt = b.String()
	}

	payload := llamaCompletionRequest{Prompt: prompt, Stream: false}
	if req.MaxTokens > 0 {
		payload.NPredict = req.MaxTokens
		payload.MaxTokens = req.MaxTokens
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llamacpp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("llamacpp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion call failed")
		return "", fmt.Errorf("llamacpp call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llamacpp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "non-200 status")
		return "", fmt.Errorf("llamacpp call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out llamaCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("llamacpp response: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return out.Content, nil
}
