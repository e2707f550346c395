// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides model clients behind the narrow ModelClient
// contract: an OpenAI-compatible chat client (OpenAI, LocalAI, vLLM)
// and a raw llama.cpp completion client.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Environment configuration for the OpenAI-compatible client.
const (
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvOpenAIModel   = "OPENAI_MODEL"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"

	// openAIKeySecretPath is the container-secret fallback for the key.
	openAIKeySecretPath = "/run/secrets/openai_api_key"

	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIClient talks to any OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *logging.Logger
}

// NewOpenAIClientFromEnv reads OPENAI_API_KEY (with a container-secret
// fallback), OPENAI_MODEL, and OPENAI_BASE_URL. A base URL pointing at
// a LocalAI or vLLM deployment makes the key optional there; the
// variable must still be set to satisfy the SDK.
func NewOpenAIClientFromEnv(logger *logging.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = logging.Default()
	}
	apiKey := os.Getenv(EnvOpenAIAPIKey)
	if apiKey == "" {
		raw, err := os.ReadFile(openAIKeySecretPath)
		if err != nil {
			return nil, fmt.Errorf("%s not set and secret %s unavailable", EnvOpenAIAPIKey, openAIKeySecretPath)
		}
		apiKey = strings.TrimSpace(string(raw))
		logger.Info("read model API key from container secret")
	}
	model := os.Getenv(EnvOpenAIModel)
	if model == "" {
		model = defaultOpenAIModel
		logger.Warn("OPENAI_MODEL not set, using default", "model", model)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv(EnvOpenAIBaseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	logger.Info("model client initialized", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

// Ask implements engine.ModelClient: dialog mode maps history turns to
// chat messages; prompt mode sends the rendered prompt as a single
// user message.
func (c *OpenAIClient) Ask(ctx context.Context, req engine.AskRequest) (string, error) {
	ctx, span := otel.Tracer("localai.llm").Start(ctx, "llm.ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", c.model),
		attribute.Bool("dialog", len(req.Dialog) > 0),
	)

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	if len(req.Dialog) > 0 {
		for _, turn := range req.Dialog {
			messages = append(messages, openai.ChatCompletionMessage{
				Role: chatRole(turn.Role), Content: turn.Content,
			})
		}
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser, Content: req.Prompt,
		})
	}

	chatReq := openai.ChatCompletionRequest{Model: c.model, Messages: messages}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", fmt.Errorf("chat completion: model returned no choices")
	}
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("model response received",
		"finish_reason", resp.Choices[0].FinishReason, "model", c.model)
	return resp.Choices[0].Message.Content, nil
}

// chatRole maps dialog roles onto the API's role tokens, defaulting
// unknown roles to user.
func chatRole(role string) string {
	switch role {
	case "assistant":
		return openai.ChatMessageRoleAssistant
	case "system":
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
