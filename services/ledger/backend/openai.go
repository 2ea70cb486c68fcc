// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.ledger.backend")

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultHTTPTimeout = 2 * time.Minute
	systemPrompt       = "You extract structured accounting data from documents. Answer with JSON only."
)

// OpenAIClient calls the OpenAI chat completions API.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	key        *secret
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates an OpenAI backend. The API key is sealed in an
// encrypted enclave and only decrypted per request.
func NewOpenAIClient(cfg Config, logger *slog.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey, err := resolveAPIKey(cfg.APIKey, logger)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
		logger.Warn("backend model not set, defaulting", slog.String("model", model))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	logger.Info("initializing OpenAI backend", slog.String("model", model))
	return &OpenAIClient{
		key:        sealSecret(apiKey, logger),
		baseURL:    cfg.URL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.prompt_chars", len(prompt)))

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	err := o.key.Use(func(apiKey string) error {
		conf := openai.DefaultConfig(apiKey)
		if o.baseURL != "" {
			conf.BaseURL = o.baseURL
		}
		conf.HTTPClient = o.httpClient

		var callErr error
		resp, callErr = openai.NewClientWithConfig(conf).CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		span.SetStatus(codes.Error, "empty response")
		return "", ErrEmptyResponse
	}

	o.logger.Debug("received response from OpenAI",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}
