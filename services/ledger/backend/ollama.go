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
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "gpt-oss"
)

// OllamaClient calls a local Ollama server through langchaingo.
//
// Thread Safety: Safe for concurrent use.
type OllamaClient struct {
	text   *ollama.LLM
	json   *ollama.LLM
	model  string
	logger *slog.Logger
}

// NewOllamaClient creates an Ollama backend.
func NewOllamaClient(cfg Config, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.URL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
		logger.Warn("backend model not set, defaulting", slog.String("model", model))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	text, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
		ollama.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	structured, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
		ollama.WithHTTPClient(httpClient),
		ollama.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama json client: %w", err)
	}

	logger.Info("initializing Ollama backend",
		slog.String("base_url", baseURL),
		slog.String("model", model),
	)
	return &OllamaClient{text: text, json: structured, model: model, logger: logger}, nil
}

// Generate implements Client.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Bool("llm.json", params.JSON))

	var opts []llms.CallOption
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	model := o.text
	if params.JSON {
		model = o.json
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, model, prompt, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ollama generate failed")
		return "", fmt.Errorf("ollama call failed: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
