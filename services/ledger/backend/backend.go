// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend wraps the external model backends that ledger task
// operations call. Every backend returns raw text; callers repair and
// decode it themselves.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Backend types accepted by Config.Type.
const (
	TypeOpenAI   = "openai"
	TypeOllama   = "ollama"
	TypeDisabled = "none"
)

var (
	// ErrDisabled is returned by the disabled backend on every call.
	ErrDisabled = errors.New("model backend disabled")

	// ErrUnknownType is returned by New for an unrecognized backend type.
	ErrUnknownType = errors.New("unknown backend type")

	// ErrEmptyResponse is returned when a backend answers with no content.
	ErrEmptyResponse = errors.New("backend returned no content")

	// ErrMissingAPIKey is returned when a hosted backend has no credentials.
	ErrMissingAPIKey = errors.New("backend API key not configured")
)

// GenerationParams tune one generation call. nil fields use backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSON asks the backend for a JSON object when it supports that mode.
	JSON bool `json:"json"`
}

// Client is a text generation backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, params GenerationParams) (string, error)

// Generate implements Client.
func (f ClientFunc) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return f(ctx, prompt, params)
}

// Disabled is a Client that always fails with ErrDisabled. Pipelines built
// on it always take the local fallback path.
type Disabled struct{}

// Generate implements Client.
func (Disabled) Generate(context.Context, string, GenerationParams) (string, error) {
	return "", ErrDisabled
}

// Config selects and tunes a backend.
type Config struct {
	Type   string `yaml:"type" validate:"omitempty,oneof=openai ollama none"`
	Model  string `yaml:"model"`
	URL    string `yaml:"url" validate:"omitempty,url"`
	APIKey string `yaml:"api_key"`

	// RequestsPerSecond limits calls to the backend. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`

	// Timeout bounds one HTTP call. Task timeouts still apply on top.
	Timeout time.Duration `yaml:"timeout"`
}

// New builds the configured backend, wrapped in a rate limiter when
// RequestsPerSecond is set.
//
// Inputs:
//
//	cfg - Backend configuration. An empty Type means "none".
//	logger - Logger for backend diagnostics. nil uses slog.Default().
//
// Outputs:
//
//	Client - The backend.
//	error - ErrUnknownType, ErrMissingAPIKey, or a construction error.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		c   Client
		err error
	)
	switch strings.ToLower(cfg.Type) {
	case "", TypeDisabled:
		logger.Warn("model backend disabled, every run will use the local fallback")
		return Disabled{}, nil
	case TypeOpenAI:
		c, err = NewOpenAIClient(cfg, logger)
	case TypeOllama:
		c, err = NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		c = NewRateLimited(c, cfg.RequestsPerSecond, cfg.Burst)
	}
	return c, nil
}
