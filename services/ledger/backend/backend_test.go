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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "hi", GenerationParams{})
	assert.ErrorIs(t, err, ErrDisabled)

	c, err = New(Config{Type: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, c)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Config{Type: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNew_OllamaWrappedInLimiter(t *testing.T) {
	c, err := New(Config{Type: TypeOllama, Model: "llama3", RequestsPerSecond: 5}, nil)
	require.NoError(t, err)
	rl, ok := c.(*RateLimited)
	require.True(t, ok)
	assert.IsType(t, &OllamaClient{}, rl.next)
}

func TestOpenAIClient_Generate(t *testing.T) {
	var gotAuth string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"vendor\":\"ACME\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10}
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "sk-test", URL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "extract", GenerationParams{JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"vendor":"ACME"}`, out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, defaultOpenAIModel, gotReq["model"])
	assert.NotNil(t, gotReq["response_format"])
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "sk-test", URL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "extract", GenerationParams{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRateLimited_RespectsContext(t *testing.T) {
	calls := 0
	next := ClientFunc(func(context.Context, string, GenerationParams) (string, error) {
		calls++
		return "ok", nil
	})
	rl := NewRateLimited(next, 0.01, 1)

	out, err := rl.Generate(context.Background(), "a", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Generate(ctx, "b", GenerationParams{})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSplitText(t *testing.T) {
	chunks, err := SplitText("short", 100, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, chunks)

	line := strings.Repeat("word ", 20) + "\n"
	long := strings.Repeat(line, 50)
	chunks, err = SplitText(long, 500, 50)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 500)
	}
}

func TestOpenAIClient_KeepsProcessSignalHandling(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	_, err := NewOpenAIClient(Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("SIGTERM did not reach the process's own handler")
	}
}

func TestPurge_InvalidatesSealedKeys(t *testing.T) {
	c, err := NewOpenAIClient(Config{APIKey: "sk-test", URL: "http://127.0.0.1:1/v1", Timeout: time.Second}, nil)
	require.NoError(t, err)

	Purge()

	err = c.key.Use(func(string) error { return nil })
	assert.Error(t, err)
}
