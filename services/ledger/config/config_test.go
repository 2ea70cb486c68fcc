// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":8087", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.BaseBackoff)
	assert.Equal(t, dag.DefaultTaskTimeout, cfg.Scheduler.DefaultTimeout)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.InDelta(t, 0.85, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, confidence.DefaultWeights(), cfg.Confidence.Weights)
	assert.Equal(t, confidence.DefaultHistoryLimit, cfg.Confidence.HistoryLimit)
	assert.Equal(t, "ollama", cfg.Backend.Type)
	assert.Equal(t, 2*time.Minute, cfg.Backend.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Snapshot.Enabled())
	assert.False(t, cfg.Influx.Enabled())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
server:
  addr: ":9000"
scheduler:
  max_concurrency: 8
  max_backoff: 5s
cache:
  similarity_threshold: 1.5
backend:
  type: openai
  model: gpt-4o-mini
  requests_per_second: 2.5
tasks:
  risk:
    disabled: true
  extract:
    max_retries: 4
    timeout: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.BaseBackoff, "unset keys keep defaults")
	assert.InDelta(t, 1.5, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, "openai", cfg.Backend.Type)
	assert.InDelta(t, 2.5, cfg.Backend.RequestsPerSecond, 1e-9)

	require.Contains(t, cfg.Tasks, "risk")
	assert.True(t, cfg.Tasks["risk"].Disabled)
	require.NotNil(t, cfg.Tasks["extract"].MaxRetries)
	assert.Equal(t, 4, *cfg.Tasks["extract"].MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Tasks["extract"].Timeout)

	d := cfg.Scheduler.DAG()
	assert.Equal(t, 8, d.MaxConcurrency)
	assert.Equal(t, 5*time.Second, d.MaxBackoff)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cache:\n  max_size: 10\n")
	t.Setenv("LEDGER_CACHE_MAX_SIZE", "42")
	t.Setenv("LEDGER_BACKEND_TYPE", "none")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Cache.MaxSize)
	assert.Equal(t, "none", cfg.Backend.Type)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"weights do not sum to one", "confidence:\n  weights:\n    completeness: 0.9\n"},
		{"negative concurrency", "scheduler:\n  max_concurrency: 0\n"},
		{"max backoff below base", "scheduler:\n  base_backoff: 2s\n  max_backoff: 1s\n"},
		{"unknown backend", "backend:\n  type: bard\n"},
		{"unknown task override", "tasks:\n  summarize:\n    disabled: true\n"},
		{"foundation disabled", "tasks:\n  extract:\n    disabled: true\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad influx url", "influx:\n  url: not a url\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ledger.yaml")
	require.NoError(t, WriteDefault(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	defaults, err := Default()
	require.NoError(t, err)
	assert.Equal(t, defaults, loaded)

	assert.Error(t, WriteDefault(path), "never overwrites")
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cache:\n  max_size: 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(c *Config) { reloaded <- c }))

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrency: 0\n"), 0o600))
	time.Sleep(2 * DefaultDebounce)
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_size: 77\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 77, cfg.Cache.MaxSize)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatch_EmptyPath(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "", nil, func(*Config) {}))
}
