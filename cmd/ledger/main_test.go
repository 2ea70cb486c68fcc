// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/tasks"
)

const offlineConfig = `
backend:
  type: none
scheduler:
  base_backoff: 1ms
  max_backoff: 1ms
logging:
  quiet: true
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, outputJSON = "", "", false
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReadDocument(t *testing.T) {
	doc, err := readDocument(strings.NewReader(`{"vendor":"ACME","total":12}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"vendor": "ACME", "total": 12.0}, doc)

	doc, err = readDocument(strings.NewReader("2025-01-02 Salary 10.00\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "2025-01-02 Salary 10.00"}, doc)

	doc, err = readDocument(strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "[1,2]"}, doc)

	_, err = readDocument(strings.NewReader("  \n"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "ledger dev\n", out)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8087", cfg.Server.Addr)

	_, err = execute(t, "", "config", "init", path)
	assert.Error(t, err)
}

func TestAnalyze_OfflineFallsBack(t *testing.T) {
	cfgPath := writeTemp(t, "ledger.yaml", offlineConfig)
	docPath := writeTemp(t, "statement.txt", "2025-01-02 Salary 1000.00\n2025-01-05 Grocery store -250.00\n")

	out, err := execute(t, "", "analyze", "--config", cfgPath, docPath)
	require.NoError(t, err)

	var resp ledger.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.False(t, resp.Enhanced)
	assert.Contains(t, resp.Errors, tasks.IDExtract)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Transactions, 2)
	assert.Equal(t, "Food", resp.Result.Transactions[1].Category)
	require.NotNil(t, resp.Confidence)
}

func TestAnalyze_Stdin(t *testing.T) {
	cfgPath := writeTemp(t, "ledger.yaml", offlineConfig)
	out, err := execute(t, `{"vendor":"ACME","total":120,"subtotal":100,"tax":20,"items":[{"description":"Hosting","amount":100}]}`,
		"analyze", "--config", cfgPath, "--json", "-")
	require.NoError(t, err)

	var resp ledger.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "invoice", resp.Result.DocumentType)
	assert.Equal(t, "ACME", resp.Result.Vendor)
}

func TestAnalyze_BadLogLevel(t *testing.T) {
	cfgPath := writeTemp(t, "ledger.yaml", offlineConfig)
	_, err := execute(t, "", "analyze", "--config", cfgPath, "--log-level", "loud", "-")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestWriteResponse_Summary(t *testing.T) {
	resp := &ledger.Response{
		RunID:          "run-7",
		FallbackReason: "critical or structural task failure: [extract]",
		Result: &payload.CompositeResult{
			DocumentType: "statement",
			Vendor:       "First Bank",
			Currency:     "USD",
			Summary:      &payload.Summary{Income: 1000, Expenses: 250, Net: 750},
			Categories:   []payload.CategoryTotal{{Name: "Income", Amount: 1000}},
			Alerts:       []payload.Alert{{Severity: "low", Message: "Large deposit"}},
		},
		Confidence: &confidence.Assessment{OverallScore: 0.812, Level: confidence.LevelHigh},
		Errors:     map[string]string{"extract": "backend disabled"},
		Duration:   1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, resp, false))
	out := buf.String()
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "fallback: critical or structural task failure")
	assert.Contains(t, out, "1000.00 / 250.00 / 750.00 USD")
	assert.Contains(t, out, "[low] Large deposit")
	assert.Contains(t, out, "0.812 (high)")
	assert.Contains(t, out, "extract: backend disabled")

	buf.Reset()
	require.NoError(t, writeResponse(&buf, resp, true))
	assert.True(t, json.Valid(buf.Bytes()))
}

func TestApp_ApplyTracksReloadedConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	var logs bytes.Buffer
	cfg.Backend.Type = "none"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = &logs

	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	require.NoError(t, err)
	defer a.close(ctx)

	edited := *cfg
	edited.Backend.Model = "other-model"
	a.apply(&edited)

	retuned := edited
	retuned.Cache.SimilarityThreshold = 0.9
	a.apply(&retuned)

	assert.Same(t, &retuned, a.live.Load())
	assert.Equal(t, 0.9, a.cache.SimilarityThreshold())
	assert.Equal(t, 1, strings.Count(logs.String(), "backend settings changed"),
		"an unchanged backend section does not warn again")
}
