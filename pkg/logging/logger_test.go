// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("err = %v, want ErrUnknownLevel", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_slogLevel(t *testing.T) {
	if LevelWarn.slogLevel() != slog.LevelWarn {
		t.Error("LevelWarn should map to slog.LevelWarn")
	}
	if Level(42).slogLevel() != slog.LevelInfo {
		t.Error("unknown levels should map to slog.LevelInfo")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_JSONOutputWithService(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatJSON, Service: "ledger", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Info("run finished", "run_id", "r-1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "run finished" || rec["service"] != "ledger" || rec["run_id"] != "r-1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_AutoFormatIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format on a buffer should be JSON, got %q", buf.String())
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatText, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Format: FormatText, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("dropped")
	l.Warn("kept")
	if strings.Contains(buf.String(), "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn record should be written")
	}
	if l.Level() != LevelWarn {
		t.Errorf("Level() = %v, want WARN", l.Level())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml", Output: &bytes.Buffer{}}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNew_FileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatText, LogDir: dir, Service: "ledger-test", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Error("task failed", "task", "extract")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(buf.String(), "task failed") {
		t.Error("console should receive the record")
	}
	if !strings.HasPrefix(l.Path(), dir) || !strings.HasSuffix(l.Path(), ".log") {
		t.Fatalf("Path() = %q", l.Path())
	}
	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file record is not JSON: %v", err)
	}
	if rec["task"] != "extract" || rec["service"] != "ledger-test" {
		t.Errorf("file record = %v", rec)
	}
}

func TestNew_QuietWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Quiet: true, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Error("nowhere")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close without file: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l, err := New(Config{Quiet: true, LogDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); !strings.HasPrefix(got, home) {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

// =============================================================================
// multiHandler Tests
// =============================================================================

func TestMultiHandler_FanOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	log := slog.New(h).With("run_id", "r-9").WithGroup("task")

	log.Debug("debug only", "id", "extract")
	log.Error("both", "id", "risk")

	if !strings.Contains(a.String(), "debug only") || !strings.Contains(a.String(), "both") {
		t.Errorf("debug handler = %q", a.String())
	}
	if strings.Contains(b.String(), "debug only") || !strings.Contains(b.String(), "task.id=risk") {
		t.Errorf("error handler = %q", b.String())
	}
	if !strings.Contains(b.String(), "run_id=r-9") {
		t.Errorf("attrs not propagated: %q", b.String())
	}
}
