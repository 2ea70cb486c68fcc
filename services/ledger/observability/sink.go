// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurement is the InfluxDB measurement for run records.
const measurement = "ledger_runs"

// RunSink receives a record of every pipeline run.
type RunSink interface {
	Record(ctx context.Context, rec RunRecord) error
	Close()
}

// NopSink discards records.
type NopSink struct{}

// Record implements RunSink.
func (NopSink) Record(context.Context, RunRecord) error { return nil }

// Close implements RunSink.
func (NopSink) Close() {}

// InfluxConfig locates the InfluxDB bucket for run records.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// InfluxSink writes run records to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates a sink. Org and Bucket are required.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink requires url, org, and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Record implements RunSink.
func (s *InfluxSink) Record(ctx context.Context, rec RunRecord) error {
	return s.writeAPI.WritePoint(ctx, point(rec))
}

// Close implements RunSink.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func point(rec RunRecord) *write.Point {
	return influxdb2.NewPointWithMeasurement(measurement).
		AddTag("outcome", rec.Outcome).
		AddTag("subject", rec.SubjectID).
		AddTag("cache_context", rec.CacheContext).
		AddTag("level", rec.Level).
		AddField("run_id", rec.RunID).
		AddField("duration_ms", rec.Duration.Milliseconds()).
		AddField("confidence", rec.Confidence).
		AddField("failed_tasks", strings.Join(rec.FailedTasks, ",")).
		AddField("failed_count", len(rec.FailedTasks)).
		SetTime(rec.Timestamp)
}
