// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.ledger.cache")
	meter  = otel.Meter("aleutian.ledger.cache")
)

var (
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	cacheExpirations metric.Int64Counter
	cacheGetLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"ledger_cache_hits_total",
			metric.WithDescription("Cache hits, exact or adapted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"ledger_cache_misses_total",
			metric.WithDescription("Cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"ledger_cache_evictions_total",
			metric.WithDescription("Entries evicted to make room"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheExpirations, err = meter.Int64Counter(
			"ledger_cache_expirations_total",
			metric.WithDescription("Entries removed after their TTL elapsed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"ledger_cache_get_duration_seconds",
			metric.WithDescription("Duration of cache lookups"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context, cacheCtx string, adapted bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("context", cacheCtx),
		attribute.Bool("adapted", adapted),
	))
}

func recordMiss(ctx context.Context, cacheCtx string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("context", cacheCtx)))
}

func recordEvictions(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, int64(n))
}

func recordExpirations(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	cacheExpirations.Add(ctx, int64(n))
}

func recordGetLatency(ctx context.Context, d time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("hit", hit)))
}

func startSpan(ctx context.Context, operation, cacheCtx string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "SimilarityCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.context", cacheCtx),
		),
	)
}
