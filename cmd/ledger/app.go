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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLedger/pkg/logging"
	"github.com/AleutianAI/AleutianLedger/services/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/backend"
	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledger/cache/snapshot"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/observability"
	"github.com/AleutianAI/AleutianLedger/services/ledger/tasks"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// app owns every long-lived component of one process.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	registry  *prometheus.Registry
	cache     *cache.SimilarityCache
	scheduler *dag.Scheduler
	client    backend.Client
	pipeline  *ledger.Pipeline
	snapshots *snapshot.Store
	sink      observability.RunSink

	overrides atomic.Pointer[map[string]tasks.Override]
	live      atomic.Pointer[config.Config]
	shutdown  []func(context.Context) error
}

// newApp wires the pipeline from cfg. withTelemetry installs the global
// otel providers; one-shot commands skip it.
func newApp(ctx context.Context, cfg *config.Config, withTelemetry bool) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Logger)

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.live.Store(cfg)
	a.shutdown = append(a.shutdown, func(context.Context) error { return logger.Close() })
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if withTelemetry {
		tcfg := cfg.Telemetry
		tcfg.Registerer = a.registry
		stop, err := telemetry.Init(ctx, tcfg)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.shutdown = append(a.shutdown, stop)
	}

	log := logger.Logger
	a.cache = cache.New(
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithSimilarityThreshold(cfg.Cache.SimilarityThreshold),
		cache.WithLogger(log),
	)

	if cfg.Snapshot.Enabled() {
		store, err := snapshot.Open(snapshot.Config{Path: cfg.Snapshot.Path, Logger: log}, ledger.SnapshotCodec{})
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		a.snapshots = store
		if n, err := store.Restore(ctx, a.cache); err != nil {
			log.Warn("cache snapshot not restored", slog.String("error", err.Error()))
		} else {
			log.Info("cache warmed from snapshot", slog.Int("entries", n))
		}
	}

	a.scheduler = dag.NewScheduler(cfg.Scheduler.DAG(), dag.WithCache(a.cache), dag.WithLogger(log))

	a.client, err = backend.New(cfg.Backend, log)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("init backend: %w", err)
	}

	scorer, err := confidence.NewScorer(
		confidence.WithWeights(cfg.Confidence.Weights),
		confidence.WithHistory(confidence.NewHistory(cfg.Confidence.HistoryLimit)),
		confidence.WithLogger(log),
	)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("init scorer: %w", err)
	}

	a.sink = observability.NopSink{}
	if cfg.Influx.Enabled() {
		sink, err := observability.NewInfluxSink(cfg.Influx)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("init influx sink: %w", err)
		}
		a.sink = sink
	}

	overrides := cfg.Tasks
	a.overrides.Store(&overrides)

	a.pipeline, err = ledger.New(a.scheduler, a.cache, scorer,
		ledger.WithGraph(a.graph),
		ledger.WithMetrics(observability.NewMetrics(a.registry)),
		ledger.WithSink(a.sink),
		ledger.WithResultTTL(cfg.Cache.ResultTTL),
		ledger.WithLogger(log),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// graph builds the default task graph with the current overrides.
func (a *app) graph() ([]dag.Task, error) {
	return tasks.DefaultGraph(a.client, *a.overrides.Load(), tasks.WithLogger(a.logger.Logger))
}

// apply hot-reloads the settings that can change without a restart.
// Restart-only changes are reported against the previously applied config,
// so each edit warns once.
func (a *app) apply(next *config.Config) {
	log := a.logger.Logger
	prev := a.live.Swap(next)
	a.scheduler.Reconfigure(next.Scheduler.DAG())
	a.cache.SetSimilarityThreshold(next.Cache.SimilarityThreshold)
	overrides := next.Tasks
	a.overrides.Store(&overrides)

	if next.Backend != prev.Backend {
		log.Warn("backend settings changed; restart to apply")
	}
	if next.Server.Addr != prev.Server.Addr {
		log.Warn("server address changed; restart to apply")
	}
	log.Info("configuration applied",
		slog.Int("max_concurrency", next.Scheduler.MaxConcurrency),
		slog.Float64("similarity_threshold", next.Cache.SimilarityThreshold),
		slog.Int("task_overrides", len(next.Tasks)),
	)
}

// maintain prunes the cache and saves snapshots until ctx is done.
func (a *app) maintain(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if iv := a.cfg.Cache.PruneInterval; iv > 0 {
		g.Go(func() error {
			return every(ctx, iv, func() {
				if n := a.cache.Prune(ctx); n > 0 {
					a.logger.Debug("cache pruned", slog.Int("entries", n))
				}
			})
		})
	}
	if a.snapshots != nil && a.cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			return every(ctx, a.cfg.Snapshot.Interval, func() { a.saveSnapshot(ctx) })
		})
	}
	return g.Wait()
}

func (a *app) saveSnapshot(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	n, err := a.snapshots.Save(ctx, a.cache)
	if err != nil {
		a.logger.Warn("cache snapshot failed", slog.String("error", err.Error()))
		return
	}
	a.logger.Debug("cache snapshot saved", slog.Int("entries", n))
}

// every calls fn each interval until ctx is done. It returns nil on cancellation.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

// close saves a final snapshot and releases everything, newest first.
func (a *app) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if a.snapshots != nil {
		a.saveSnapshot(ctx)
		errs = append(errs, a.snapshots.Close())
	}
	if a.sink != nil {
		a.sink.Close()
	}
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	backend.Purge()
	return errors.Join(errs...)
}
