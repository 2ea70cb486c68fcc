// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger runs the document analysis pipeline:
//
//	cache lookup -> task graph -> fusion -> confidence -> cache store
//
// The pipeline never fails past its own boundary for expected failure
// modes. A structural graph error, a failed critical task, or a fusion
// error switches to the local fallback, whose result is tagged
// Enhanced=false and is never cached.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/fallback"
	"github.com/AleutianAI/AleutianLedger/services/ledger/fusion"
	"github.com/AleutianAI/AleutianLedger/services/ledger/observability"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

var tracer = otel.Tracer("aleutian.ledger.pipeline")

// pipelinePrefix namespaces whole-run cache entries.
const pipelinePrefix = "pipeline:"

// DefaultResultTTL is how long a whole-run result stays cached.
const DefaultResultTTL = time.Hour

// Progress milestones.
const (
	progressStart     = 5
	progressCache     = 10
	progressTasksLow  = 20
	progressTasksHigh = 80
	progressFused     = 85
	progressFallback  = 90
	progressScored    = 95
	progressDone      = 100
)

// ErrNoTasks is reported when a request has no tasks and no default graph.
var ErrNoTasks = errors.New("no tasks to run")

// =============================================================================
// Collaborators
// =============================================================================

// Runner executes a task graph.
type Runner interface {
	Run(ctx context.Context, req dag.Request) (*dag.RunResult, error)
}

// Scorer evaluates a composite result.
type Scorer interface {
	Score(ctx context.Context, r *payload.CompositeResult, sc confidence.ScoreContext) (*confidence.Assessment, error)
}

// ResultCache stores whole-run results.
type ResultCache interface {
	Get(ctx context.Context, input any, cacheCtx string) (cache.Hit, bool)
	Set(ctx context.Context, input, value any, cacheCtx string, ttl time.Duration) error
}

// GraphFunc builds the task graph for requests that carry none.
type GraphFunc func() ([]dag.Task, error)

// ProgressFunc receives coarse milestones in [0,100].
type ProgressFunc func(percent int, message string)

// =============================================================================
// Request / Response
// =============================================================================

// Request is one pipeline run.
type Request struct {
	// Input is the raw document object.
	Input any

	// Tasks overrides the default graph when non-empty.
	Tasks []dag.Task

	// CacheContext namespaces cache entries, usually per user.
	CacheContext string

	// SubjectID selects the confidence history. Defaults to CacheContext.
	SubjectID string

	// Complexity hints the confidence scorer.
	Complexity confidence.Complexity

	// Progress is called at milestones. May be nil.
	Progress ProgressFunc

	// SkipCache bypasses the whole-run and task cache lookups. Fresh
	// results are still stored.
	SkipCache bool
}

// Response is what every run returns.
type Response struct {
	RunID          string                   `json:"runId"`
	Result         *payload.CompositeResult `json:"result"`
	Confidence     *confidence.Assessment   `json:"confidence,omitempty"`
	Errors         map[string]string        `json:"errors"`
	Tasks          map[string]*dag.Outcome  `json:"tasks,omitempty"`
	Enhanced       bool                     `json:"enhanced"`
	FromCache      bool                     `json:"fromCache"`
	Adapted        bool                     `json:"adapted,omitempty"`
	Similarity     float64                  `json:"similarity,omitempty"`
	FallbackReason string                   `json:"fallbackReason,omitempty"`
	Duration       time.Duration            `json:"duration"`
}

// CachedRun is the whole-run cache value.
type CachedRun struct {
	Result     *payload.CompositeResult `json:"result"`
	Confidence *confidence.Assessment   `json:"confidence"`
}

// CacheStructure implements cache.Structured: adapted lookups compare the
// new input with the cached composite result.
func (r *CachedRun) CacheStructure() any { return r.Result }

// =============================================================================
// Pipeline
// =============================================================================

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGraph sets the graph used when a request carries no tasks.
func WithGraph(g GraphFunc) Option {
	return func(p *Pipeline) { p.graph = g }
}

// WithMetrics records every run in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSink ships a record of every run to s.
func WithSink(s observability.RunSink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithResultTTL sets the whole-run cache TTL.
func WithResultTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.resultTTL = ttl
		}
	}
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides time.Now for run records.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline orchestrates one analysis per Run call.
//
// Thread Safety: Safe for concurrent use. Concurrent runs share the
// cache, the scorer history, and the runner.
type Pipeline struct {
	runner    Runner
	cache     ResultCache
	scorer    Scorer
	graph     GraphFunc
	metrics   *observability.Metrics
	sink      observability.RunSink
	resultTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a pipeline. runner, c, and scorer are required.
func New(runner Runner, c ResultCache, scorer Scorer, opts ...Option) (*Pipeline, error) {
	if runner == nil || c == nil || scorer == nil {
		return nil, errors.New("runner, cache, and scorer are required")
	}
	p := &Pipeline{
		runner:    runner,
		cache:     c,
		scorer:    scorer,
		sink:      observability.NopSink{},
		resultTTL: DefaultResultTTL,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Analyze runs the default graph against input.
func (p *Pipeline) Analyze(ctx context.Context, input any, subjectID string) *Response {
	return p.Run(ctx, Request{Input: input, CacheContext: subjectID, SubjectID: subjectID})
}

// Run executes one pipeline run.
//
// Description:
//
//	Checks the whole-run cache, runs the task graph, fuses the outcomes,
//	scores the composite, and caches it. Any structural error, failed
//	critical task, or fusion error produces the fallback result instead.
//
// Inputs:
//
//	ctx - Context for the run. nil is treated as context.Background().
//	req - The request.
//
// Outputs:
//
//	*Response - Never nil. Errors maps task id (or "pipeline") to message.
func (p *Pipeline) Run(ctx context.Context, req Request) *Response {
	if ctx == nil {
		ctx = context.Background()
	}
	start := p.now()
	ctx, span := tracer.Start(ctx, "ledger.Pipeline.Run")
	defer span.End()

	if req.SubjectID == "" {
		req.SubjectID = req.CacheContext
	}
	progress := req.Progress
	if progress == nil {
		progress = func(int, string) {}
	}
	resp := &Response{RunID: uuid.NewString(), Errors: map[string]string{}}
	span.SetAttributes(
		attribute.String("ledger.run_id", resp.RunID),
		attribute.String("ledger.cache_context", req.CacheContext),
	)
	progress(progressStart, "Starting analysis")

	resultCtx := pipelinePrefix + req.CacheContext
	if !req.SkipCache && req.Input != nil {
		if hit, ok := p.cache.Get(ctx, req.Input, resultCtx); ok {
			if run, ok := hit.Value.(*CachedRun); ok && run.Result != nil {
				progress(progressCache, "Cached result found")
				resp.Result = run.Result.Clone()
				resp.Confidence = run.Confidence
				resp.Enhanced = run.Result.Enhanced
				resp.FromCache = true
				resp.Adapted = hit.Adapted
				resp.Similarity = hit.Similarity
				return p.finish(ctx, req, resp, start, progress)
			}
		}
	}
	progress(progressCache, "Cache checked")

	composite, reason := p.orchestrate(ctx, req, resp, progress)
	if composite == nil {
		span.SetStatus(codes.Error, reason)
		p.logger.Warn("using local fallback",
			slog.String("run_id", resp.RunID),
			slog.String("reason", reason),
		)
		resp.FallbackReason = reason
		resp.Result = fallback.Compute(req.Input)
		progress(progressFallback, "Fallback analysis computed")
	} else {
		resp.Result = composite
		resp.Enhanced = true
		progress(progressFused, "Results merged")
	}

	assessment, err := p.scorer.Score(ctx, resp.Result, confidence.ScoreContext{
		SubjectID:  req.SubjectID,
		Complexity: req.Complexity,
	})
	if err != nil {
		resp.Errors["confidence"] = err.Error()
	} else {
		resp.Confidence = assessment
	}
	progress(progressScored, "Confidence scored")

	if resp.Enhanced && req.Input != nil {
		run := &CachedRun{Result: resp.Result.Clone(), Confidence: resp.Confidence}
		if err := p.cache.Set(ctx, req.Input, run, resultCtx, p.resultTTL); err != nil {
			p.logger.Warn("failed to cache run result",
				slog.String("run_id", resp.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
	return p.finish(ctx, req, resp, start, progress)
}

// orchestrate runs the graph and fuses it. A nil composite means fallback,
// with reason describing why.
func (p *Pipeline) orchestrate(ctx context.Context, req Request, resp *Response, progress ProgressFunc) (*payload.CompositeResult, string) {
	graph := req.Tasks
	if len(graph) == 0 {
		if p.graph == nil {
			resp.Errors["pipeline"] = ErrNoTasks.Error()
			return nil, ErrNoTasks.Error()
		}
		var err error
		graph, err = p.graph()
		if err != nil {
			resp.Errors["pipeline"] = err.Error()
			return nil, fmt.Sprintf("build task graph: %v", err)
		}
	}

	width := progressTasksHigh - progressTasksLow
	result, err := p.runner.Run(ctx, dag.Request{
		Tasks:        graph,
		Input:        req.Input,
		CacheContext: req.CacheContext,
		SkipCache:    req.SkipCache,
		OnTaskDone: func(o *dag.Outcome, completed, total int) {
			if total == 0 {
				return
			}
			pct := progressTasksLow + width*completed/total
			status := "completed"
			if !o.Success {
				status = "failed"
			}
			progress(pct, fmt.Sprintf("Task %s %s", o.TaskID, status))
		},
	})
	if err != nil {
		resp.Errors["pipeline"] = err.Error()
		return nil, fmt.Sprintf("task graph rejected: %v", err)
	}

	resp.Tasks = make(map[string]*dag.Outcome, len(result.Results)+len(result.Errors))
	for id, o := range result.Results {
		resp.Tasks[id] = o
		if !o.Success {
			resp.Errors[id] = o.Error
		}
	}
	for id, o := range result.Errors {
		resp.Tasks[id] = o
		resp.Errors[id] = o.Error
	}

	if result.Failed() {
		ids := make([]string, 0, len(result.Errors))
		for id := range result.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return nil, fmt.Sprintf("critical or structural task failure: %v", ids)
	}

	composite, err := fusion.Merge(result.Results)
	if err != nil {
		resp.Errors["fusion"] = err.Error()
		return nil, err.Error()
	}
	return composite, ""
}

func (p *Pipeline) finish(ctx context.Context, req Request, resp *Response, start time.Time, progress ProgressFunc) *Response {
	resp.Duration = p.now().Sub(start)
	progress(progressDone, "Analysis complete")

	rec := observability.RunRecord{
		RunID:        resp.RunID,
		SubjectID:    req.SubjectID,
		CacheContext: req.CacheContext,
		Outcome:      outcomeOf(resp),
		Duration:     resp.Duration,
		Timestamp:    start,
	}
	if resp.Confidence != nil && !resp.FromCache {
		rec.Confidence = resp.Confidence.OverallScore
		rec.Level = string(resp.Confidence.Level)
	}
	for id, o := range resp.Tasks {
		if !o.Success {
			rec.FailedTasks = append(rec.FailedTasks, id)
		}
	}
	sort.Strings(rec.FailedTasks)

	p.metrics.ObserveRun(rec)
	if err := p.sink.Record(ctx, rec); err != nil {
		p.logger.Warn("failed to record run", slog.String("run_id", resp.RunID), slog.String("error", err.Error()))
	}

	p.logger.Info("pipeline run finished",
		slog.String("run_id", resp.RunID),
		slog.String("outcome", rec.Outcome),
		slog.Duration("duration", resp.Duration),
		slog.Int("errors", len(resp.Errors)),
	)
	return resp
}

func outcomeOf(resp *Response) string {
	switch {
	case resp.Adapted:
		return observability.OutcomeAdapted
	case resp.FromCache:
		return observability.OutcomeCached
	case resp.Enhanced:
		return observability.OutcomeEnhanced
	default:
		return observability.OutcomeFallback
	}
}
