// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

var (
	tracer = otel.Tracer("aleutian.ledger.dag")
	meter  = otel.Meter("aleutian.ledger.dag")
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency bounds the number of tasks in flight. Minimum 1.
	MaxConcurrency int

	// BaseBackoff is the delay before the first retry. Retry n waits
	// BaseBackoff * 2^(n-1), capped at MaxBackoff.
	BaseBackoff time.Duration

	// MaxBackoff caps a single retry delay.
	MaxBackoff time.Duration

	// DefaultTimeout applies to tasks that leave Timeout unset.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		BaseBackoff:    250 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		DefaultTimeout: DefaultTaskTimeout,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache enables cache participation for Cacheable tasks.
func WithCache(c TaskCache) Option {
	return func(s *Scheduler) { s.cache = c }
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler executes task graphs with bounded concurrency, per-attempt
// timeouts, and retries with exponential backoff.
//
// Description:
//
//	Run plans the graph once (topological sort), records structural
//	failures, then dispatches ready tasks as soon as a concurrency slot
//	frees. A task is ready once every dependency has reached a terminal
//	outcome, success or failure. There is no cross-task cancellation: a
//	failing task never stops its siblings.
//
// Thread Safety:
//
//	Scheduler is safe for concurrent use. Concurrent runs share only the
//	cache and the configuration.
type Scheduler struct {
	mu     sync.RWMutex
	config Config

	cache  TaskCache
	logger *slog.Logger

	// sleep waits between attempts. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	metricsOnce  sync.Once
	taskLatency  metric.Float64Histogram
	taskFailures metric.Int64Counter
	taskRetries  metric.Int64Counter
	taskCached   metric.Int64Counter
	runLatency   metric.Float64Histogram
}

// NewScheduler creates a scheduler. Zero config fields take defaults.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		config: cfg.normalized(),
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reconfigure replaces the configuration. Runs already in progress keep
// the configuration they started with.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.config = cfg.normalized()
	s.mu.Unlock()
}

func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		s.taskLatency, err = meter.Float64Histogram("ledger_task_duration_seconds",
			metric.WithDescription("Time from first attempt to terminal outcome per task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_latency: "+err.Error())
		}

		s.taskFailures, err = meter.Int64Counter("ledger_task_failure_total",
			metric.WithDescription("Tasks that exhausted their retries"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_failures: "+err.Error())
		}

		s.taskRetries, err = meter.Int64Counter("ledger_task_retry_total",
			metric.WithDescription("Retry attempts issued"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_retries: "+err.Error())
		}

		s.taskCached, err = meter.Int64Counter("ledger_task_cached_total",
			metric.WithDescription("Tasks served from the similarity cache"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_cached: "+err.Error())
		}

		s.runLatency, err = meter.Float64Histogram("ledger_run_duration_seconds",
			metric.WithDescription("Total scheduler run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

type finished struct {
	task    *Task
	outcome *Outcome
}

// Run executes the graph described by req.
//
// Description:
//
//	Every task yields exactly one Outcome. Tasks in or downstream of a
//	cycle, and tasks naming unknown dependencies, are recorded in Errors
//	with a *StructuralError before anything executes. Everything else runs.
//
// Inputs:
//
//	ctx - Context for the run. Must not be nil. Cancelling it makes
//	      in-flight attempts fail and stops further retries.
//	req - The graph and its input.
//
// Outputs:
//
//	*RunResult - Results, Errors, timing, and completion order.
//	error - *StructuralError for duplicate or invalid tasks, ErrNilContext.
func (s *Scheduler) Run(ctx context.Context, req Request) (*RunResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	s.initMetrics()
	cfg := s.Config()

	plan, err := BuildPlan(req.Tasks)
	if err != nil {
		s.logger.Error("task graph rejected", slog.String("error", err.Error()))
		return nil, err
	}

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "dag.Scheduler.Run",
		trace.WithAttributes(
			attribute.String("ledger.run_id", runID),
			attribute.Int("ledger.task_count", len(req.Tasks)),
			attribute.Int("ledger.max_concurrency", cfg.MaxConcurrency),
		),
	)
	defer span.End()

	start := time.Now()
	result := &RunResult{
		RunID:   runID,
		Results: make(map[string]*Outcome, len(req.Tasks)),
		Errors:  make(map[string]*Outcome),
		Order:   make([]string, 0, len(req.Tasks)),
	}

	byID := make(map[string]*Task, len(req.Tasks))
	for i := range req.Tasks {
		byID[req.Tasks[i].ID] = &req.Tasks[i]
	}

	total := len(req.Tasks)
	done := make(map[string]bool, total)
	record := func(t *Task, o *Outcome, structural bool) {
		o.TaskID = t.ID
		o.Kind = t.Kind
		o.Critical = t.Critical
		done[t.ID] = true
		if structural || (!o.Success && t.Critical) {
			result.Errors[t.ID] = o
		} else {
			result.Results[t.ID] = o
		}
		result.Order = append(result.Order, t.ID)
		if req.OnTaskDone != nil {
			req.OnTaskDone(o, len(result.Order), total)
		}
	}

	s.logger.Info("run started",
		slog.String("run_id", runID),
		slog.Int("tasks", total),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
	)

	if len(plan.Cyclic) > 0 {
		cycleErr := &StructuralError{Err: ErrCircularDependency, TaskIDs: plan.Cyclic}
		s.logger.Error("circular dependency detected",
			slog.String("run_id", runID),
			slog.Any("tasks", plan.Cyclic),
		)
		span.RecordError(cycleErr)
		for _, id := range plan.Cyclic {
			o := &Outcome{}
			o.fail(cycleErr)
			record(byID[id], o, true)
		}
	}

	remaining := make(map[string]int, len(plan.Order))
	for _, id := range plan.Order {
		remaining[id] = countKnown(byID[id].Dependencies, byID)
	}

	var ready []string
	release := func(id string) {
		for _, child := range plan.Dependents(id) {
			remaining[child]--
			if remaining[child] == 0 && !done[child] {
				ready = append(ready, child)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool { return plan.index[ready[i]] < plan.index[ready[j]] })
	}

	for _, id := range plan.Order {
		missing, ok := plan.Unknown[id]
		if !ok {
			continue
		}
		o := &Outcome{}
		o.fail(&StructuralError{
			Err:     fmt.Errorf("%w: %s", ErrUnknownDependency, strings.Join(missing, ", ")),
			TaskIDs: []string{id},
		})
		s.logger.Error("task references unknown dependency",
			slog.String("run_id", runID),
			slog.String("task", id),
			slog.Any("missing", missing),
		)
		record(byID[id], o, true)
	}
	for _, id := range plan.Order {
		if _, ok := plan.Unknown[id]; ok {
			release(id)
		}
	}

	ready = nil
	runnable := 0
	for _, id := range plan.Order {
		if done[id] {
			continue
		}
		runnable++
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return plan.index[ready[i]] < plan.index[ready[j]] })

	doneCh := make(chan finished, runnable)
	inflight := 0
	for finishedCount := 0; finishedCount < runnable; finishedCount++ {
		for len(ready) > 0 && inflight < cfg.MaxConcurrency {
			id := ready[0]
			ready = ready[1:]
			task := byID[id]
			in := Inputs{Raw: req.Input, Deps: resolveDeps(task, result)}
			inflight++
			go func() {
				doneCh <- finished{task: task, outcome: s.execute(ctx, cfg, task, in, req, runID)}
			}()
		}
		if inflight == 0 {
			// Unreachable for a plan produced by BuildPlan.
			s.logger.Error("scheduler stalled", slog.String("run_id", runID))
			break
		}

		f := <-doneCh
		inflight--
		record(f.task, f.outcome, false)
		release(f.task.ID)
	}

	result.TotalTime = time.Since(start)
	if s.runLatency != nil {
		s.runLatency.Record(ctx, result.TotalTime.Seconds())
	}

	if result.Failed() {
		span.SetStatus(codes.Error, "critical task failed")
		s.logger.Error("run finished with critical failures",
			slog.String("run_id", runID),
			slog.Duration("duration", result.TotalTime),
			slog.Int("errors", len(result.Errors)),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		s.logger.Info("run finished",
			slog.String("run_id", runID),
			slog.Duration("duration", result.TotalTime),
			slog.Int("results", len(result.Results)),
		)
	}

	return result, nil
}

func countKnown(deps []string, byID map[string]*Task) int {
	seen := make(map[string]bool, len(deps))
	n := 0
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		if _, ok := byID[d]; ok {
			n++
		}
	}
	return n
}

// resolveDeps maps each dependency to its payload, or nil if it failed.
func resolveDeps(task *Task, result *RunResult) map[string]payload.Payload {
	deps := make(map[string]payload.Payload, len(task.Dependencies))
	for _, id := range task.Dependencies {
		if o, ok := result.Outcome(id); ok && o.Success {
			deps[id] = o.Payload
		} else {
			deps[id] = nil
		}
	}
	return deps
}

// cacheKey identifies one task invocation for the similarity cache.
type cacheKey struct {
	Task  string                     `json:"task"`
	Kind  payload.Kind               `json:"kind"`
	Input any                        `json:"input"`
	Deps  map[string]payload.Payload `json:"deps,omitempty"`
}

// taskNamespace scopes a task's cache entries to one document. Keying the
// namespace by the invocation fingerprint keeps similarity lookups from
// matching another document's task result.
func taskNamespace(cacheCtx, taskID, fingerprint string) string {
	ns := "task:" + taskID + "/" + fingerprint
	if cacheCtx == "" {
		return ns
	}
	return cacheCtx + "/" + ns
}

// execute drives one task to its terminal outcome.
func (s *Scheduler) execute(ctx context.Context, cfg Config, task *Task, in Inputs, req Request, runID string) *Outcome {
	ctx, span := tracer.Start(ctx, "dag.Task",
		trace.WithAttributes(
			attribute.String("ledger.task", task.ID),
			attribute.String("ledger.kind", string(task.Kind)),
			attribute.Bool("ledger.critical", task.Critical),
			attribute.StringSlice("ledger.dependencies", task.Dependencies),
		),
	)
	defer span.End()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	s.logger.Debug("task starting",
		slog.String("run_id", runID),
		slog.String("task", task.ID),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	o := &Outcome{}

	var (
		p       payload.Payload
		retries int
		err     error
	)
	key := cacheKey{Task: task.ID, Kind: task.Kind, Input: in.Raw, Deps: in.Deps}
	var ns string
	cacheable := task.Cacheable && s.cache != nil
	if cacheable {
		fp, fpErr := structure.Fingerprint(key)
		if fpErr != nil {
			s.logger.Debug("task input not cacheable",
				slog.String("run_id", runID),
				slog.String("task", task.ID),
				slog.String("error", fpErr.Error()),
			)
			cacheable = false
		}
		ns = taskNamespace(req.CacheContext, task.ID, fp)
	}

	switch {
	case cacheable && !req.SkipCache:
		var v any
		var cached bool
		v, cached, err = s.cache.GetOrCompute(ctx, key, ns,
			func(ctx context.Context) (any, error) {
				pp, r, e := s.attempts(ctx, cfg, task, in, timeout, runID)
				retries = r
				if e != nil {
					return nil, e
				}
				return pp, nil
			},
		)
		if err == nil {
			if pp, ok := v.(payload.Payload); ok && pp.Kind() == task.Kind {
				p = pp
				o.Cached = cached
			} else {
				p, retries, err = s.attempts(ctx, cfg, task, in, timeout, runID)
			}
		}
	case cacheable:
		p, retries, err = s.attempts(ctx, cfg, task, in, timeout, runID)
		if err == nil {
			if setErr := s.cache.Set(ctx, key, p, ns, 0); setErr != nil {
				s.logger.Warn("task cache store failed",
					slog.String("run_id", runID),
					slog.String("task", task.ID),
					slog.String("error", setErr.Error()),
				)
			}
		}
	default:
		p, retries, err = s.attempts(ctx, cfg, task, in, timeout, runID)
	}

	o.ExecutionTime = time.Since(start)
	o.RetryCount = retries
	if s.taskLatency != nil {
		s.taskLatency.Record(ctx, o.ExecutionTime.Seconds(),
			metric.WithAttributes(attribute.String("task", task.ID)),
		)
	}

	if err != nil {
		o.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.taskFailures != nil {
			s.taskFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task", task.ID),
				attribute.Bool("critical", task.Critical),
			))
		}
		level := slog.LevelWarn
		if task.Critical {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "task failed",
			slog.String("run_id", runID),
			slog.String("task", task.ID),
			slog.Bool("critical", task.Critical),
			slog.Int("retries", retries),
			slog.String("error", err.Error()),
		)
		return o
	}

	o.Success = true
	o.Payload = p
	if o.Cached && s.taskCached != nil {
		s.taskCached.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
	}
	span.SetStatus(codes.Ok, "")
	s.logger.Debug("task completed",
		slog.String("run_id", runID),
		slog.String("task", task.ID),
		slog.Bool("cached", o.Cached),
		slog.Duration("duration", o.ExecutionTime),
	)
	return o
}

// attempts runs the first attempt plus up to MaxRetries retries. It
// returns the number of retries actually issued.
func (s *Scheduler) attempts(
	ctx context.Context,
	cfg Config,
	task *Task,
	in Inputs,
	timeout time.Duration,
	runID string,
) (payload.Payload, int, error) {
	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt)
			s.logger.Warn("retrying task",
				slog.String("run_id", runID),
				slog.String("task", task.ID),
				slog.Int("retry", attempt),
				slog.Duration("delay", delay),
				slog.String("last_error", lastErr.Error()),
			)
			if s.taskRetries != nil {
				s.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
			}
			if err := s.sleep(ctx, delay); err != nil {
				return nil, attempt - 1, &OperationError{TaskID: task.ID, Attempt: attempt + 1, Err: err}
			}
		}

		p, err := s.attempt(ctx, task, in, timeout, attempt+1)
		if err == nil {
			return p, attempt, nil
		}
		lastErr = err
	}
	return nil, maxRetries, lastErr
}

type attemptResult struct {
	payload payload.Payload
	err     error
}

// attempt races one invocation of the operation against timeout. On
// timeout the invocation is abandoned; its goroutine finishes on its own.
func (s *Scheduler) attempt(
	ctx context.Context,
	task *Task,
	in Inputs,
	timeout time.Duration,
	number int,
) (payload.Payload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		p, err := task.Operation(attemptCtx, in)
		ch <- attemptResult{payload: p, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{TaskID: task.ID, Attempt: number, Timeout: timeout}
			}
			return nil, &OperationError{TaskID: task.ID, Attempt: number, Err: r.err}
		}
		if err := payload.Validate(r.payload); err != nil {
			return nil, &OperationError{TaskID: task.ID, Attempt: number, Err: err}
		}
		if r.payload.Kind() != task.Kind {
			return nil, &OperationError{
				TaskID:  task.ID,
				Attempt: number,
				Err:     fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, r.payload.Kind(), task.Kind),
			}
		}
		return r.payload, nil

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, &OperationError{TaskID: task.ID, Attempt: number, Err: ctx.Err()}
		}
		return nil, &TimeoutError{TaskID: task.ID, Attempt: number, Timeout: timeout}
	}
}

// backoff returns the delay before retry n (1-based): base * 2^(n-1).
func backoff(cfg Config, n int) time.Duration {
	d := cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
