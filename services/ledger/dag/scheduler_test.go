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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

// =============================================================================
// Helpers
// =============================================================================

func riskOK(ctx context.Context, in Inputs) (payload.Payload, error) {
	return &payload.RiskResult{Level: "low"}, nil
}

func riskTask(id string, deps ...string) Task {
	return Task{ID: id, Kind: payload.KindRisk, Operation: riskOK, Dependencies: deps}
}

// eventLog records start/finish events in global order.
type eventLog struct {
	mu     sync.Mutex
	seq    int
	starts map[string]int
	ends   map[string]int
}

func newEventLog() *eventLog {
	return &eventLog{starts: map[string]int{}, ends: map[string]int{}}
}

func (l *eventLog) wrap(id string, d time.Duration) Operation {
	return func(ctx context.Context, in Inputs) (payload.Payload, error) {
		l.mu.Lock()
		l.seq++
		l.starts[id] = l.seq
		l.mu.Unlock()

		time.Sleep(d)

		l.mu.Lock()
		l.seq++
		l.ends[id] = l.seq
		l.mu.Unlock()
		return &payload.RiskResult{}, nil
	}
}

func fastScheduler(cfg Config) *Scheduler {
	s := NewScheduler(cfg)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

// =============================================================================
// Ordering
// =============================================================================

func TestScheduler_DiamondOrdering(t *testing.T) {
	for i := 0; i < 20; i++ {
		log := newEventLog()
		tasks := []Task{
			{ID: "D", Kind: payload.KindRisk, Operation: log.wrap("D", time.Millisecond), Dependencies: []string{"B", "C"}},
			{ID: "B", Kind: payload.KindRisk, Operation: log.wrap("B", 2*time.Millisecond), Dependencies: []string{"A"}},
			{ID: "C", Kind: payload.KindRisk, Operation: log.wrap("C", time.Millisecond), Dependencies: []string{"A"}},
			{ID: "A", Kind: payload.KindRisk, Operation: log.wrap("A", time.Millisecond)},
		}

		res, err := fastScheduler(Config{MaxConcurrency: 4}).Run(context.Background(), Request{Tasks: tasks})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := len(res.Results) + len(res.Errors); got != 4 {
			t.Fatalf("outcomes = %d, want 4", got)
		}
		if log.ends["A"] > log.starts["B"] || log.ends["A"] > log.starts["C"] {
			t.Fatalf("A must finish before B and C start: %+v %+v", log.starts, log.ends)
		}
		if log.ends["B"] > log.starts["D"] || log.ends["C"] > log.starts["D"] {
			t.Fatalf("B and C must finish before D starts: %+v %+v", log.starts, log.ends)
		}
		if res.Order[0] != "A" || res.Order[3] != "D" {
			t.Fatalf("unexpected completion order %v", res.Order)
		}
	}
}

func TestScheduler_DispatchesWithoutWaitingForBatch(t *testing.T) {
	log := newEventLog()
	tasks := []Task{
		{ID: "slow", Kind: payload.KindRisk, Operation: log.wrap("slow", 150*time.Millisecond)},
		{ID: "fast", Kind: payload.KindRisk, Operation: log.wrap("fast", time.Millisecond)},
		{ID: "after-fast", Kind: payload.KindRisk, Operation: log.wrap("after-fast", time.Millisecond), Dependencies: []string{"fast"}},
	}

	if _, err := fastScheduler(Config{MaxConcurrency: 2}).Run(context.Background(), Request{Tasks: tasks}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if log.starts["after-fast"] > log.ends["slow"] {
		t.Fatalf("after-fast should start while slow is in flight: starts=%v ends=%v", log.starts, log.ends)
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	var current, peak int32
	op := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &payload.RiskResult{}, nil
	}

	var tasks []Task
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks = append(tasks, Task{ID: id, Kind: payload.KindRisk, Operation: op})
	}

	res, err := fastScheduler(Config{MaxConcurrency: 2}).Run(context.Background(), Request{Tasks: tasks})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(res.Results))
	}
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

// =============================================================================
// Retries and timeouts
// =============================================================================

func TestScheduler_RetriesWithIncreasingBackoff(t *testing.T) {
	var calls int32
	failing := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("backend unavailable")
	}

	s := NewScheduler(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Minute})
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := s.Run(context.Background(), Request{Tasks: []Task{
		{ID: "extract", Kind: payload.KindExtraction, Operation: failing, MaxRetries: 2, Critical: true},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 3 {
		t.Fatalf("attempts = %d, want 3", calls)
	}
	if len(delays) != 2 || !(delays[0] < delays[1]) {
		t.Fatalf("backoff delays = %v, want two strictly increasing delays", delays)
	}
	if delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("backoff delays = %v, want [100ms 200ms]", delays)
	}

	o, ok := res.Errors["extract"]
	if !ok {
		t.Fatalf("critical failure should be in Errors: %+v", res)
	}
	if o.RetryCount != 2 || o.Success {
		t.Fatalf("outcome = %+v, want 2 retries and failure", o)
	}
	if !errors.Is(o.Err, ErrOperation) {
		t.Fatalf("err = %v, want ErrOperation", o.Err)
	}
}

func TestScheduler_RetrySucceeds(t *testing.T) {
	var calls int32
	flaky := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		if atomic.AddInt32(&calls, 1) < 2 {
			return nil, errors.New("transient")
		}
		return &payload.RiskResult{Level: "medium"}, nil
	}

	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{
		{ID: "risk", Kind: payload.KindRisk, Operation: flaky, MaxRetries: 3},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	o := res.Results["risk"]
	if o == nil || !o.Success || o.RetryCount != 1 {
		t.Fatalf("outcome = %+v, want success after 1 retry", o)
	}
}

func TestScheduler_Timeout(t *testing.T) {
	block := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &payload.RiskResult{}, nil
		}
	}

	start := time.Now()
	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{
		{ID: "slow", Kind: payload.KindRisk, Operation: block, Timeout: 20 * time.Millisecond, MaxRetries: 1},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("run did not honour the timeout")
	}

	o := res.Results["slow"]
	if o == nil || o.Success {
		t.Fatalf("non-critical timeout should be a failed outcome in Results: %+v", res)
	}
	var te *TimeoutError
	if !errors.As(o.Err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", o.Err)
	}
	if te.Attempt != 2 || o.RetryCount != 1 {
		t.Fatalf("timeout on attempt %d with %d retries, want attempt 2 and 1 retry", te.Attempt, o.RetryCount)
	}
}

func TestScheduler_AbandonsOperationIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		<-release
		return &payload.RiskResult{}, nil
	}

	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{
		{ID: "stuck", Kind: payload.KindRisk, Operation: stubborn, Timeout: 10 * time.Millisecond},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Results["stuck"].Err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Results["stuck"].Err)
	}
}

// =============================================================================
// Failure semantics
// =============================================================================

func TestScheduler_NonCriticalFailureResolvesToNil(t *testing.T) {
	var sawNil atomic.Bool
	tasks := []Task{
		{ID: "extract", Kind: payload.KindExtraction, Critical: true, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			return &payload.ExtractionResult{Vendor: "ACME"}, nil
		}},
		{ID: "categorize", Kind: payload.KindCategorization, Dependencies: []string{"extract"}, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			return nil, errors.New("model refused")
		}},
		{ID: "insights", Kind: payload.KindInsight, Dependencies: []string{"extract", "categorize"}, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			if in.Dep("categorize") == nil && in.Dep("extract") != nil {
				sawNil.Store(true)
			}
			return &payload.InsightResult{Highlights: []string{"ok"}}, nil
		}},
	}

	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: tasks})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() {
		t.Fatalf("non-critical failure must not populate Errors: %+v", res.Errors)
	}
	if res.Results["categorize"].Success {
		t.Fatalf("categorize should have failed")
	}
	if !res.Results["insights"].Success || !sawNil.Load() {
		t.Fatalf("insights should run with a nil categorize dependency")
	}
}

func TestScheduler_CriticalFailureDoesNotCancelSiblings(t *testing.T) {
	tasks := []Task{
		{ID: "extract", Kind: payload.KindExtraction, Critical: true, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			return nil, errors.New("ocr failed")
		}},
		riskTask("risk"),
		riskTask("after", "extract"),
	}

	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: tasks})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := res.Errors["extract"]; !ok {
		t.Fatalf("critical failure missing from Errors")
	}
	if !res.Results["risk"].Success || !res.Results["after"].Success {
		t.Fatalf("other tasks should still complete: %+v", res.Results)
	}
}

func TestScheduler_ValidatesPayloadAtBoundary(t *testing.T) {
	tasks := []Task{
		{ID: "wrong-kind", Kind: payload.KindExtraction, Operation: riskOK},
		{ID: "nil-payload", Kind: payload.KindRisk, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			return nil, nil
		}},
		{ID: "invalid", Kind: payload.KindRisk, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			return &payload.RiskResult{Level: "apocalyptic"}, nil
		}},
	}

	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: tasks})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Results["wrong-kind"].Err, ErrKindMismatch) {
		t.Fatalf("wrong-kind err = %v", res.Results["wrong-kind"].Err)
	}
	if !errors.Is(res.Results["nil-payload"].Err, payload.ErrNilPayload) {
		t.Fatalf("nil-payload err = %v", res.Results["nil-payload"].Err)
	}
	if !errors.Is(res.Results["invalid"].Err, payload.ErrInvalidPayload) {
		t.Fatalf("invalid err = %v", res.Results["invalid"].Err)
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{
		{ID: "boom", Kind: payload.KindRisk, Operation: func(ctx context.Context, in Inputs) (payload.Payload, error) {
			panic("unexpected")
		}},
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Results["boom"].Err, ErrOperation) {
		t.Fatalf("err = %v, want ErrOperation", res.Results["boom"].Err)
	}
}

// =============================================================================
// Structural errors
// =============================================================================

func TestScheduler_CycleRecordedAndRunTerminates(t *testing.T) {
	tasks := []Task{
		riskTask("A"),
		riskTask("B", "A", "C"),
		riskTask("C", "B"),
		riskTask("D", "C"),
	}

	done := make(chan *RunResult, 1)
	go func() {
		res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: tasks})
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	var res *RunResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate")
	}
	if res == nil {
		t.FailNow()
	}

	if !res.Results["A"].Success {
		t.Fatalf("A is outside the cycle and should run")
	}
	for _, id := range []string{"B", "C", "D"} {
		o, ok := res.Errors[id]
		if !ok {
			t.Fatalf("%s should be recorded in Errors", id)
		}
		var se *StructuralError
		if !errors.As(o.Err, &se) || !errors.Is(o.Err, ErrCircularDependency) {
			t.Fatalf("%s err = %v, want circular StructuralError", id, o.Err)
		}
		if len(se.TaskIDs) != 3 {
			t.Fatalf("cycle ids = %v, want all three unreachable tasks", se.TaskIDs)
		}
	}
}

func TestScheduler_DuplicateIDs(t *testing.T) {
	_, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{riskTask("A"), riskTask("A")}})
	if !errors.Is(err, ErrStructural) || !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("err = %v, want duplicate StructuralError", err)
	}
}

func TestScheduler_UnknownDependency(t *testing.T) {
	res, err := fastScheduler(Config{}).Run(context.Background(), Request{Tasks: []Task{
		riskTask("A", "ghost"),
		riskTask("B", "A"),
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Errors["A"].Err, ErrUnknownDependency) {
		t.Fatalf("A err = %v", res.Errors["A"].Err)
	}
	if !res.Results["B"].Success {
		t.Fatalf("B should run with a nil dependency")
	}
}

func TestScheduler_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := NewScheduler(Config{}).Run(nil, Request{}); !errors.Is(err, ErrNilContext) {
		t.Fatalf("err = %v, want ErrNilContext", err)
	}
}

func TestScheduler_EmptyGraph(t *testing.T) {
	res, err := NewScheduler(Config{}).Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results)+len(res.Errors) != 0 || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

// =============================================================================
// Hooks and cache
// =============================================================================

func TestScheduler_OnTaskDone(t *testing.T) {
	var seen []int
	total := 0
	_, err := fastScheduler(Config{}).Run(context.Background(), Request{
		Tasks: []Task{riskTask("A"), riskTask("B", "A"), riskTask("C", "ghost")},
		OnTaskDone: func(o *Outcome, completed, n int) {
			seen = append(seen, completed)
			total = n
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if total != 3 || len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("progress = %v of %d", seen, total)
	}
}

type mapCache struct {
	mu    sync.Mutex
	items map[string]any
}

func (c *mapCache) GetOrCompute(ctx context.Context, input any, ns string, compute func(context.Context) (any, error)) (any, bool, error) {
	fp, err := structure.Fingerprint(input)
	if err != nil {
		return nil, false, err
	}
	key := ns + ":" + fp
	c.mu.Lock()
	v, ok := c.items[key]
	c.mu.Unlock()
	if ok {
		return v, true, nil
	}
	v, err = compute(ctx)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	c.items[key] = v
	c.mu.Unlock()
	return v, false, nil
}

func (c *mapCache) Set(_ context.Context, input, value any, ns string, _ time.Duration) error {
	fp, err := structure.Fingerprint(input)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[ns+":"+fp] = value
	c.mu.Unlock()
	return nil
}

func (c *mapCache) namespaces() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.items))
	for k := range c.items {
		out[k[:strings.LastIndex(k, ":")]] = true
	}
	return out
}

func TestScheduler_CacheableTasks(t *testing.T) {
	var calls int32
	op := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return &payload.ExtractionResult{Vendor: "ACME"}, nil
	}
	cache := &mapCache{items: map[string]any{}}
	s := NewScheduler(Config{}, WithCache(cache))
	req := Request{
		Tasks:        []Task{{ID: "extract", Kind: payload.KindExtraction, Operation: op, Cacheable: true}},
		Input:        map[string]any{"text": "invoice 42"},
		CacheContext: "user-1",
	}

	first, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 1 {
		t.Fatalf("operation calls = %d, want 1", calls)
	}
	if first.Results["extract"].Cached || !second.Results["extract"].Cached {
		t.Fatalf("cached flags: first=%v second=%v", first.Results["extract"].Cached, second.Results["extract"].Cached)
	}
}

func TestScheduler_CacheNamespacedPerDocument(t *testing.T) {
	var calls int32
	op := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return &payload.ExtractionResult{Vendor: "ACME"}, nil
	}
	cache := &mapCache{items: map[string]any{}}
	s := NewScheduler(Config{}, WithCache(cache))
	tasks := []Task{{ID: "extract", Kind: payload.KindExtraction, Operation: op, Cacheable: true}}

	for _, text := range []string{"FIRST BANK statement", "ACME CORP INVOICE #77"} {
		res, err := s.Run(context.Background(), Request{Tasks: tasks, Input: map[string]any{"text": text}, CacheContext: "user-1"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Results["extract"].Cached {
			t.Fatalf("document %q served from another document's cache entry", text)
		}
	}
	if calls != 2 {
		t.Fatalf("operation calls = %d, want 2", calls)
	}
	if n := len(cache.namespaces()); n != 2 {
		t.Fatalf("namespaces = %d, want one per document", n)
	}
}

func TestScheduler_SkipCacheStillStores(t *testing.T) {
	var calls int32
	op := func(ctx context.Context, in Inputs) (payload.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return &payload.ExtractionResult{Vendor: "ACME"}, nil
	}
	cache := &mapCache{items: map[string]any{}}
	s := NewScheduler(Config{}, WithCache(cache))
	req := Request{
		Tasks:        []Task{{ID: "extract", Kind: payload.KindExtraction, Operation: op, Cacheable: true}},
		Input:        map[string]any{"text": "invoice 42"},
		CacheContext: "user-1",
	}

	if _, err := s.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req.SkipCache = true
	skipped, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if skipped.Results["extract"].Cached || calls != 2 {
		t.Fatalf("skip run: cached=%v calls=%d, want fresh computation", skipped.Results["extract"].Cached, calls)
	}

	req.SkipCache = false
	again, err := s.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !again.Results["extract"].Cached || calls != 2 {
		t.Fatalf("after skip: cached=%v calls=%d, want cached result", again.Results["extract"].Cached, calls)
	}
}

func TestScheduler_Reconfigure(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrency: 2})
	s.Reconfigure(Config{MaxConcurrency: 8})
	if got := s.Config().MaxConcurrency; got != 8 {
		t.Fatalf("MaxConcurrency = %d, want 8", got)
	}
	s.Reconfigure(Config{})
	if got := s.Config().MaxConcurrency; got != DefaultConfig().MaxConcurrency {
		t.Fatalf("zero config should normalise to defaults, got %d", got)
	}
}

// =============================================================================
// Plan and backoff
// =============================================================================

func TestBuildPlan_Order(t *testing.T) {
	plan, err := BuildPlan([]Task{riskTask("D", "B", "C"), riskTask("B", "A"), riskTask("C", "A"), riskTask("A")})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	want := []string{"A", "B", "C", "D"}
	for i, id := range want {
		if plan.Order[i] != id {
			t.Fatalf("order = %v, want %v", plan.Order, want)
		}
	}
	if len(plan.Cyclic) != 0 {
		t.Fatalf("unexpected cyclic tasks %v", plan.Cyclic)
	}
}

func TestBuildPlan_InvalidTask(t *testing.T) {
	_, err := BuildPlan([]Task{{ID: "no-op", Kind: payload.KindRisk}})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := backoff(cfg, i+1); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}
