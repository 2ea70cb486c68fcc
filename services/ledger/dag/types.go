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
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// DefaultTaskTimeout is used when a task does not set Timeout.
const DefaultTaskTimeout = 30 * time.Second

// Operation is the unit of work behind a task.
//
// It receives the raw pipeline input and the resolved payloads of its
// dependencies. A dependency that failed resolves to nil; operations decide
// for themselves whether they can proceed without it.
type Operation func(ctx context.Context, in Inputs) (payload.Payload, error)

// Task describes one node of the graph.
type Task struct {
	// ID uniquely identifies the task within a run.
	ID string

	// Kind is the payload kind the operation must return.
	Kind payload.Kind

	// Operation performs the work. Required.
	Operation Operation

	// Dependencies lists task ids that must reach a terminal outcome first.
	Dependencies []string

	// Critical tasks that exhaust their retries are reported in RunResult.Errors.
	Critical bool

	// Timeout bounds each attempt. Zero uses the scheduler default.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Cacheable tasks consult the scheduler's TaskCache before running.
	Cacheable bool
}

// Inputs is what an operation receives.
type Inputs struct {
	// Raw is the caller's input object for this run.
	Raw any

	// Deps maps dependency id to its payload, or nil if it failed.
	Deps map[string]payload.Payload
}

// Dep returns the payload of dependency id, or nil.
func (in Inputs) Dep(id string) payload.Payload {
	return in.Deps[id]
}

// Outcome is the terminal result of one task. Exactly one exists per task per run.
type Outcome struct {
	TaskID        string          `json:"taskId"`
	Kind          payload.Kind    `json:"kind"`
	Success       bool            `json:"success"`
	Payload       payload.Payload `json:"payload,omitempty"`
	Err           error           `json:"-"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime time.Duration   `json:"executionTime"`
	RetryCount    int             `json:"retryCount"`
	Cached        bool            `json:"cached,omitempty"`
	Critical      bool            `json:"critical,omitempty"`
}

func (o *Outcome) fail(err error) {
	o.Success = false
	o.Payload = nil
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// RunResult is what Run returns.
//
// Results holds successful outcomes and the failed outcomes of
// non-critical tasks. Errors holds failed critical tasks and tasks that
// could not run because of a structural problem.
type RunResult struct {
	RunID     string              `json:"runId"`
	Results   map[string]*Outcome `json:"results"`
	Errors    map[string]*Outcome `json:"errors"`
	TotalTime time.Duration       `json:"totalTime"`

	// Order lists task ids in the order they reached a terminal outcome.
	Order []string `json:"order"`
}

// Outcome returns the outcome of id from either map.
func (r *RunResult) Outcome(id string) (*Outcome, bool) {
	if o, ok := r.Results[id]; ok {
		return o, true
	}
	o, ok := r.Errors[id]
	return o, ok
}

// Failed reports whether any critical or structural failure occurred.
func (r *RunResult) Failed() bool {
	return len(r.Errors) > 0
}

// TaskCache is the slice of the similarity cache the scheduler needs.
type TaskCache interface {
	GetOrCompute(
		ctx context.Context,
		input any,
		cacheCtx string,
		compute func(context.Context) (any, error),
	) (value any, cached bool, err error)

	// Set stores a freshly computed value. ttl <= 0 uses the cache default.
	Set(ctx context.Context, input, value any, cacheCtx string, ttl time.Duration) error
}

// TaskDoneFunc observes each terminal outcome. completed counts outcomes
// recorded so far, including structural failures recorded before execution.
type TaskDoneFunc func(o *Outcome, completed, total int)

// Request is one scheduler run.
type Request struct {
	// Tasks form the graph.
	Tasks []Task

	// Input is passed to every operation as Inputs.Raw.
	Input any

	// CacheContext namespaces cache entries for cacheable tasks.
	CacheContext string

	// SkipCache runs cacheable tasks without consulting the cache. Their
	// fresh results are still stored.
	SkipCache bool

	// OnTaskDone, if set, is called from the scheduling goroutine.
	OnTaskDone TaskDoneFunc
}
