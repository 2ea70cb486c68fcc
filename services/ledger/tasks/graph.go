// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks defines the invoice task graph and its backend operations.
//
// The default graph is:
//
//	extract ─┬─> categorize ─┬─> insights
//	         │               └─> validate
//	         └─> risk
//
// extract is the only critical task. insights and validate also depend on
// extract directly and run with a nil categorization if categorize fails.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/backend"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// Task ids of the default graph.
const (
	IDExtract    = "extract"
	IDCategorize = "categorize"
	IDRisk       = "risk"
	IDInsights   = "insights"
	IDValidate   = "validate"
)

var (
	// ErrUnknownTask is returned for an override naming a task outside the graph.
	ErrUnknownTask = errors.New("unknown task id")

	// ErrFoundationDisabled is returned when overrides disable extraction.
	ErrFoundationDisabled = errors.New("extraction task cannot be disabled")

	// ErrMissingDependency is returned by an operation whose required
	// dependency failed.
	ErrMissingDependency = errors.New("required dependency unavailable")
)

// Override adjusts one task of the default graph. Zero fields keep defaults.
type Override struct {
	Critical   *bool         `yaml:"critical" json:"critical,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxRetries *int          `yaml:"max_retries" json:"maxRetries,omitempty" validate:"omitempty,gte=0,lte=10"`
	Disabled   bool          `yaml:"disabled" json:"disabled,omitempty"`
}

// DefaultGraph returns the invoice task graph bound to client.
//
// Description:
//
//	Builds the five tasks with their defaults, then applies overrides.
//	Disabling a task also removes it from every other task's dependency
//	list, so dependents still run.
//
// Inputs:
//
//	client - Backend for every operation. Must not be nil.
//	overrides - Per-task adjustments keyed by task id. May be nil.
//	opts - Operation options.
//
// Outputs:
//
//	[]dag.Task - Tasks in declaration order.
//	error - ErrUnknownTask, ErrFoundationDisabled, or a nil client error.
func DefaultGraph(client backend.Client, overrides map[string]Override, opts ...Option) ([]dag.Task, error) {
	if client == nil {
		return nil, errors.New("backend client must not be nil")
	}
	ops := NewOps(client, opts...)

	tasks := []dag.Task{
		{
			ID:         IDExtract,
			Kind:       payload.KindExtraction,
			Operation:  ops.Extract,
			Critical:   true,
			Timeout:    60 * time.Second,
			MaxRetries: 2,
			Cacheable:  true,
		},
		{
			ID:           IDCategorize,
			Kind:         payload.KindCategorization,
			Operation:    ops.Categorize,
			Dependencies: []string{IDExtract},
			Timeout:      30 * time.Second,
			MaxRetries:   1,
			Cacheable:    true,
		},
		{
			ID:           IDRisk,
			Kind:         payload.KindRisk,
			Operation:    ops.Risk,
			Dependencies: []string{IDExtract},
			Timeout:      30 * time.Second,
			MaxRetries:   1,
		},
		{
			ID:           IDInsights,
			Kind:         payload.KindInsight,
			Operation:    ops.Insights,
			Dependencies: []string{IDExtract, IDCategorize},
			Timeout:      45 * time.Second,
			MaxRetries:   1,
		},
		{
			ID:           IDValidate,
			Kind:         payload.KindValidation,
			Operation:    ops.Validate,
			Dependencies: []string{IDExtract, IDCategorize},
			Timeout:      30 * time.Second,
			MaxRetries:   1,
		},
	}
	return Apply(tasks, overrides)
}

// Apply applies overrides to tasks and returns the adjusted copy.
func Apply(tasks []dag.Task, overrides map[string]Override) ([]dag.Task, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !known[id] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
		}
	}

	disabled := make(map[string]bool)
	for id, o := range overrides {
		if o.Disabled {
			if id == IDExtract {
				return nil, ErrFoundationDisabled
			}
			disabled[id] = true
		}
	}

	out := make([]dag.Task, 0, len(tasks))
	for _, t := range tasks {
		if disabled[t.ID] {
			continue
		}
		if o, ok := overrides[t.ID]; ok {
			if o.Critical != nil {
				t.Critical = *o.Critical
			}
			if o.Timeout > 0 {
				t.Timeout = o.Timeout
			}
			if o.MaxRetries != nil {
				t.MaxRetries = *o.MaxRetries
			}
		}
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			if !disabled[d] {
				deps = append(deps, d)
			}
		}
		t.Dependencies = deps
		out = append(out, t)
	}
	return out, nil
}
