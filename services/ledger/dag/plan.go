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
	"sort"
)

// Plan is the static analysis of a task graph, computed once before any
// task executes.
type Plan struct {
	// Order is a topological order of every task reachable by the sort.
	// Ties keep the order in which tasks were supplied.
	Order []string

	// Cyclic lists, sorted, every task the sort could not reach: members
	// of a cycle and everything downstream of one.
	Cyclic []string

	// Unknown maps a task id to the dependency ids it names that are not
	// part of the graph.
	Unknown map[string][]string

	// dependents is the reverse adjacency list over known edges.
	dependents map[string][]string

	// index is each task's position in Order.
	index map[string]int
}

// BuildPlan validates tasks and sorts them topologically (Kahn's algorithm).
//
// Description:
//
//	Duplicate ids and tasks without an id or operation make the graph
//	unusable and are returned as a *StructuralError. Unknown dependencies
//	and cycles are reported on the Plan so the scheduler can record them
//	per task and still run everything else.
//
// Inputs:
//
//	tasks - The graph. May be empty.
//
// Outputs:
//
//	*Plan - The execution plan.
//	error - *StructuralError wrapping ErrDuplicateTask or ErrInvalidTask.
func BuildPlan(tasks []Task) (*Plan, error) {
	byID := make(map[string]*Task, len(tasks))
	var dups, invalid []string
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" || t.Operation == nil {
			invalid = append(invalid, t.ID)
			continue
		}
		if _, exists := byID[t.ID]; exists {
			dups = append(dups, t.ID)
			continue
		}
		byID[t.ID] = t
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, &StructuralError{Err: ErrInvalidTask, TaskIDs: invalid}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, &StructuralError{Err: ErrDuplicateTask, TaskIDs: dedupe(dups)}
	}

	plan := &Plan{
		Unknown:    make(map[string][]string),
		dependents: make(map[string][]string),
		index:      make(map[string]int, len(tasks)),
	}

	inDegree := make(map[string]int, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		seen := make(map[string]bool, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := byID[dep]; !ok {
				plan.Unknown[t.ID] = append(plan.Unknown[t.ID], dep)
				continue
			}
			inDegree[t.ID]++
			plan.dependents[dep] = append(plan.dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for i := range tasks {
		if inDegree[tasks[i].ID] == 0 {
			queue = append(queue, tasks[i].ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		plan.index[id] = len(plan.Order)
		plan.Order = append(plan.Order, id)
		for _, child := range plan.dependents[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(plan.Order) < len(tasks) {
		for i := range tasks {
			if _, ok := plan.index[tasks[i].ID]; !ok {
				plan.Cyclic = append(plan.Cyclic, tasks[i].ID)
			}
		}
		sort.Strings(plan.Cyclic)
	}

	return plan, nil
}

// Dependents returns the ids of tasks that depend directly on id.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
