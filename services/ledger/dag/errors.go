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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrStructural is wrapped by every StructuralError.
	ErrStructural = errors.New("invalid task graph")

	// ErrDuplicateTask is returned when two tasks share an id.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrInvalidTask is returned for a task without an id or operation.
	ErrInvalidTask = errors.New("task must have an id and an operation")

	// ErrUnknownDependency is recorded for a task naming a dependency that is not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCircularDependency is recorded for every task the topological sort cannot reach.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrTimeout is wrapped by every TimeoutError.
	ErrTimeout = errors.New("task attempt timed out")

	// ErrOperation is wrapped by every OperationError.
	ErrOperation = errors.New("task operation failed")

	// ErrKindMismatch is returned when an operation yields a payload of another kind.
	ErrKindMismatch = errors.New("payload kind does not match task kind")
)

// StructuralError describes a configuration error in the task graph.
//
// Duplicate ids make the whole run invalid and are returned from Run.
// Cycles and unknown dependencies only affect the tasks involved and are
// recorded on their outcomes.
type StructuralError struct {
	// Err is one of ErrDuplicateTask, ErrInvalidTask, ErrUnknownDependency, ErrCircularDependency.
	Err error

	// TaskIDs lists every task involved, sorted.
	TaskIDs []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%v: %v [%s]", ErrStructural, e.Err, strings.Join(e.TaskIDs, ", "))
}

// Unwrap returns the specific structural cause.
func (e *StructuralError) Unwrap() error { return e.Err }

// Is matches ErrStructural.
func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// TimeoutError reports that one attempt exceeded its deadline.
type TimeoutError struct {
	TaskID  string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q attempt %d: %v after %s", e.TaskID, e.Attempt, ErrTimeout, e.Timeout)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// OperationError wraps a failure returned by the task operation itself,
// including a payload that failed boundary validation.
type OperationError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("task %q attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error { return e.Err }

// Is matches ErrOperation.
func (e *OperationError) Is(target error) bool { return target == ErrOperation }
