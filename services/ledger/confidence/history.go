// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package confidence

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

// DefaultHistoryLimit is the per-subject ring buffer capacity.
const DefaultHistoryLimit = 100

// HistoryEntry is one previously scored result.
type HistoryEntry struct {
	Result    *payload.CompositeResult
	Paths     structure.PathSet
	Timestamp time.Time
}

// History is a per-subject bounded ring buffer of scored results.
//
// Thread Safety: Safe for concurrent use. Append and Snapshot on the same
// subject are serialized by one mutex.
type History struct {
	mu       sync.Mutex
	limit    int
	subjects map[string]*ring
}

type ring struct {
	buf  []HistoryEntry
	next int
	full bool
}

// NewHistory creates a history with the given per-subject limit.
// A non-positive limit uses DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, subjects: make(map[string]*ring)}
}

// Append records e for subject, overwriting the oldest entry when full.
func (h *History) Append(subject string, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.subjects[subject]
	if !ok {
		r = &ring{buf: make([]HistoryEntry, h.limit)}
		h.subjects[subject] = r
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % h.limit
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the subject's entries, oldest first.
func (h *History) Snapshot(subject string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.subjects[subject]
	if !ok {
		return nil
	}
	if !r.full {
		return append([]HistoryEntry(nil), r.buf[:r.next]...)
	}
	out := make([]HistoryEntry, 0, h.limit)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Len returns the number of entries held for subject.
func (h *History) Len(subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.subjects[subject]
	if !ok {
		return 0
	}
	if r.full {
		return h.limit
	}
	return r.next
}

// Reset drops the subject's history.
func (h *History) Reset(subject string) {
	h.mu.Lock()
	delete(h.subjects, subject)
	h.mu.Unlock()
}
