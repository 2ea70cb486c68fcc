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
	"math"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

// Tolerance is the absolute tolerance for arithmetic comparisons.
const Tolerance = 0.01

// neutral is returned by a dimension that has nothing to evaluate.
const neutral = 0.5

// Check names reported in Assessment.Details and FailedChecks.
const (
	CheckNetArithmetic      = "net_arithmetic"
	CheckNonNegativeTotals  = "non_negative_totals"
	CheckInvoiceTotals      = "invoice_totals"
	CheckNonNegativeInvoice = "non_negative_invoice"
	CheckMixedSigns         = "mixed_signs"
	CheckCategoryDiversity  = "category_diversity"
	CheckMagnitude          = "magnitude"
	CheckTransactionTotals  = "transaction_totals"
	CheckLineItemSubtotal   = "line_item_subtotal"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Dimension Dimension `json:"dimension"`
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
}

var catchAllCategories = map[string]bool{
	"":              true,
	"other":         true,
	"uncategorized": true,
	"misc":          true,
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= Tolerance+1e-9
}

func ratio(checks []CheckResult) float64 {
	if len(checks) == 0 {
		return neutral
	}
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(checks))
}

// =============================================================================
// Completeness
// =============================================================================

var rowFields = []string{"date", "description", "amount", "category"}

// completeness returns present/expected over the checklist of top-level
// keys and, unless the data is simple, per-row transaction fields.
func completeness(r *payload.CompositeResult, cx Complexity) float64 {
	m, err := structure.ToMap(r)
	if err != nil {
		return 0
	}

	totals := "summary"
	if r.DocumentType == "invoice" {
		totals = "invoice"
	}
	expected := []string{"documentType", "vendor", "currency", totals, "transactions", "categories"}

	total, present := 0, 0
	for _, key := range expected {
		total++
		if nonEmpty(m[key]) {
			present++
		}
	}

	if cx != ComplexitySimple {
		rows, _ := m["transactions"].([]any)
		for _, row := range rows {
			fields, _ := row.(map[string]any)
			for _, f := range rowFields {
				total++
				if nonEmpty(fields[f]) {
					present++
				}
			}
		}
	}
	return float64(present) / float64(total)
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// =============================================================================
// Consistency
// =============================================================================

func consistency(r *payload.CompositeResult) []CheckResult {
	var out []CheckResult
	add := func(name string, passed bool) {
		out = append(out, CheckResult{Dimension: DimensionConsistency, Name: name, Passed: passed})
	}
	if s := r.Summary; s != nil {
		add(CheckNetArithmetic, approxEqual(s.Income-s.Expenses, s.Net))
		add(CheckNonNegativeTotals, s.Income >= 0 && s.Expenses >= 0)
	}
	if inv := r.Invoice; inv != nil {
		add(CheckInvoiceTotals, approxEqual(inv.Subtotal+inv.Tax, inv.Total))
		add(CheckNonNegativeInvoice, inv.Subtotal >= 0 && inv.Tax >= 0 && inv.Total >= 0)
	}
	return out
}

// =============================================================================
// Pattern match
// =============================================================================

func magnitudeLimit(cx Complexity) float64 {
	switch cx {
	case ComplexitySimple:
		return 1e6
	case ComplexityComplex:
		return 1e10
	default:
		return 1e8
	}
}

func patterns(r *payload.CompositeResult, cx Complexity) []CheckResult {
	var out []CheckResult
	add := func(name string, passed bool) {
		out = append(out, CheckResult{Dimension: DimensionPatternMatch, Name: name, Passed: passed})
	}

	signed := make([]float64, 0, len(r.Transactions)+len(r.Categories))
	if len(r.Categories) > 0 {
		for _, c := range r.Categories {
			signed = append(signed, c.Amount)
		}
	} else {
		for _, t := range r.Transactions {
			signed = append(signed, t.Amount)
		}
	}
	if len(signed) >= 2 {
		pos, neg := false, false
		for _, a := range signed {
			pos = pos || a > 0
			neg = neg || a < 0
		}
		add(CheckMixedSigns, pos && neg)
	}

	names := make(map[string]bool)
	for _, t := range r.Transactions {
		names[strings.ToLower(strings.TrimSpace(t.Category))] = true
	}
	for _, c := range r.Categories {
		names[strings.ToLower(strings.TrimSpace(c.Name))] = true
	}
	if len(names) > 0 {
		diverse := false
		for n := range names {
			if !catchAllCategories[n] {
				diverse = true
				break
			}
		}
		add(CheckCategoryDiversity, diverse)
	}

	amounts := r.Amounts()
	if len(amounts) > 0 {
		limit := magnitudeLimit(cx)
		sane := true
		for _, a := range amounts {
			if math.IsNaN(a) || math.IsInf(a, 0) || math.Abs(a) > limit {
				sane = false
				break
			}
		}
		add(CheckMagnitude, sane)
	}
	return out
}

// =============================================================================
// Historical accuracy
// =============================================================================

// historical blends Jaccard similarity against prior entries, weighting each
// similarity by itself: sum(s^2)/sum(s).
func historical(paths structure.PathSet, prior []HistoryEntry) float64 {
	if len(prior) == 0 {
		return neutral
	}
	var num, den float64
	for _, e := range prior {
		s := structure.Jaccard(paths, e.Paths)
		num += s * s
		den += s
	}
	if den == 0 {
		return 0
	}
	return math.Min(1, num/den)
}

// =============================================================================
// Cross-validation
// =============================================================================

func crossValidation(r *payload.CompositeResult) (float64, []CheckResult) {
	if v := r.Validation; v != nil {
		if len(v.Checks) > 0 {
			var sum float64
			for _, c := range v.Checks {
				sum += c.Confidence
			}
			return clamp(sum / float64(len(v.Checks))), nil
		}
		return clamp(v.Confidence), nil
	}

	var checks []CheckResult
	add := func(name string, passed bool) {
		checks = append(checks, CheckResult{Dimension: DimensionCrossValidation, Name: name, Passed: passed})
	}
	if len(r.Transactions) > 0 {
		var income, expenses float64
		for _, t := range r.Transactions {
			if t.Amount >= 0 {
				income += t.Amount
			} else {
				expenses -= t.Amount
			}
		}
		if s := r.Summary; s != nil {
			add(CheckTransactionTotals, approxEqual(income, s.Income) && approxEqual(expenses, s.Expenses))
		}
		if inv := r.Invoice; inv != nil {
			add(CheckLineItemSubtotal, approxEqual(income-expenses, inv.Subtotal))
		}
	}

	score := neutral
	for _, c := range checks {
		if c.Passed {
			score += 0.25
		} else {
			score -= 0.25
		}
	}
	return clamp(score), checks
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
