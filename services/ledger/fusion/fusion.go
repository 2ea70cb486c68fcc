// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fusion merges task outcomes into one CompositeResult.
//
// The extraction payload is the base. Other contributors overlay it in a
// fixed priority order (categorization, risk, insight, validation), ties
// broken by source id:
//
//   - categorization replaces per-transaction categories and category totals
//   - risk sets the risk level and appends alerts
//   - insight appends alerts and highlights and sets the insights block
//   - validation attaches itself and applies its corrections over the base
//
// Array fields are concatenated without deduplication. Failed or missing
// contributors are skipped; only a missing or empty extraction is an error.
package fusion

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

var (
	// ErrMissingFoundation means no successful extraction contributed.
	ErrMissingFoundation = errors.New("foundational extraction result missing")

	// ErrEmptyFoundation means the extraction succeeded but carried no data.
	ErrEmptyFoundation = errors.New("foundational extraction result empty")

	// ErrMerge is wrapped by every MergeError.
	ErrMerge = errors.New("merge failed")
)

// MergeError is returned when the composite cannot be built.
type MergeError struct {
	// Source is the foundational contributor id, if one was found.
	Source string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%v: %v", ErrMerge, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrMerge, e.Source, e.Err)
}

// Unwrap returns the cause.
func (e *MergeError) Unwrap() error { return e.Err }

// Is matches ErrMerge.
func (e *MergeError) Is(target error) bool { return target == ErrMerge }

// Contribution is one contributor's output.
type Contribution struct {
	Source  string
	Success bool
	Payload payload.Payload
}

// Merge fuses scheduler outcomes. Only outcomes in the map are considered;
// callers pass RunResult.Results.
func Merge(outcomes map[string]*dag.Outcome) (*payload.CompositeResult, error) {
	cs := make([]Contribution, 0, len(outcomes))
	for id, o := range outcomes {
		if o == nil {
			continue
		}
		cs = append(cs, Contribution{Source: id, Success: o.Success, Payload: o.Payload})
	}
	return MergeContributions(cs)
}

// MergeContributions fuses an unordered list of contributions.
//
// Outputs:
//
//	*payload.CompositeResult - The composite, Enhanced set, Sources in
//	                           application order.
//	error - *MergeError if the foundation is missing or empty.
func MergeContributions(cs []Contribution) (*payload.CompositeResult, error) {
	usable := make([]Contribution, 0, len(cs))
	for _, c := range cs {
		if !c.Success || c.Payload == nil || payload.Validate(c.Payload) != nil {
			continue
		}
		usable = append(usable, c)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		pi, pj := usable[i].Payload.Kind().Priority(), usable[j].Payload.Kind().Priority()
		if pi != pj {
			return pi < pj
		}
		return usable[i].Source < usable[j].Source
	})

	if len(usable) == 0 || usable[0].Payload.Kind() != payload.KindExtraction {
		return nil, &MergeError{Err: ErrMissingFoundation}
	}
	base := usable[0]
	extraction := base.Payload.(*payload.ExtractionResult)
	if extraction.IsEmpty() {
		return nil, &MergeError{Source: base.Source, Err: ErrEmptyFoundation}
	}

	out := payload.FromExtraction(extraction)
	out.Enhanced = true
	out.Sources = []string{base.Source}

	for _, c := range usable[1:] {
		switch p := c.Payload.(type) {
		case *payload.ExtractionResult:
			// Only the first extraction is foundational.
			continue
		case *payload.CategorizationResult:
			applyCategorization(out, p)
		case *payload.RiskResult:
			applyRisk(out, c.Source, p)
		case *payload.InsightResult:
			applyInsight(out, c.Source, p)
		case *payload.ValidationResult:
			applyValidation(out, p)
		default:
			continue
		}
		out.Sources = append(out.Sources, c.Source)
	}
	return out, nil
}

func applyCategorization(out *payload.CompositeResult, p *payload.CategorizationResult) {
	for _, a := range p.Assignments {
		if a.Index >= 0 && a.Index < len(out.Transactions) {
			out.Transactions[a.Index].Category = a.Category
		}
	}
	if len(p.Categories) > 0 {
		out.Categories = append([]payload.CategoryTotal(nil), p.Categories...)
	}
}

func applyRisk(out *payload.CompositeResult, source string, p *payload.RiskResult) {
	if p.Level != "" {
		out.RiskLevel = p.Level
	}
	out.Alerts = appendAlerts(out.Alerts, source, p.Alerts)
}

func applyInsight(out *payload.CompositeResult, source string, p *payload.InsightResult) {
	out.Alerts = appendAlerts(out.Alerts, source, p.Alerts)
	out.Highlights = append(out.Highlights, p.Highlights...)
	if p.Insights != nil {
		ins := *p.Insights
		ins.Trends = append([]string(nil), p.Insights.Trends...)
		ins.Recommendations = append([]string(nil), p.Insights.Recommendations...)
		out.Insights = &ins
	}
}

func applyValidation(out *payload.CompositeResult, p *payload.ValidationResult) {
	v := *p
	v.Issues = append([]string(nil), p.Issues...)
	v.Checks = append([]payload.ValidatorCheck(nil), p.Checks...)
	out.Validation = &v

	c := p.Corrections
	if c.IsEmpty() {
		return
	}
	if c.DocumentType != nil {
		out.DocumentType = *c.DocumentType
	}
	if c.Vendor != nil {
		out.Vendor = *c.Vendor
	}
	if c.Currency != nil {
		out.Currency = *c.Currency
	}
	if c.Summary != nil {
		s := *c.Summary
		out.Summary = &s
	}
	if c.Invoice != nil {
		inv := *c.Invoice
		out.Invoice = &inv
	}
}

func appendAlerts(dst []payload.Alert, source string, alerts []payload.Alert) []payload.Alert {
	for _, a := range alerts {
		if a.Source == "" {
			a.Source = source
		}
		dst = append(dst, a)
	}
	return dst
}
