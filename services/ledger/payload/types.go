// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package payload

// =============================================================================
// Shared building blocks
// =============================================================================

// Transaction is one row of a statement or one line item of an invoice.
// Positive amounts are income, negative amounts are expenses.
type Transaction struct {
	Date        string  `json:"date,omitempty" validate:"max=32"`
	Description string  `json:"description,omitempty" validate:"max=512"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category,omitempty" validate:"max=64"`
}

// Summary carries statement-level totals.
type Summary struct {
	Income   float64 `json:"income"`
	Expenses float64 `json:"expenses"`
	Net      float64 `json:"net"`
}

// InvoiceTotals carries invoice-level totals.
type InvoiceTotals struct {
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

// CategoryTotal is the aggregated amount for one category.
type CategoryTotal struct {
	Name   string  `json:"name" validate:"required,max=64"`
	Amount float64 `json:"amount"`
}

// Alert is a flagged condition raised by a risk or insight contributor.
type Alert struct {
	Source   string `json:"source,omitempty"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=info low medium high critical"`
	Message  string `json:"message" validate:"required,max=1024"`
}

// Insights is the narrative block produced by the insight task.
type Insights struct {
	Summary         string   `json:"summary,omitempty"`
	Trends          []string `json:"trends,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// =============================================================================
// Task payloads
// =============================================================================

// ExtractionResult is the foundational structured data for a document.
type ExtractionResult struct {
	DocumentType string          `json:"documentType,omitempty" validate:"max=32"`
	Vendor       string          `json:"vendor,omitempty" validate:"max=256"`
	Currency     string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Summary      *Summary        `json:"summary,omitempty"`
	Invoice      *InvoiceTotals  `json:"invoice,omitempty"`
	Transactions []Transaction   `json:"transactions,omitempty" validate:"dive"`
	Categories   []CategoryTotal `json:"categories,omitempty" validate:"dive"`
}

// Kind implements Payload.
func (*ExtractionResult) Kind() Kind { return KindExtraction }

// IsEmpty reports whether the extraction carries no usable data.
func (r *ExtractionResult) IsEmpty() bool {
	if r == nil {
		return true
	}
	return r.DocumentType == "" &&
		r.Vendor == "" &&
		r.Summary == nil &&
		r.Invoice == nil &&
		len(r.Transactions) == 0 &&
		len(r.Categories) == 0
}

// CategoryAssignment assigns a category to the transaction at Index.
type CategoryAssignment struct {
	Index    int    `json:"index" validate:"gte=0"`
	Category string `json:"category" validate:"required,max=64"`
}

// CategorizationResult replaces the default per-transaction categories.
type CategorizationResult struct {
	Assignments []CategoryAssignment `json:"assignments,omitempty" validate:"dive"`
	Categories  []CategoryTotal      `json:"categories,omitempty" validate:"dive"`
}

// Kind implements Payload.
func (*CategorizationResult) Kind() Kind { return KindCategorization }

// RiskResult is the output of the risk task.
type RiskResult struct {
	Level  string  `json:"level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Alerts []Alert `json:"alerts,omitempty" validate:"dive"`
}

// Kind implements Payload.
func (*RiskResult) Kind() Kind { return KindRisk }

// InsightResult is the output of the insight task.
type InsightResult struct {
	Alerts     []Alert   `json:"alerts,omitempty" validate:"dive"`
	Highlights []string  `json:"highlights,omitempty"`
	Insights   *Insights `json:"insights,omitempty"`
}

// Kind implements Payload.
func (*InsightResult) Kind() Kind { return KindInsight }

// ValidatorCheck is one externally computed validation check.
type ValidatorCheck struct {
	Name       string  `json:"name" validate:"required,max=128"`
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Corrections are fields a validator believes the extraction got wrong.
// A nil field means no correction.
type Corrections struct {
	DocumentType *string        `json:"documentType,omitempty"`
	Vendor       *string        `json:"vendor,omitempty"`
	Currency     *string        `json:"currency,omitempty" validate:"omitempty,len=3"`
	Summary      *Summary       `json:"summary,omitempty"`
	Invoice      *InvoiceTotals `json:"invoice,omitempty"`
}

func (c *Corrections) clone() *Corrections {
	if c == nil {
		return nil
	}
	return &Corrections{
		DocumentType: clonePtr(c.DocumentType),
		Vendor:       clonePtr(c.Vendor),
		Currency:     clonePtr(c.Currency),
		Summary:      clonePtr(c.Summary),
		Invoice:      clonePtr(c.Invoice),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IsEmpty reports whether c carries no corrected field.
func (c *Corrections) IsEmpty() bool {
	return c == nil || (c.DocumentType == nil && c.Vendor == nil && c.Currency == nil &&
		c.Summary == nil && c.Invoice == nil)
}

// ValidationResult is the output of the validation task.
type ValidationResult struct {
	Valid       bool             `json:"valid"`
	Confidence  float64          `json:"confidence" validate:"gte=0,lte=1"`
	Issues      []string         `json:"issues,omitempty"`
	Checks      []ValidatorCheck `json:"checks,omitempty" validate:"dive"`
	Corrections *Corrections     `json:"corrections,omitempty"`
}

// Kind implements Payload.
func (*ValidationResult) Kind() Kind { return KindValidation }

// =============================================================================
// Composite
// =============================================================================

// CompositeResult is the fused output of one pipeline run.
//
// Enhanced is false when the result came from the local fallback instead
// of the orchestrated task graph. Sources lists the task ids whose
// payloads were applied, in application order.
type CompositeResult struct {
	DocumentType string            `json:"documentType,omitempty"`
	Vendor       string            `json:"vendor,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Summary      *Summary          `json:"summary,omitempty"`
	Invoice      *InvoiceTotals    `json:"invoice,omitempty"`
	Transactions []Transaction     `json:"transactions,omitempty"`
	Categories   []CategoryTotal   `json:"categories,omitempty"`
	RiskLevel    string            `json:"riskLevel,omitempty"`
	Alerts       []Alert           `json:"alerts,omitempty"`
	Highlights   []string          `json:"highlights,omitempty"`
	Insights     *Insights         `json:"insights,omitempty"`
	Validation   *ValidationResult `json:"validation,omitempty"`
	Enhanced     bool              `json:"enhanced"`
	Sources      []string          `json:"sources,omitempty"`
}

// FromExtraction builds a composite whose fields are deep copies of r.
func FromExtraction(r *ExtractionResult) *CompositeResult {
	c := &CompositeResult{}
	if r == nil {
		return c
	}
	c.DocumentType = r.DocumentType
	c.Vendor = r.Vendor
	c.Currency = r.Currency
	if r.Summary != nil {
		s := *r.Summary
		c.Summary = &s
	}
	if r.Invoice != nil {
		inv := *r.Invoice
		c.Invoice = &inv
	}
	c.Transactions = append([]Transaction(nil), r.Transactions...)
	c.Categories = append([]CategoryTotal(nil), r.Categories...)
	return c
}

// Clone returns a deep copy of c.
func (c *CompositeResult) Clone() *CompositeResult {
	if c == nil {
		return nil
	}
	out := *c
	if c.Summary != nil {
		s := *c.Summary
		out.Summary = &s
	}
	if c.Invoice != nil {
		inv := *c.Invoice
		out.Invoice = &inv
	}
	out.Transactions = append([]Transaction(nil), c.Transactions...)
	out.Categories = append([]CategoryTotal(nil), c.Categories...)
	out.Alerts = append([]Alert(nil), c.Alerts...)
	out.Highlights = append([]string(nil), c.Highlights...)
	out.Sources = append([]string(nil), c.Sources...)
	if c.Insights != nil {
		ins := *c.Insights
		ins.Trends = append([]string(nil), c.Insights.Trends...)
		ins.Recommendations = append([]string(nil), c.Insights.Recommendations...)
		out.Insights = &ins
	}
	if c.Validation != nil {
		v := *c.Validation
		v.Issues = append([]string(nil), c.Validation.Issues...)
		v.Checks = append([]ValidatorCheck(nil), c.Validation.Checks...)
		v.Corrections = c.Validation.Corrections.clone()
		out.Validation = &v
	}
	return &out
}

// Amounts returns every monetary value carried by c, used by plausibility checks.
func (c *CompositeResult) Amounts() []float64 {
	if c == nil {
		return nil
	}
	var out []float64
	if c.Summary != nil {
		out = append(out, c.Summary.Income, c.Summary.Expenses, c.Summary.Net)
	}
	if c.Invoice != nil {
		out = append(out, c.Invoice.Subtotal, c.Invoice.Tax, c.Invoice.Total)
	}
	for _, t := range c.Transactions {
		out = append(out, t.Amount)
	}
	for _, cat := range c.Categories {
		out = append(out, cat.Amount)
	}
	return out
}
