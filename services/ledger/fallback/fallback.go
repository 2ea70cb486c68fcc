// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback computes a deterministic composite from the raw input
// alone, with no backend calls. Pipelines use it when the orchestrated path
// fails; its results are tagged Enhanced=false.
package fallback

import (
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/AleutianAI/AleutianLedger/services/ledger/jsonrepair"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// Source is the Sources entry of every fallback result.
const Source = "fallback"

// DefaultCategory is assigned to expenses no keyword matches.
const DefaultCategory = "Other"

// IncomeCategory is assigned to positive amounts no keyword matches.
const IncomeCategory = "Income"

var (
	listKeys = []string{"transactions", "items", "lineItems", "line_items", "rows"}
	textKeys = []string{"text", "ocrText", "content"}

	amountLine  = regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2})?\s*(.*?)\s+(-?\(?[$€£]?-?[\d,]+(?:\.\d+)?\)?)\s*$`)
	amountNoise = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "")
)

// keywordCategories maps lower-case substrings to categories, checked in order.
var keywordCategories = []struct {
	keyword  string
	category string
}{
	{"salary", "Income"},
	{"payroll", "Income"},
	{"deposit", "Income"},
	{"grocer", "Food"},
	{"restaurant", "Food"},
	{"cafe", "Food"},
	{"coffee", "Food"},
	{"rent", "Housing"},
	{"mortgage", "Housing"},
	{"electric", "Utilities"},
	{"water", "Utilities"},
	{"internet", "Utilities"},
	{"phone", "Utilities"},
	{"fuel", "Transport"},
	{"taxi", "Transport"},
	{"uber", "Transport"},
	{"airline", "Travel"},
	{"hotel", "Travel"},
	{"hosting", "Software"},
	{"subscription", "Software"},
	{"software", "Software"},
	{"office", "Office"},
	{"supplies", "Office"},
	{"insurance", "Insurance"},
	{"tax", "Taxes"},
}

// Categorize returns the keyword category for a description and amount.
func Categorize(description string, amount float64) string {
	d := strings.ToLower(description)
	for _, kc := range keywordCategories {
		if strings.Contains(d, kc.keyword) {
			return kc.category
		}
	}
	if amount > 0 {
		return IncomeCategory
	}
	return DefaultCategory
}

// Compute derives a composite from raw.
//
// Description:
//
//	Structured input (a JSON object, or text that repairs into one) is
//	read field by field with lenient coercion. Plain text is scanned for
//	lines ending in an amount. Totals are recomputed from the transactions
//	unless the input reports them. The result never depends on anything
//	but raw.
//
// Outputs:
//
//	*payload.CompositeResult - Never nil. Enhanced is false.
func Compute(raw any) *payload.CompositeResult {
	out := &payload.CompositeResult{Sources: []string{Source}}

	fields, text := fieldsOf(raw)
	if fields != nil {
		out.DocumentType = cast.ToString(fields["documentType"])
		out.Vendor = strings.TrimSpace(cast.ToString(fields["vendor"]))
		out.Currency = strings.ToUpper(cast.ToString(fields["currency"]))
		out.Transactions = transactionsFrom(fields)
	}
	if len(out.Transactions) == 0 && text != "" {
		out.Transactions = transactionsFromText(text)
	}
	if len(out.Currency) != 3 {
		out.Currency = ""
	}
	for i := range out.Transactions {
		tx := &out.Transactions[i]
		if tx.Category == "" {
			tx.Category = Categorize(tx.Description, tx.Amount)
		}
	}

	if out.DocumentType == "" {
		out.DocumentType = "statement"
		if fields != nil && (fields["total"] != nil || fields["subtotal"] != nil) {
			out.DocumentType = "invoice"
		}
	}

	if out.DocumentType == "invoice" {
		out.Invoice = invoiceTotals(fields, out.Transactions)
	} else {
		out.Summary = summaryOf(out.Transactions)
		if out.Summary.Net < 0 {
			out.Alerts = append(out.Alerts, payload.Alert{
				Source:   Source,
				Severity: "medium",
				Message:  "Expenses exceed income for this period.",
			})
		}
	}
	out.Categories = categoryTotals(out.Transactions)
	return out
}

// fieldsOf returns raw as an object, and any free text it carries.
func fieldsOf(raw any) (map[string]any, string) {
	switch v := raw.(type) {
	case map[string]any:
		for _, k := range textKeys {
			if s, ok := v[k].(string); ok && s != "" {
				return v, s
			}
		}
		return v, ""
	case string:
		if res, err := jsonrepair.Repair(v); err == nil {
			if m, ok := res.Value.(map[string]any); ok {
				return m, ""
			}
		}
		return nil, v
	case []byte:
		return fieldsOf(string(v))
	default:
		m, err := cast.ToStringMapE(raw)
		if err != nil {
			return nil, ""
		}
		return m, ""
	}
}

func transactionsFrom(fields map[string]any) []payload.Transaction {
	for _, key := range listKeys {
		rows, ok := fields[key].([]any)
		if !ok {
			continue
		}
		out := make([]payload.Transaction, 0, len(rows))
		for _, r := range rows {
			row, err := cast.ToStringMapE(r)
			if err != nil {
				continue
			}
			amount, ok := parseAmount(row["amount"])
			if !ok {
				continue
			}
			out = append(out, payload.Transaction{
				Date:        cast.ToString(row["date"]),
				Description: strings.TrimSpace(cast.ToString(firstOf(row, "description", "name", "memo"))),
				Amount:      amount,
				Category:    cast.ToString(row["category"]),
			})
		}
		return out
	}
	return nil
}

func transactionsFromText(text string) []payload.Transaction {
	var out []payload.Transaction
	for _, line := range strings.Split(text, "\n") {
		m := amountLine.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[2]) == "" {
			continue
		}
		amount, ok := parseAmount(m[3])
		if !ok {
			continue
		}
		out = append(out, payload.Transaction{
			Date:        m[1],
			Description: strings.TrimSpace(m[2]),
			Amount:      amount,
		})
	}
	return out
}

func firstOf(row map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// parseAmount coerces numbers and formatted strings such as "$1,200.50"
// or "(45.00)" to a float.
func parseAmount(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok {
		s = amountNoise.Replace(strings.TrimSpace(s))
		neg := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
		s = strings.Trim(s, "()")
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, false
		}
		if neg {
			f = -f
		}
		return f, true
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

func summaryOf(txs []payload.Transaction) *payload.Summary {
	s := &payload.Summary{}
	for _, t := range txs {
		if t.Amount >= 0 {
			s.Income += t.Amount
		} else {
			s.Expenses -= t.Amount
		}
	}
	s.Net = s.Income - s.Expenses
	return s
}

func invoiceTotals(fields map[string]any, txs []payload.Transaction) *payload.InvoiceTotals {
	inv := &payload.InvoiceTotals{}
	var lineSum float64
	for _, t := range txs {
		lineSum += t.Amount
	}
	subtotal, hasSubtotal := parseAmount(fields["subtotal"])
	if !hasSubtotal {
		subtotal = lineSum
	}
	tax, _ := parseAmount(fields["tax"])
	total, hasTotal := parseAmount(fields["total"])
	if !hasTotal {
		total = subtotal + tax
	}
	inv.Subtotal, inv.Tax, inv.Total = subtotal, tax, total
	return inv
}

func categoryTotals(txs []payload.Transaction) []payload.CategoryTotal {
	sums := make(map[string]float64)
	for _, t := range txs {
		sums[t.Category] += t.Amount
	}
	out := make([]payload.CategoryTotal, 0, len(sums))
	for name, amount := range sums {
		out = append(out, payload.CategoryTotal{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
