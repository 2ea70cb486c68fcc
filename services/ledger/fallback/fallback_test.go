// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

func TestCompute_StructuredStatement(t *testing.T) {
	raw := map[string]any{
		"vendor":   " First Bank ",
		"currency": "usd",
		"transactions": []any{
			map[string]any{"date": "2025-01-02", "description": "ACME Payroll", "amount": 1000.0},
			map[string]any{"date": "2025-01-05", "description": "Corner Grocery", "amount": "-$120.50"},
			map[string]any{"description": "Unknown debit", "amount": "(79.50)"},
			map[string]any{"description": "No amount"},
		},
	}

	out := Compute(raw)

	assert.False(t, out.Enhanced)
	assert.Equal(t, []string{Source}, out.Sources)
	assert.Equal(t, "statement", out.DocumentType)
	assert.Equal(t, "First Bank", out.Vendor)
	assert.Equal(t, "USD", out.Currency)

	require.Len(t, out.Transactions, 3)
	assert.Equal(t, "Income", out.Transactions[0].Category)
	assert.Equal(t, "Food", out.Transactions[1].Category)
	assert.Equal(t, -120.5, out.Transactions[1].Amount)
	assert.Equal(t, -79.5, out.Transactions[2].Amount)
	assert.Equal(t, DefaultCategory, out.Transactions[2].Category)

	require.NotNil(t, out.Summary)
	assert.InDelta(t, 1000, out.Summary.Income, 1e-9)
	assert.InDelta(t, 200, out.Summary.Expenses, 1e-9)
	assert.InDelta(t, 800, out.Summary.Net, 1e-9)
	assert.Empty(t, out.Alerts)

	assert.Equal(t, []payload.CategoryTotal{
		{Name: "Food", Amount: -120.5},
		{Name: "Income", Amount: 1000},
		{Name: "Other", Amount: -79.5},
	}, out.Categories)
}

func TestCompute_Invoice(t *testing.T) {
	out := Compute(map[string]any{
		"vendor": "ACME Hosting",
		"tax":    "20.00",
		"items": []any{
			map[string]any{"name": "Hosting", "amount": 80},
			map[string]any{"name": "Support", "amount": 20},
		},
		"total": 120,
	})

	assert.Equal(t, "invoice", out.DocumentType)
	require.NotNil(t, out.Invoice)
	assert.Nil(t, out.Summary)
	assert.Equal(t, payload.InvoiceTotals{Subtotal: 100, Tax: 20, Total: 120}, *out.Invoice)
	assert.Equal(t, "Software", out.Transactions[0].Category)
}

func TestCompute_PlainText(t *testing.T) {
	text := "FIRST BANK STATEMENT\n" +
		"2025-01-02 Salary 2,000.00\n" +
		"2025-01-03 Rent -2,500.00\n" +
		"Thanks for banking with us\n"

	out := Compute(text)

	require.Len(t, out.Transactions, 2)
	assert.Equal(t, "2025-01-02", out.Transactions[0].Date)
	assert.Equal(t, "Housing", out.Transactions[1].Category)
	assert.InDelta(t, -500, out.Summary.Net, 1e-9)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, Source, out.Alerts[0].Source)
}

func TestCompute_JSONText(t *testing.T) {
	out := Compute("```json\n{\"vendor\": \"Globex\", \"transactions\": [{\"description\": \"Coffee\", \"amount\": -4.5},]}\n```")
	assert.Equal(t, "Globex", out.Vendor)
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, "Food", out.Transactions[0].Category)
}

func TestCompute_Deterministic(t *testing.T) {
	raw := map[string]any{"transactions": []any{
		map[string]any{"description": "Uber", "amount": -10},
		map[string]any{"description": "Hotel", "amount": -90},
		map[string]any{"description": "Deposit", "amount": 100},
	}}
	assert.Equal(t, Compute(raw), Compute(raw))
}

func TestCompute_EmptyInput(t *testing.T) {
	out := Compute(nil)
	require.NotNil(t, out)
	assert.False(t, out.Enhanced)
	assert.Equal(t, "statement", out.DocumentType)
	assert.Empty(t, out.Transactions)
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, "Transport", Categorize("TAXI RIDE", -12))
	assert.Equal(t, "Taxes", Categorize("Sales tax", -5))
	assert.Equal(t, IncomeCategory, Categorize("Transfer", 5))
	assert.Equal(t, DefaultCategory, Categorize("Transfer", -5))
}
