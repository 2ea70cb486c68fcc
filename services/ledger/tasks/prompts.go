// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// Prompt headers. Each prompt names its kind on the first line so fakes
// and logs can tell them apart.
const (
	headerExtraction     = "TASK: extraction"
	headerCategorization = "TASK: categorization"
	headerRisk           = "TASK: risk"
	headerInsight        = "TASK: insight"
	headerValidation     = "TASK: validation"
)

func asJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func extractionPrompt(text string, chunk, chunks int) string {
	var b strings.Builder
	b.WriteString(headerExtraction + "\n")
	b.WriteString("Extract the document type (invoice or statement), vendor, ISO 4217 currency, ")
	b.WriteString("summary {income, expenses, net} or invoice {subtotal, tax, total}, ")
	b.WriteString("and every transaction {date, description, amount, category}. ")
	b.WriteString("Expenses are negative amounts. Answer with one JSON object using the keys ")
	b.WriteString("documentType, vendor, currency, summary, invoice, transactions, categories.\n")
	if chunks > 1 {
		fmt.Fprintf(&b, "This is part %d of %d of the document.\n", chunk+1, chunks)
	}
	b.WriteString("DOCUMENT:\n")
	b.WriteString(text)
	return b.String()
}

func categorizationPrompt(ex *payload.ExtractionResult) string {
	return headerCategorization + "\n" +
		"Assign a spending category to each transaction by its zero-based index. " +
		"Answer with JSON {\"assignments\": [{\"index\": 0, \"category\": \"...\"}], " +
		"\"categories\": [{\"name\": \"...\", \"amount\": 0}]}.\n" +
		"TRANSACTIONS:\n" + asJSON(ex.Transactions)
}

func riskPrompt(ex *payload.ExtractionResult) string {
	return headerRisk + "\n" +
		"Assess the financial risk of this document. Answer with JSON " +
		"{\"level\": \"low|medium|high|critical\", \"alerts\": [{\"severity\": \"...\", \"message\": \"...\"}]}.\n" +
		"DATA:\n" + asJSON(ex)
}

func insightPrompt(ex *payload.ExtractionResult, cat *payload.CategorizationResult) string {
	var b strings.Builder
	b.WriteString(headerInsight + "\n")
	b.WriteString("Summarize spending trends and give recommendations. Answer with JSON ")
	b.WriteString("{\"alerts\": [], \"highlights\": [], \"insights\": {\"summary\": \"\", \"trends\": [], \"recommendations\": []}}.\n")
	b.WriteString("DATA:\n" + asJSON(ex) + "\n")
	if cat != nil {
		b.WriteString("CATEGORIES:\n" + asJSON(cat) + "\n")
	}
	return b.String()
}

func validationPrompt(text string, ex *payload.ExtractionResult, cat *payload.CategorizationResult) string {
	var b strings.Builder
	b.WriteString(headerValidation + "\n")
	b.WriteString("Check the extracted data against the source document. Answer with JSON ")
	b.WriteString("{\"valid\": true, \"confidence\": 0.0, \"issues\": [], ")
	b.WriteString("\"checks\": [{\"name\": \"\", \"passed\": true, \"confidence\": 0.0}], ")
	b.WriteString("\"corrections\": {}}. Only include corrections for fields that are wrong.\n")
	b.WriteString("EXTRACTED:\n" + asJSON(ex) + "\n")
	if cat != nil {
		b.WriteString("CATEGORIES:\n" + asJSON(cat) + "\n")
	}
	if text != "" {
		b.WriteString("SOURCE:\n" + text)
	}
	return b.String()
}
