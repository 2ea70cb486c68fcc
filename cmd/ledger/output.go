// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianLedger/services/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
)

// readDocument decodes r as JSON, or keeps it as text when it is not JSON.
func readDocument(r io.Reader) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("document is empty")
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		if _, isObject := v.(map[string]any); isObject {
			return v, nil
		}
	}
	return map[string]any{"text": text}, nil
}

func analyzeRequest(doc any, cacheCtx, complexity string) ledger.Request {
	return ledger.Request{
		Input:        doc,
		CacheContext: cacheCtx,
		SubjectID:    cacheCtx,
		Complexity:   confidence.ParseComplexity(complexity),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// writeResponse prints resp as indented JSON, or as a short summary.
func writeResponse(w io.Writer, resp *ledger.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	r := resp.Result
	mode := "enhanced"
	switch {
	case resp.Adapted:
		mode = fmt.Sprintf("cached (adapted, similarity %.2f)", resp.Similarity)
	case resp.FromCache:
		mode = "cached"
	case !resp.Enhanced:
		mode = "fallback: " + resp.FallbackReason
	}
	fmt.Fprintf(tw, "Run\t%s\n", resp.RunID)
	fmt.Fprintf(tw, "Mode\t%s\n", mode)
	fmt.Fprintf(tw, "Document\t%s\t%s\n", r.DocumentType, r.Vendor)
	if r.Summary != nil {
		fmt.Fprintf(tw, "Income / Expenses / Net\t%.2f / %.2f / %.2f %s\n",
			r.Summary.Income, r.Summary.Expenses, r.Summary.Net, r.Currency)
	}
	if r.Invoice != nil {
		fmt.Fprintf(tw, "Subtotal / Tax / Total\t%.2f / %.2f / %.2f %s\n",
			r.Invoice.Subtotal, r.Invoice.Tax, r.Invoice.Total, r.Currency)
	}
	fmt.Fprintf(tw, "Transactions\t%d\n", len(r.Transactions))
	for _, c := range r.Categories {
		fmt.Fprintf(tw, "  %s\t%.2f\n", c.Name, c.Amount)
	}
	if r.RiskLevel != "" {
		fmt.Fprintf(tw, "Risk\t%s\n", r.RiskLevel)
	}
	for _, a := range r.Alerts {
		fmt.Fprintf(tw, "Alert\t[%s] %s\n", a.Severity, a.Message)
	}
	if c := resp.Confidence; c != nil {
		fmt.Fprintf(tw, "Confidence\t%.3f (%s)\n", c.OverallScore, c.Level)
		for _, rec := range c.Recommendations {
			fmt.Fprintf(tw, "  -\t%s\n", rec)
		}
	}
	if len(resp.Errors) > 0 {
		ids := make([]string, 0, len(resp.Errors))
		for id := range resp.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(tw, "Error\t%s: %s\n", id, resp.Errors[id])
		}
	}
	fmt.Fprintf(tw, "Duration\t%s\n", resp.Duration)
	return tw.Flush()
}
