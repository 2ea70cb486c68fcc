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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledger/backend"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/jsonrepair"
	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// textKeys are the raw input fields that carry OCR text, in preference order.
var textKeys = []string{"text", "ocrText", "content"}

// Option configures Ops.
type Option func(*Ops)

// WithChunking sets the extraction chunk size and overlap in characters.
func WithChunking(size, overlap int) Option {
	return func(o *Ops) {
		o.chunkSize = size
		o.chunkOverlap = overlap
	}
}

// WithTemperature sets the sampling temperature for every call.
func WithTemperature(t float32) Option {
	return func(o *Ops) { o.temperature = t }
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Ops) {
		if l != nil {
			o.logger = l
		}
	}
}

// Ops holds the backend operations of the default graph. Each method is a
// dag.Operation.
type Ops struct {
	client       backend.Client
	chunkSize    int
	chunkOverlap int
	temperature  float32
	logger       *slog.Logger
}

// NewOps creates the operations.
func NewOps(client backend.Client, opts ...Option) *Ops {
	o := &Ops{
		client:       client,
		chunkSize:    backend.DefaultChunkSize,
		chunkOverlap: backend.DefaultChunkOverlap,
		temperature:  0.1,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// generate calls the backend and decodes its answer as a payload of kind.
func (o *Ops) generate(ctx context.Context, kind payload.Kind, prompt string) (payload.Payload, error) {
	temp := o.temperature
	raw, err := o.client.Generate(ctx, prompt, backend.GenerationParams{Temperature: &temp, JSON: true})
	if err != nil {
		return nil, err
	}
	res, err := jsonrepair.Repair(raw)
	if err != nil {
		return nil, err
	}
	if res.Method != jsonrepair.MethodDirect {
		o.logger.Debug("repaired model output",
			slog.String("kind", string(kind)),
			slog.String("method", string(res.Method)),
		)
	}
	return payload.Decode(kind, []byte(res.Text))
}

// Extract pulls structured data out of the raw document. Long text is
// split into chunks that are extracted separately and concatenated.
func (o *Ops) Extract(ctx context.Context, in dag.Inputs) (payload.Payload, error) {
	text, err := documentText(in.Raw)
	if err != nil {
		return nil, err
	}
	chunks, err := backend.SplitText(text, o.chunkSize, o.chunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("split document: %w", err)
	}

	merged := &payload.ExtractionResult{}
	for i, chunk := range chunks {
		p, err := o.generate(ctx, payload.KindExtraction, extractionPrompt(chunk, i, len(chunks)))
		if err != nil {
			return nil, fmt.Errorf("extract chunk %d/%d: %w", i+1, len(chunks), err)
		}
		mergeExtraction(merged, p.(*payload.ExtractionResult))
	}
	return merged, nil
}

// Categorize assigns categories to the extracted transactions.
func (o *Ops) Categorize(ctx context.Context, in dag.Inputs) (payload.Payload, error) {
	ex, ok := in.Dep(IDExtract).(*payload.ExtractionResult)
	if !ok || ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, IDExtract)
	}
	if len(ex.Transactions) == 0 {
		return &payload.CategorizationResult{}, nil
	}
	return o.generate(ctx, payload.KindCategorization, categorizationPrompt(ex))
}

// Risk flags anomalies in the extracted data.
func (o *Ops) Risk(ctx context.Context, in dag.Inputs) (payload.Payload, error) {
	ex, ok := in.Dep(IDExtract).(*payload.ExtractionResult)
	if !ok || ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, IDExtract)
	}
	return o.generate(ctx, payload.KindRisk, riskPrompt(ex))
}

// Insights produces narrative insights. A failed categorization is tolerated.
func (o *Ops) Insights(ctx context.Context, in dag.Inputs) (payload.Payload, error) {
	ex, ok := in.Dep(IDExtract).(*payload.ExtractionResult)
	if !ok || ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, IDExtract)
	}
	cat, _ := in.Dep(IDCategorize).(*payload.CategorizationResult)
	return o.generate(ctx, payload.KindInsight, insightPrompt(ex, cat))
}

// Validate cross-checks the extraction and proposes corrections.
func (o *Ops) Validate(ctx context.Context, in dag.Inputs) (payload.Payload, error) {
	ex, ok := in.Dep(IDExtract).(*payload.ExtractionResult)
	if !ok || ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, IDExtract)
	}
	cat, _ := in.Dep(IDCategorize).(*payload.CategorizationResult)
	text, _ := documentText(in.Raw)
	return o.generate(ctx, payload.KindValidation, validationPrompt(text, ex, cat))
}

// documentText returns the OCR text carried by raw, or raw as indented JSON.
func documentText(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", fmt.Errorf("%w: raw input", ErrMissingDependency)
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case map[string]any:
		for _, k := range textKeys {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				return s, nil
			}
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode raw input: %w", err)
	}
	return string(data), nil
}

// mergeExtraction folds one chunk's extraction into dst. Scalars keep the
// first non-empty value; lists are concatenated.
func mergeExtraction(dst, src *payload.ExtractionResult) {
	if dst.DocumentType == "" {
		dst.DocumentType = src.DocumentType
	}
	if dst.Vendor == "" {
		dst.Vendor = src.Vendor
	}
	if dst.Currency == "" {
		dst.Currency = src.Currency
	}
	if dst.Summary == nil && src.Summary != nil {
		s := *src.Summary
		dst.Summary = &s
	}
	if dst.Invoice == nil && src.Invoice != nil {
		inv := *src.Invoice
		dst.Invoice = &inv
	}
	dst.Transactions = append(dst.Transactions, src.Transactions...)
	dst.Categories = append(dst.Categories, src.Categories...)
}
