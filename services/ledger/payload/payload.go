// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package payload defines the typed results produced by ledger tasks.
//
// Every task in a pipeline run returns exactly one Payload. The concrete
// type is selected by Kind, which acts as the tag of a closed union:
//
//	KindExtraction     -> *ExtractionResult
//	KindCategorization -> *CategorizationResult
//	KindRisk           -> *RiskResult
//	KindInsight        -> *InsightResult
//	KindValidation     -> *ValidationResult
//
// Payloads are validated at the scheduler and fusion boundaries with
// Validate so that malformed model output never reaches the composite.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind tags the concrete type of a Payload.
type Kind string

const (
	// KindExtraction is the foundational structured data pulled from a document.
	KindExtraction Kind = "extraction"

	// KindCategorization assigns categories to extracted transactions.
	KindCategorization Kind = "categorization"

	// KindRisk flags anomalies and assigns a risk level.
	KindRisk Kind = "risk"

	// KindInsight produces narrative insights, alerts, and highlights.
	KindInsight Kind = "insight"

	// KindValidation reports validator checks and optional field corrections.
	KindValidation Kind = "validation"
)

// kindPriority is the fixed contributor order used when fusing results.
var kindPriority = map[Kind]int{
	KindExtraction:     0,
	KindCategorization: 1,
	KindRisk:           2,
	KindInsight:        3,
	KindValidation:     4,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindPriority[k]
	return ok
}

// Priority returns the fusion priority of k. Lower values apply first.
// Unknown kinds sort last.
func (k Kind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return len(kindPriority)
}

// Payload is the result of one task.
type Payload interface {
	Kind() Kind
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilPayload indicates a task returned no payload and no error.
	ErrNilPayload = errors.New("payload is nil")

	// ErrUnknownKind indicates a payload kind outside the closed union.
	ErrUnknownKind = errors.New("unknown payload kind")

	// ErrInvalidPayload indicates a payload failed struct validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// =============================================================================
// Validation
// =============================================================================

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks p against its struct tags.
//
// Description:
//
//	Returns ErrNilPayload for a nil payload (including a typed nil pointer),
//	ErrUnknownKind for a payload whose Kind is outside the union, and an
//	error wrapping ErrInvalidPayload when any field constraint fails.
//
// Thread Safety: Safe for concurrent use.
func Validate(p Payload) error {
	if isNil(p) {
		return ErrNilPayload
	}
	if !p.Kind().Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind())
	}
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
	}
	return nil
}

func isNil(p Payload) bool {
	if p == nil {
		return true
	}
	switch v := p.(type) {
	case *ExtractionResult:
		return v == nil
	case *CategorizationResult:
		return v == nil
	case *RiskResult:
		return v == nil
	case *InsightResult:
		return v == nil
	case *ValidationResult:
		return v == nil
	}
	return false
}

// New returns an empty payload of the given kind.
func New(kind Kind) (Payload, error) {
	switch kind {
	case KindExtraction:
		return &ExtractionResult{}, nil
	case KindCategorization:
		return &CategorizationResult{}, nil
	case KindRisk:
		return &RiskResult{}, nil
	case KindInsight:
		return &InsightResult{}, nil
	case KindValidation:
		return &ValidationResult{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Decode unmarshals JSON into a payload of the given kind and validates it.
func Decode(kind Kind, data []byte) (Payload, error) {
	p, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Envelope is the self-describing wire form of a Payload.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Wrap encodes p as an Envelope.
func Wrap(p Payload) (Envelope, error) {
	if isNil(p) {
		return Envelope{}, ErrNilPayload
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return Envelope{Kind: p.Kind(), Data: data}, nil
}

// Unwrap decodes an Envelope back into its typed payload.
func (e Envelope) Unwrap() (Payload, error) {
	return Decode(e.Kind, e.Data)
}
