// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confidence scores a composite result across five weighted
// heuristics and keeps a bounded per-subject history for one of them.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

var (
	tracer = otel.Tracer("aleutian.ledger.confidence")
	meter  = otel.Meter("aleutian.ledger.confidence")
)

var (
	// ErrNilResult is returned when Score is given no result.
	ErrNilResult = errors.New("result must not be nil")

	// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
	ErrInvalidWeights = errors.New("confidence weights must be non-negative and sum to 1")
)

// =============================================================================
// Types
// =============================================================================

// Dimension names one scoring heuristic.
type Dimension string

const (
	DimensionCompleteness       Dimension = "completeness"
	DimensionConsistency        Dimension = "consistency"
	DimensionPatternMatch       Dimension = "patternMatch"
	DimensionHistoricalAccuracy Dimension = "historicalAccuracy"
	DimensionCrossValidation    Dimension = "crossValidation"
)

// Level buckets the overall score.
type Level string

const (
	LevelVeryLow  Level = "very-low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very-high"
)

// LevelFor maps a score to its level.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelVeryHigh
	case score >= 0.8:
		return LevelHigh
	case score >= 0.6:
		return LevelMedium
	case score >= 0.4:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Complexity hints how much structure to expect from the data.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// ParseComplexity returns the complexity for s, defaulting to standard.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityComplex:
		return Complexity(s)
	default:
		return ComplexityStandard
	}
}

// Weights are the per-dimension weights of the overall score.
type Weights struct {
	Completeness       float64 `json:"completeness" yaml:"completeness"`
	Consistency        float64 `json:"consistency" yaml:"consistency"`
	PatternMatch       float64 `json:"patternMatch" yaml:"pattern_match"`
	HistoricalAccuracy float64 `json:"historicalAccuracy" yaml:"historical_accuracy"`
	CrossValidation    float64 `json:"crossValidation" yaml:"cross_validation"`
}

// DefaultWeights returns 0.25/0.30/0.20/0.15/0.10.
func DefaultWeights() Weights {
	return Weights{
		Completeness:       0.25,
		Consistency:        0.30,
		PatternMatch:       0.20,
		HistoricalAccuracy: 0.15,
		CrossValidation:    0.10,
	}
}

// Validate checks that the weights are non-negative and sum to 1 within 1e-6.
func (w Weights) Validate() error {
	all := []float64{w.Completeness, w.Consistency, w.PatternMatch, w.HistoricalAccuracy, w.CrossValidation}
	var sum float64
	for _, v := range all {
		if v < 0 || math.IsNaN(v) {
			return ErrInvalidWeights
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: sum is %.6f", ErrInvalidWeights, sum)
	}
	return nil
}

// Dimensions carries the per-dimension scores, each in [0,1].
type Dimensions struct {
	Completeness       float64 `json:"completeness"`
	Consistency        float64 `json:"consistency"`
	PatternMatch       float64 `json:"patternMatch"`
	HistoricalAccuracy float64 `json:"historicalAccuracy"`
	CrossValidation    float64 `json:"crossValidation"`
}

func (d Dimensions) weighted(w Weights) float64 {
	return d.Completeness*w.Completeness +
		d.Consistency*w.Consistency +
		d.PatternMatch*w.PatternMatch +
		d.HistoricalAccuracy*w.HistoricalAccuracy +
		d.CrossValidation*w.CrossValidation
}

// ScoreContext identifies whose history to use and how complex the data is.
type ScoreContext struct {
	SubjectID  string
	Complexity Complexity
}

// Assessment is the scored confidence of one result.
type Assessment struct {
	OverallScore    float64       `json:"overallScore"`
	Level           Level         `json:"level"`
	Dimensions      Dimensions    `json:"dimensions"`
	Recommendations []string      `json:"recommendations"`
	FailedChecks    []string      `json:"failedChecks,omitempty"`
	Details         []CheckResult `json:"details,omitempty"`
	EvaluatedAt     time.Time     `json:"evaluatedAt"`
}

// Recommendation strings, one per dimension plus the low-overall prefix.
const (
	RecommendReview             = "Review the raw document data before relying on this analysis."
	RecommendCompleteness       = "Some expected fields are missing; re-run extraction on a clearer copy of the document."
	RecommendConsistency        = "Reported totals do not reconcile; verify the summary amounts against the transactions."
	RecommendPatternMatch       = "Amounts or categories look unusual; review categorization and magnitudes."
	RecommendHistoricalAccuracy = "This result differs from the subject's earlier documents; confirm the document type."
	RecommendCrossValidation    = "Validator checks disagree with the extracted data; verify line items against totals."
)

const recommendBelow = 0.7

// =============================================================================
// Scorer
// =============================================================================

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides the default weights. Validated by NewScorer.
func WithWeights(w Weights) Option {
	return func(s *Scorer) { s.weights = w }
}

// WithHistory supplies a shared history store.
func WithHistory(h *History) Option {
	return func(s *Scorer) {
		if h != nil {
			s.history = h
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scorer evaluates composite results.
//
// Thread Safety: Safe for concurrent use. Each Score call reads the
// subject's history and then appends to it; two concurrent calls for the
// same subject may both score against the history as it stood before
// either appended.
type Scorer struct {
	weights Weights
	history *History
	now     func() time.Time
	logger  *slog.Logger

	metricsOnce sync.Once
	scoreHist   metric.Float64Histogram
}

// NewScorer creates a scorer.
func NewScorer(opts ...Option) (*Scorer, error) {
	s := &Scorer{
		weights: DefaultWeights(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.weights.Validate(); err != nil {
		return nil, err
	}
	if s.history == nil {
		s.history = NewHistory(DefaultHistoryLimit)
	}
	return s, nil
}

// Weights returns the active weights.
func (s *Scorer) Weights() Weights { return s.weights }

// History returns the history store.
func (s *Scorer) History() *History { return s.history }

func (s *Scorer) initMetrics() {
	s.metricsOnce.Do(func() {
		var err error
		s.scoreHist, err = meter.Float64Histogram("ledger_confidence_score",
			metric.WithDescription("Overall confidence score per assessment"),
		)
		if err != nil {
			s.logger.Error("failed to initialize confidence metrics", slog.String("error", err.Error()))
		}
	})
}

// Score evaluates r and appends it to the subject's history.
//
// Description:
//
//	Computes the five dimensions, the weighted overall score rounded to
//	three decimals, its level, and the recommendations. The historical
//	dimension is computed against the history as it stood before this
//	call; r is appended afterwards.
//
// Inputs:
//
//	ctx - Context for tracing.
//	r - The composite result. Not modified; a clone is stored in history.
//	sc - Subject and complexity. An empty SubjectID shares one anonymous history.
//
// Outputs:
//
//	*Assessment - The assessment. OverallScore is always in [0,1].
//	error - ErrNilResult if r is nil.
func (s *Scorer) Score(ctx context.Context, r *payload.CompositeResult, sc ScoreContext) (*Assessment, error) {
	if r == nil {
		return nil, ErrNilResult
	}
	s.initMetrics()
	_, span := tracer.Start(ctx, "confidence.Score")
	defer span.End()

	cx := ParseComplexity(string(sc.Complexity))
	now := s.now()

	paths, err := structure.KeyPaths(r)
	if err != nil {
		paths = structure.PathSet{}
	}

	consistencyChecks := consistency(r)
	patternChecks := patterns(r, cx)
	crossScore, crossChecks := crossValidation(r)

	dims := Dimensions{
		Completeness:       clamp(completeness(r, cx)),
		Consistency:        ratio(consistencyChecks),
		PatternMatch:       ratio(patternChecks),
		HistoricalAccuracy: historical(paths, s.history.Snapshot(sc.SubjectID)),
		CrossValidation:    crossScore,
	}

	overall := clamp(math.Round(dims.weighted(s.weights)*1000) / 1000)

	a := &Assessment{
		OverallScore:    overall,
		Level:           LevelFor(overall),
		Dimensions:      dims,
		Recommendations: recommendations(dims, overall),
		EvaluatedAt:     now,
	}
	for _, group := range [][]CheckResult{consistencyChecks, patternChecks, crossChecks} {
		for _, c := range group {
			a.Details = append(a.Details, c)
			if !c.Passed {
				a.FailedChecks = append(a.FailedChecks, c.Name)
			}
		}
	}

	s.history.Append(sc.SubjectID, HistoryEntry{Result: r.Clone(), Paths: paths, Timestamp: now})

	span.SetAttributes(
		attribute.Float64("confidence.overall", overall),
		attribute.String("confidence.level", string(a.Level)),
		attribute.Int("confidence.failed_checks", len(a.FailedChecks)),
	)
	if s.scoreHist != nil {
		s.scoreHist.Record(ctx, overall, metric.WithAttributes(attribute.String("level", string(a.Level))))
	}
	s.logger.Debug("confidence scored",
		slog.String("subject", sc.SubjectID),
		slog.Float64("overall", overall),
		slog.String("level", string(a.Level)),
	)
	return a, nil
}

func recommendations(d Dimensions, overall float64) []string {
	out := []string{}
	if overall < 0.6 {
		out = append(out, RecommendReview)
	}
	if d.Completeness < recommendBelow {
		out = append(out, RecommendCompleteness)
	}
	if d.Consistency < recommendBelow {
		out = append(out, RecommendConsistency)
	}
	if d.PatternMatch < recommendBelow {
		out = append(out, RecommendPatternMatch)
	}
	if d.HistoricalAccuracy < recommendBelow {
		out = append(out, RecommendHistoricalAccuracy)
	}
	if d.CrossValidation < recommendBelow {
		out = append(out, RecommendCrossValidation)
	}
	return out
}
