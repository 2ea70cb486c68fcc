// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrepair recovers JSON objects from raw model output.
//
// Repair applies a fixed, ordered chain of methods and stops at the first
// one that yields valid JSON. Each step operates on the output of the
// previous one:
//
//  1. direct         - parse the trimmed text as-is
//  2. strip_fences   - remove markdown code fences (```json ... ```)
//  3. fix_syntax     - drop trailing commas and quote bare object keys,
//                      leaving string literals untouched
//  4. extract_braces - keep the span from the first '{' to the last '}'
//
// When every method fails, Repair returns a *ParseError.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Method names a step in the repair chain.
type Method string

const (
	MethodDirect        Method = "direct"
	MethodStripFences   Method = "strip_fences"
	MethodFixSyntax     Method = "fix_syntax"
	MethodExtractBraces Method = "extract_braces"
)

// ErrUnparseable is wrapped by every ParseError.
var ErrUnparseable = errors.New("unparseable model output")

// ParseError reports that the whole chain was exhausted.
type ParseError struct {
	// Attempted lists the methods tried, in order.
	Attempted []Method

	// Err is the decode error from the last method.
	Err error

	// Snippet is a bounded prefix of the input for logging.
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("json repair failed after %d methods: %v", len(e.Attempted), e.Err)
}

// Unwrap returns the last decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// Is matches ErrUnparseable.
func (e *ParseError) Is(target error) bool { return target == ErrUnparseable }

// Result is a successful repair.
type Result struct {
	// Value is the decoded generic value.
	Value any

	// Text is the exact text that decoded successfully.
	Text string

	// Method is the step that succeeded.
	Method Method
}

var (
	fenceOpen     = regexp.MustCompile("^```[a-zA-Z]*\\s*")
	fenceClose    = regexp.MustCompile("\\s*```\\s*$")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	bareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)(\s*:)`)
)

const snippetLen = 120

// Repair runs the chain against raw.
func Repair(raw string) (*Result, error) {
	steps := []struct {
		method Method
		apply  func(string) string
	}{
		{MethodDirect, strings.TrimSpace},
		{MethodStripFences, stripFences},
		{MethodFixSyntax, fixSyntax},
		{MethodExtractBraces, extractBraces},
	}

	text := raw
	attempted := make([]Method, 0, len(steps))
	var lastErr error
	for _, step := range steps {
		text = step.apply(text)
		attempted = append(attempted, step.method)

		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			lastErr = err
			continue
		}
		return &Result{Value: v, Text: text, Method: step.method}, nil
	}

	snippet := raw
	if len(snippet) > snippetLen {
		snippet = snippet[:snippetLen]
	}
	return nil, &ParseError{Attempted: attempted, Err: lastErr, Snippet: snippet}
}

// Decode repairs raw and unmarshals the recovered JSON into out.
func Decode(raw string, out any) (Method, error) {
	res, err := Repair(raw)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal([]byte(res.Text), out); err != nil {
		return res.Method, fmt.Errorf("decode repaired json (%s): %w", res.Method, err)
	}
	return res.Method, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i > 0 {
		s = s[i:]
	}
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// fixSyntax rewrites only the text outside string literals.
func fixSyntax(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	for _, seg := range segments(s) {
		if seg.quoted {
			b.WriteString(seg.text)
			continue
		}
		t := trailingComma.ReplaceAllString(seg.text, "$1")
		b.WriteString(bareKey.ReplaceAllString(t, `$1"$2"$3`))
	}
	return b.String()
}

type segment struct {
	text   string
	quoted bool
}

// segments splits s into runs outside and inside double-quoted string
// literals. Backslash escapes inside a literal are honored. An
// unterminated literal runs to the end of s.
func segments(s string) []segment {
	var out []segment
	start := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case inString && c == '"':
			out = append(out, segment{text: s[start : i+1], quoted: true})
			start = i + 1
			inString = false
		case !inString && c == '"':
			if i > start {
				out = append(out, segment{text: s[start:i]})
			}
			start = i
			inString = true
		}
	}
	if start < len(s) {
		out = append(out, segment{text: s[start:], quoted: inString})
	}
	return out
}

func extractBraces(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
