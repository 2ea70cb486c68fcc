// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package structure provides canonical forms of arbitrary JSON-shaped values.
//
// It is shared by the similarity cache (fingerprints and near-duplicate
// lookup) and the confidence scorer (historical similarity), so both use
// exactly the same notion of "same structure".
package structure

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// PathSet is a set of flattened key-paths such as "summary.net" or
// "transactions[0].amount".
type PathSet map[string]struct{}

// Normalize converts v into its canonical generic form.
//
// Description:
//
//	The value is round-tripped through JSON so structs, typed maps, and
//	generic maps all collapse to map[string]any / []any / scalars. Array
//	elements are then sorted by their canonical serialization so that two
//	arrays holding the same elements in a different order normalize to
//	the same value. Object keys are ordered by encoding/json on output.
//	Numbers stay json.Number so integers beyond float64 precision keep
//	distinct canonical forms.
//
// Inputs:
//
//	v - Any JSON-marshalable value.
//
// Outputs:
//
//	any - The canonical value.
//	error - Non-nil if v cannot be marshaled.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return canonical(generic), nil
}

func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = canonical(child)
		}
		return t
	case []any:
		type keyed struct {
			key string
			val any
		}
		items := make([]keyed, len(t))
		for i, child := range t {
			c := canonical(child)
			b, _ := json.Marshal(c)
			items[i] = keyed{key: string(b), val: c}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it.val
		}
		return out
	default:
		return v
	}
}

// Fingerprint returns the hex SHA-256 of the canonical serialization of v.
func Fingerprint(v any) (string, error) {
	n, err := Normalize(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// KeyPaths flattens v into the set of every dotted/indexed key-path it
// contains. Containers contribute their own path as well as their
// children's. Scalars at the root contribute nothing.
func KeyPaths(v any) (PathSet, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	paths := make(PathSet)
	collect(n, "", paths)
	return paths, nil
}

func collect(v any, prefix string, out PathSet) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			out[p] = struct{}{}
			collect(child, p, out)
		}
	case []any:
		for i, child := range t {
			p := prefix + "[" + strconv.Itoa(i) + "]"
			out[p] = struct{}{}
			collect(child, p, out)
		}
	}
}

// Jaccard returns |a ∩ b| / |a ∪ b|.
//
// Two empty sets have no structure to compare and score 0, so bare
// scalars never produce a similarity match.
func Jaccard(a, b PathSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// ToMap converts a JSON-shaped value into a generic object.
// Values that are not objects yield an empty map.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to map: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}, nil
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
