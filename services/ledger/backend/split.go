// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// DefaultChunkSize is the largest prompt payload sent in one call.
	DefaultChunkSize = 6000
	// DefaultChunkOverlap carries context across chunk boundaries.
	DefaultChunkOverlap = 200
)

// documentSeparators prefer page and line breaks found in OCR output.
var documentSeparators = []string{"\f", "\n\n", "\n", " ", ""}

// SplitText breaks long document text into prompt-sized chunks. Text at or
// under chunkSize is returned as a single chunk.
func SplitText(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	if len(text) <= chunkSize {
		return []string{text}, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(documentSeparators),
	)
	return splitter.SplitText(text)
}
