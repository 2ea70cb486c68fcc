// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledger/payload"
)

// SnapshotCodec encodes the values the pipeline puts in the cache:
// *CachedRun under pipeline contexts and task payloads everywhere else.
// It implements snapshot.Codec.
type SnapshotCodec struct{}

// Encode implements snapshot.Codec.
func (SnapshotCodec) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case *CachedRun:
		return json.Marshal(v)
	case payload.Payload:
		env, err := payload.Wrap(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("unsupported cache value %T", value)
	}
}

// Decode implements snapshot.Codec.
func (SnapshotCodec) Decode(cacheCtx string, data []byte) (any, error) {
	if strings.HasPrefix(cacheCtx, pipelinePrefix) {
		var run CachedRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode cached run: %w", err)
		}
		if run.Result == nil {
			return nil, fmt.Errorf("decode cached run: missing result")
		}
		return &run, nil
	}

	var env payload.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return env.Unwrap()
}
