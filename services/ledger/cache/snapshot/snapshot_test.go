// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
)

type mapCodec struct{}

func (mapCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (mapCodec) Decode(cacheCtx string, data []byte) (any, error) {
	if cacheCtx == "reject" {
		return nil, errors.New("rejected")
	}
	var m map[string]any
	err := json.Unmarshal(data, &m)
	return m, err
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true}, mapCodec{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveRestore(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	src := cache.New(cache.WithSimilarityThreshold(2))
	require.NoError(t, src.Set(ctx, map[string]any{"doc": 1}, map[string]any{"vendor": "ACME"}, "user-1", time.Hour))
	require.NoError(t, src.Set(ctx, map[string]any{"doc": 2}, map[string]any{"vendor": "Globex"}, "user-2", time.Hour))
	require.NoError(t, src.Set(ctx, map[string]any{"doc": 3}, map[string]any{"vendor": "Nope"}, "reject", time.Hour))

	n, err := store.Save(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dst := cache.New(cache.WithSimilarityThreshold(2))
	restored, err := store.Restore(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	hit, ok := dst.Get(ctx, map[string]any{"doc": 1}, "user-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"vendor": "ACME"}, hit.Value)
	assert.False(t, hit.Adapted)

	_, ok = dst.Get(ctx, map[string]any{"doc": 3}, "reject")
	assert.False(t, ok)
}

func TestStore_SaveReplacesPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	first := cache.New()
	require.NoError(t, first.Set(ctx, map[string]any{"doc": 1}, map[string]any{"v": 1}, "ctx", time.Hour))
	_, err := store.Save(ctx, first)
	require.NoError(t, err)

	second := cache.New()
	require.NoError(t, second.Set(ctx, map[string]any{"doc": 2}, map[string]any{"v": 2}, "ctx", time.Hour))
	_, err = store.Save(ctx, second)
	require.NoError(t, err)

	dst := cache.New()
	restored, err := store.Restore(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, dst.Len())
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{InMemory: true}, nil)
	assert.Error(t, err)

	_, err = Open(Config{}, mapCodec{})
	assert.Error(t, err)
}

func TestStore_FailedSaveKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	first := cache.New()
	require.NoError(t, first.Set(ctx, map[string]any{"doc": 1}, map[string]any{"v": 1}, "ctx", time.Hour))
	_, err := store.Save(ctx, first)
	require.NoError(t, err)

	second := cache.New()
	require.NoError(t, second.Set(ctx, map[string]any{"doc": 2}, map[string]any{"v": 2}, "ctx", time.Hour))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Save(cancelled, second)
	require.ErrorIs(t, err, context.Canceled)

	dst := cache.New(cache.WithSimilarityThreshold(2))
	restored, err := store.Restore(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	_, ok := dst.Get(ctx, map[string]any{"doc": 1}, "ctx")
	assert.True(t, ok, "the interrupted save left the previous snapshot current")

	_, err = store.Save(ctx, second)
	require.NoError(t, err)
	dst = cache.New(cache.WithSimilarityThreshold(2))
	restored, err = store.Restore(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	_, ok = dst.Get(ctx, map[string]any{"doc": 2}, "ctx")
	assert.True(t, ok)
}

func TestStore_RestoreKeepsLargeIntegerKeys(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	src := cache.New(cache.WithSimilarityThreshold(2))
	input := map[string]any{"invoiceNumber": uint64(9007199254740993)}
	require.NoError(t, src.Set(ctx, input, map[string]any{"vendor": "ACME"}, "ctx", time.Hour))
	_, err := store.Save(ctx, src)
	require.NoError(t, err)

	dst := cache.New(cache.WithSimilarityThreshold(2))
	_, err = store.Restore(ctx, dst)
	require.NoError(t, err)

	_, ok := dst.Get(ctx, input, "ctx")
	assert.True(t, ok)
	_, ok = dst.Get(ctx, map[string]any{"invoiceNumber": uint64(9007199254740992)}, "ctx")
	assert.False(t, ok)
}

func TestStore_RestoreEmpty(t *testing.T) {
	n, err := openStore(t).Restore(context.Background(), cache.New())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
