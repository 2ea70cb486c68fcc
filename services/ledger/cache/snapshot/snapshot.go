// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists a SimilarityCache to BadgerDB across restarts.
//
// The cache itself is process-local. This collaborator only reads through
// Range and writes through Set, so restored entries go through the same
// fingerprinting, eviction, and TTL rules as fresh ones. Badger's own TTL
// drops records that expire while the process is down.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
)

const (
	keyPrefix  = "ledger:cache:"
	currentKey = "ledger:snapshot:current"
)

// Codec converts cache values to and from bytes. Decode receives the
// entry's cache context so one codec can serve several value types.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(cacheCtx string, data []byte) (any, error)
}

// Config configures the snapshot store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory opens a throwaway database, for tests.
	InMemory bool

	// Logger receives badger and snapshot logs. nil silences badger.
	Logger *slog.Logger
}

// record is the persisted form of one entry.
type record struct {
	Context   string          `json:"context"`
	Input     json.RawMessage `json:"input"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
	TTL       time.Duration   `json:"ttl"`
}

// Store reads and writes cache snapshots.
type Store struct {
	db     *badger.DB
	codec  Codec
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the snapshot database.
func Open(cfg Config, codec Codec) (*Store, error) {
	if codec == nil {
		return nil, errors.New("codec must not be nil")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent snapshots")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, codec: codec, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the valid entries of c.
//
// Description:
//
//	Entries are written under a fresh generation. Only once every entry
//	is flushed does the current-generation pointer move to it, in a single
//	transaction, after which older generations are deleted. A save that
//	fails or is interrupted part way leaves the previous snapshot current.
//
// Outputs:
//
//	int - Entries written. Entries whose value the codec rejects are skipped.
//	error - Non-nil if the database write fails.
func (s *Store) Save(ctx context.Context, c *cache.SimilarityCache) (int, error) {
	gen := uuid.NewString()
	prefix := generationPrefix(gen)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	now := c.Now()
	written := 0
	var writeErr error
	c.Range(func(e cache.Entry) bool {
		if ctx.Err() != nil {
			writeErr = ctx.Err()
			return false
		}
		remaining := e.TTL - now.Sub(e.CreatedAt)
		if remaining <= 0 {
			return true
		}

		value, err := s.codec.Encode(e.Value)
		if err != nil {
			s.logger.Warn("snapshot skipped entry",
				slog.String("context", e.Context),
				slog.String("error", err.Error()),
			)
			return true
		}
		input, err := json.Marshal(e.Input)
		if err != nil {
			return true
		}
		data, err := json.Marshal(record{
			Context:   e.Context,
			Input:     input,
			Value:     value,
			CreatedAt: e.CreatedAt,
			TTL:       e.TTL,
		})
		if err != nil {
			return true
		}

		key := []byte(prefix + e.Context + ":" + e.Fingerprint)
		if err := wb.SetEntry(badger.NewEntry(key, data).WithTTL(remaining)); err != nil {
			writeErr = err
			return false
		}
		written++
		return true
	})
	if writeErr != nil {
		return 0, fmt.Errorf("write snapshot: %w", writeErr)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush snapshot: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(currentKey), []byte(gen))
	}); err != nil {
		return 0, fmt.Errorf("publish snapshot: %w", err)
	}
	if err := s.deleteExcept(prefix); err != nil {
		s.logger.Warn("stale snapshot generations not removed", slog.String("error", err.Error()))
	}

	s.logger.Info("cache snapshot saved", slog.Int("entries", written))
	return written, nil
}

func generationPrefix(gen string) string {
	return keyPrefix + gen + "/"
}

// current returns the published generation, or "" if none.
func (s *Store) current() (string, error) {
	var gen string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(currentKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			gen = string(val)
			return nil
		})
	})
	return gen, err
}

// deleteExcept removes every entry key outside keep.
func (s *Store) deleteExcept(keep string) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if k := it.Item().KeyCopy(nil); !strings.HasPrefix(string(k), keep) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Restore loads the stored snapshot into c through Set, with each entry's
// remaining TTL.
func (s *Store) Restore(ctx context.Context, c *cache.SimilarityCache) (int, error) {
	gen, err := s.current()
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	if gen == "" {
		return 0, nil
	}

	var records []record
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(generationPrefix(gen))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Warn("snapshot record unreadable",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()),
				)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	now := c.Now()
	restored := 0
	for _, rec := range records {
		remaining := rec.TTL - now.Sub(rec.CreatedAt)
		if remaining <= 0 {
			continue
		}
		value, err := s.codec.Decode(rec.Context, rec.Value)
		if err != nil {
			s.logger.Warn("snapshot value rejected",
				slog.String("context", rec.Context),
				slog.String("error", err.Error()),
			)
			continue
		}
		// The raw input keeps numbers exact through re-fingerprinting.
		if err := c.Set(ctx, rec.Input, value, rec.Context, remaining); err != nil {
			continue
		}
		restored++
	}

	s.logger.Info("cache snapshot restored", slog.Int("entries", restored))
	return restored, nil
}
