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
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockLimitKB is the smallest RLIMIT_MEMLOCK memguard runs comfortably with.
const minMlockLimitKB = 64

// defaultSecretPath is where container runtimes mount the OpenAI key.
const defaultSecretPath = "/run/secrets/openai_api_key"

var memguardOnce sync.Once

func initMemguard(logger *slog.Logger) {
	memguardOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			logger.Warn("could not determine mlock limit", slog.String("error", err.Error()))
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			return
		}
		if limitKB := int64(rlimit.Cur / 1024); limitKB < minMlockLimitKB {
			logger.Warn("mlock limit is low, API key protection may fail",
				slog.Int64("limit_kb", limitKB),
				slog.Int64("recommended_kb", minMlockLimitKB),
			)
		}
	})
}

// Purge wipes every sealed secret and resets the memguard session key.
// Clients created before the call can no longer authenticate. The process
// owns signal handling, so call Purge from its shutdown path.
func Purge() {
	memguard.Purge()
}

// secret holds an API key sealed in a memguard enclave. The plaintext only
// exists in locked memory for the duration of Use.
type secret struct {
	enclave *memguard.Enclave
}

func sealSecret(value string, logger *slog.Logger) *secret {
	initMemguard(logger)
	return &secret{enclave: memguard.NewEnclave([]byte(value))}
}

// Use opens the enclave, passes the plaintext to fn, and destroys the buffer.
func (s *secret) Use(fn func(plaintext string) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// resolveAPIKey returns the configured key, then OPENAI_API_KEY, then the
// mounted secret file.
func resolveAPIKey(configured string, logger *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(defaultSecretPath)
	if err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			logger.Info("read the OpenAI API key from the mounted secret")
			return key, nil
		}
	}
	return "", ErrMissingAPIKey
}
