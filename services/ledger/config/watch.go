// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the config file at path whenever it changes.
//
// Description:
//
//	Watches the file's directory, since editors often replace the file
//	rather than write it in place. Events for other files are ignored.
//	After DefaultDebounce of quiet, the file is loaded and validated; a
//	valid config is passed to onChange, an invalid one is logged and
//	the previous config stays in effect.
//
// Inputs:
//
//	ctx - Stops the watcher when cancelled.
//	path - The config file. Must be non-empty.
//	logger - Receives reload outcomes. nil uses slog.Default().
//	onChange - Called from the watcher goroutine with each valid reload.
//
// Outputs:
//
//	error - The watcher could not be created.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("watch: empty path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()

		timer := time.NewTimer(DefaultDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				timer.Reset(DefaultDebounce)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.String("error", err.Error()))

			case <-timer.C:
				cfg, err := Load(abs)
				if err != nil {
					logger.Warn("config reload rejected",
						slog.String("path", abs),
						slog.String("error", err.Error()),
					)
					continue
				}
				logger.Info("config reloaded", slog.String("path", abs))
				onChange(cfg)
			}
		}
	}()
	return nil
}
