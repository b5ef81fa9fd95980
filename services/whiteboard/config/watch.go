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
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events an editor save
// produces.
const DefaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
//
// # Description
//
// Watches the file's directory rather than the file so atomic
// rename-into-place saves are seen. Each change is loaded and validated
// in full; an invalid file is logged and the previous config stays in
// effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine with every valid reloaded config.
func NewWatcher(path string, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
		debounce: DefaultReloadDebounce,
		logger:   logger,
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
