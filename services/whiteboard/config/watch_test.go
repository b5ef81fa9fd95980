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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := writeConfig(t, "auth:\n  tokens:\n    a: alice\n")

	reloaded := make(chan Config, 4)
	w, err := NewWatcher(path, nil, func(c Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("snapshot:\n  backend: nope\n"), 0600))
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("auth:\n  tokens:\n    b: bob\n"), 0600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, map[string]string{"b": "bob"}, cfg.Auth.Tokens)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after a valid change")
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(t.TempDir()+"/absent/boardsync.yaml", nil, func(Config) {})
	assert.Error(t, err)
}
