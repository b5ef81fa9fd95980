// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())

	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenPersistent verifies data survives a reopen.
func TestOpenPersistent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, dir, db2.Path())
	err = db2.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("persistent-key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("persistent-value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_RequiresPath verifies a persistent config without a path fails.
func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

// TestWithTxn_RollsBackOnError verifies nothing commits when fn fails.
func TestWithTxn_RollsBackOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

// TestWithTxn_CancelledContext verifies a done context short-circuits.
func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.WithTxn(ctx, func(*badger.Txn) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// TestClose_StopsGC verifies the GC goroutine exits and Close is
// idempotent.
func TestClose_StopsGC(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	cfg.GCInterval = 10 * time.Millisecond

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NotNil(t, db.gc)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	select {
	case <-db.gc.doneCh:
	default:
		t.Error("GC runner still running after Close")
	}
}
