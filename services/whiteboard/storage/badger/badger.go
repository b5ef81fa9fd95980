// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that backs local
// snapshot storage.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests and dev mode.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB with its GC runner.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	*badger.DB
	path      string
	inMemory  bool
	gc        *gcRunner
	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by cfg and starts value log GC when
// configured.
//
// # Outputs
//
//   - *DB: The managed database. Call Close when done.
//   - error: Non-nil if Path is missing or the database cannot be opened.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	wrapped := &DB{DB: db, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		wrapped.gc = startGC(db, cfg.GCInterval, ratio, cfg.Logger)
	}
	return wrapped, nil
}

// OpenInMemory opens an in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Path returns the database directory, empty for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the database is in-memory.
func (d *DB) InMemory() bool { return d.inMemory }

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// WithTxn runs fn in a read-write transaction and commits if fn returns
// nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// gcRunner periodically runs value log GC.
type gcRunner struct {
	db       *badger.DB
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	r := &gcRunner{
		db:     db,
		ratio:  ratio,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.run(interval)
	return r
}

func (r *gcRunner) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *gcRunner) run(interval time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *gcRunner) collect() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	case errors.Is(err, badger.ErrNoRewrite):
		// Nothing to collect.
	default:
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
