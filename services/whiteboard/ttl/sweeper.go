// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
)

// DefaultConcurrency bounds how many sessions are swept at once.
const DefaultConcurrency = 8

// SweeperConfig configures a Sweeper.
//
// # Fields
//
//   - Clock: Time source with sanity checks. Nil uses NewClockChecker().
//   - Concurrency: Sessions swept in parallel. Zero uses DefaultConcurrency.
//   - Logger: Structured logger. Nil uses slog.Default().
type SweeperConfig struct {
	Clock       ClockChecker
	Concurrency int
	Logger      *slog.Logger
}

// Sweeper removes expired ephemeral entries from every live session.
//
// # Thread Safety
//
// Safe for concurrent use. Each session is mutated only inside its own
// document transaction.
type Sweeper struct {
	source      SessionSource
	clock       ClockChecker
	concurrency int
	logger      *slog.Logger
}

// NewSweeper creates a sweeper over source.
func NewSweeper(source SessionSource, config SweeperConfig) *Sweeper {
	if config.Clock == nil {
		config.Clock = NewClockChecker()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sweeper{
		source:      source,
		clock:       config.Clock,
		concurrency: config.Concurrency,
		logger:      config.Logger,
	}
}

// Sweep runs one cycle over all live sessions.
//
// # Description
//
// Reads the time once through the clock checker. An insane clock aborts
// the cycle with an error and nothing is removed. Sessions are then swept
// concurrently, bounded by the configured limit; panics and errors are
// recovered per session and recorded in the result.
//
// # Outputs
//
//   - SweepResult: Totals across sessions.
//   - error: Non-nil only when the cycle could not run at all.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: time.Now()}

	nowMs, err := s.clock.CurrentTimeMs()
	if err != nil {
		result.EndTime = time.Now()
		return result, fmt.Errorf("sweep skipped: %w", err)
	}
	result.NowMs = nowMs

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, sessionID := range s.source.Sessions() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := s.sweepContained(sessionID, nowMs)

			mu.Lock()
			defer mu.Unlock()
			result.SessionsScanned++
			if err != nil {
				result.Errors = append(result.Errors, SweepError{SessionID: sessionID, Reason: err.Error()})
				return nil
			}
			result.EntriesRemoved += outcome.Removed
			result.EntriesSkipped += outcome.Skipped
			if outcome.Removed > 0 {
				result.SessionsSwept++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.EndTime = time.Now()
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// sweepContained sweeps one session, converting a panic into an error.
func (s *Sweeper) sweepContained(sessionID string, nowMs int64) (outcome SessionSweep, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during session sweep",
				"session_id", sessionID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	doc, ok := s.source.Get(sessionID)
	if !ok {
		return SessionSweep{SessionID: sessionID}, nil
	}
	outcome, err = SweepDocument(doc, nowMs)
	if errors.Is(err, crdt.ErrClosed) {
		// Destroyed between listing and sweeping.
		return SessionSweep{SessionID: sessionID}, nil
	}
	return outcome, err
}

// SweepDocument removes every ephemeral entry of doc with expiresAt < nowMs.
//
// # Description
//
// All deletions commit as one transaction tagged with Origin, so observers
// see exactly one delete delta. No expired entries means no delta. Entries
// without a readable expiresAt are counted as skipped and left in place.
//
// # Outputs
//
//   - SessionSweep: Counts and the committed update.
//   - error: crdt.ErrClosed if the session was destroyed mid-sweep.
func SweepDocument(doc *crdt.Document, nowMs int64) (SessionSweep, error) {
	outcome := SessionSweep{SessionID: doc.SessionID()}

	update, err := doc.Transact(Origin, func(txn *crdt.Txn) error {
		outcome.Removed, outcome.Skipped = 0, 0
		for _, id := range txn.Keys(crdt.MapEphemeral) {
			raw, _ := txn.Get(crdt.MapEphemeral, id)
			expiresAt, ok := datatypes.ReadExpiresAt(raw)
			if !ok {
				outcome.Skipped++
				continue
			}
			if expiresAt >= nowMs {
				continue
			}
			if err := txn.Delete(crdt.MapEphemeral, id); err != nil {
				return err
			}
			outcome.Removed++
		}
		return nil
	})
	if err != nil {
		return SessionSweep{SessionID: doc.SessionID()}, err
	}
	outcome.Update = update
	return outcome, nil
}
