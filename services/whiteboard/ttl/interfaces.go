// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires ephemeral board annotations.
//
// A Scheduler runs a Sweeper on a fixed cadence. Each sweep reads the time
// through a ClockChecker, then removes every ephemeral entry whose
// metadata.expiresAt is in the past, one transaction per session. Sessions
// are swept concurrently and a failure in one never stops the others.
package ttl

import (
	"context"
	"time"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
)

// Origin tags updates committed by the sweeper.
const Origin = "sweeper"

// =============================================================================
// Interfaces
// =============================================================================

// SessionSource lists and resolves live session documents.
// *crdt.Registry satisfies it.
type SessionSource interface {
	Sessions() []string
	Get(sessionID string) (*crdt.Document, bool)
}

// Scheduler manages the background sweep loop.
//
// # Description
//
// Uses the ticker + done channel pattern. Start launches the loop, Stop
// signals it and waits for it to exit, RunNow performs one sweep inline.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler interface {
	// Start begins sweeping at the configured interval. Returns an error
	// if the scheduler is already running.
	Start(ctx context.Context) error

	// Stop signals the loop and waits for the in-flight sweep to finish.
	// Safe to call multiple times.
	Stop() error

	// RunNow performs one sweep immediately.
	RunNow(ctx context.Context) (SweepResult, error)
}

// AuditLogger records sweep outcomes to a dedicated append-only file.
//
// # Description
//
// One JSON object per line. Only cycles that removed or skipped something,
// or that hit errors, are recorded, so an idle board produces no audit
// noise.
type AuditLogger interface {
	// LogSweep records a completed sweep.
	LogSweep(result SweepResult) error

	// LogError records a sweep that could not run or a per-session failure.
	LogError(err error, context string) error

	// Close flushes and closes the file.
	Close() error
}

// =============================================================================
// Results
// =============================================================================

// SweepResult summarizes one sweep across all sessions.
//
// # Fields
//
//   - StartTime, EndTime: Wall-clock bounds of the sweep.
//   - NowMs: The sanity-checked time entries were compared against.
//   - SessionsScanned: Live sessions visited.
//   - SessionsSwept: Sessions where at least one entry was removed.
//   - EntriesRemoved: Ephemeral entries deleted across all sessions.
//   - EntriesSkipped: Entries left because expiresAt was unreadable.
//   - Errors: Per-session failures, including recovered panics.
type SweepResult struct {
	StartTime       time.Time
	EndTime         time.Time
	NowMs           int64
	SessionsScanned int
	SessionsSwept   int
	EntriesRemoved  int
	EntriesSkipped  int
	Errors          []SweepError
}

// Duration returns the wall-clock duration of the sweep.
func (r *SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *SweepResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// HasErrors returns true if any session failed.
func (r *SweepResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Active reports whether the sweep did anything worth recording.
func (r *SweepResult) Active() bool {
	return r.EntriesRemoved > 0 || r.EntriesSkipped > 0 || r.HasErrors()
}

// SweepError is one session's failure.
type SweepError struct {
	SessionID string
	Reason    string
}

// SessionSweep is the outcome for a single session.
type SessionSweep struct {
	SessionID string
	Removed   int
	Skipped   int
	Update    crdt.Update
}
