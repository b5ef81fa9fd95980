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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Sweep Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the sweep scheduler.
//
// # Fields
//
//   - Interval: Time between sweeps. Default: 10 seconds.
//   - SweepTimeout: Upper bound on one sweep. Default: Interval.
//   - OnSweep: Optional hook called after every completed sweep (metrics).
//     Deletes reach peers through document observers, not this hook.
type SchedulerConfig struct {
	Interval     time.Duration
	SweepTimeout time.Duration
	OnSweep      func(SweepResult)
}

// DefaultSchedulerConfig returns the production cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 10 * time.Second,
	}
}

// sweepScheduler implements Scheduler.
//
// # Fields
//
//   - sweeper: Does the work of one cycle.
//   - audit: Audit file writer (may be nil for slog-only logging).
//   - config: Scheduler configuration.
//   - done: Closed to request shutdown.
//   - exited: Closed by the loop goroutine when it returns.
//   - mu: Protects running, done and exited.
type sweepScheduler struct {
	sweeper *Sweeper
	audit   AuditLogger
	config  SchedulerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// NewScheduler creates a scheduler driving sweeper.
//
// # Inputs
//
//   - sweeper: The sweeper to run each cycle.
//   - audit: Audit logger. May be nil.
//   - logger: Structured logger. Nil uses slog.Default().
//   - config: Interval and hooks. Zero Interval uses the default.
//
// # Examples
//
//	sweeper := NewSweeper(registry, SweeperConfig{})
//	scheduler := NewScheduler(sweeper, nil, logger, DefaultSchedulerConfig())
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
//
// # Limitations
//
//   - Only one scheduler should run per process.
func NewScheduler(sweeper *Sweeper, audit AuditLogger, logger *slog.Logger, config SchedulerConfig) Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = config.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sweepScheduler{
		sweeper: sweeper,
		audit:   audit,
		config:  config,
		logger:  logger,
	}
}

// Start launches the sweep loop.
func (s *sweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	s.logger.Info("ephemeral sweep scheduler starting",
		"interval", s.config.Interval.String(),
	)

	go s.runLoop(ctx, s.done, s.exited)
	return nil
}

// Stop signals the loop and waits for it to exit.
func (s *sweepScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("ephemeral sweep scheduler stopping")
	close(s.done)
	exited := s.exited
	s.running = false
	s.mu.Unlock()

	<-exited
	return nil
}

// RunNow performs one sweep immediately.
func (s *sweepScheduler) RunNow(ctx context.Context) (SweepResult, error) {
	return s.executeSweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *sweepScheduler) runLoop(ctx context.Context, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ephemeral sweep scheduler stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("ephemeral sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			_, _ = s.executeSweep(ctx)
		}
	}
}

// executeSweep runs one cycle with logging, auditing and the hook.
func (s *sweepScheduler) executeSweep(ctx context.Context) (SweepResult, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
	defer cancel()

	result, err := s.sweeper.Sweep(sweepCtx)
	if err != nil {
		s.logger.Warn("ephemeral sweep cycle failed", "error", err)
		if s.audit != nil {
			_ = s.audit.LogError(err, "sweep_cycle")
		}
		return result, err
	}

	for _, sweepErr := range result.Errors {
		s.logger.Error("session sweep failed",
			"session_id", sweepErr.SessionID,
			"error", sweepErr.Reason,
		)
	}

	if result.Active() {
		s.logger.Info("ephemeral sweep cycle completed",
			"sessions_scanned", result.SessionsScanned,
			"sessions_swept", result.SessionsSwept,
			"entries_removed", result.EntriesRemoved,
			"entries_skipped", result.EntriesSkipped,
			"errors", len(result.Errors),
			"duration_ms", result.DurationMs(),
		)
		if s.audit != nil {
			_ = s.audit.LogSweep(result)
		}
	} else {
		s.logger.Debug("ephemeral sweep cycle completed (nothing expired)",
			"sessions_scanned", result.SessionsScanned,
		)
	}

	if s.config.OnSweep != nil {
		s.config.OnSweep(result)
	}
	return result, nil
}
