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
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker validates the system clock before expiry decisions.
//
// # Description
//
// A clock set far into the future would expire every annotation on every
// board at once. The sweeper asks the checker for the time and skips the
// cycle when the clock looks wrong.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ClockChecker interface {
	// CheckClockSanity returns an error when the clock is outside the
	// configured bounds or jumped since the last good reading.
	CheckClockSanity() error

	// CurrentTimeMs returns Unix milliseconds if the clock is sane.
	CurrentTimeMs() (int64, error)

	// ResetJumpDetection forgets the last good reading. Call after a known
	// legitimate time change such as resume from sleep.
	ResetJumpDetection()
}

// ClockConfig bounds acceptable clock readings.
//
// # Fields
//
//   - MinValidTime: Earliest acceptable time (default: 2025-01-01).
//   - MaxValidTime: Latest acceptable time (default: 2035-12-31).
//   - MaxBackwardJump: Largest allowed step back between checks (default: 1 hour).
//   - MaxForwardJump: Largest allowed step forward between checks (default: 2 hours).
//   - Now: Time source. Nil uses time.Now.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
	Now             func() time.Time
}

// DefaultClockConfig returns production bounds.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

type clockChecker struct {
	config            ClockConfig
	now               func() time.Time
	mu                sync.Mutex
	lastKnownGoodTime time.Time
	checkCount        int64
}

// NewClockChecker creates a checker with DefaultClockConfig.
func NewClockChecker() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig())
}

// NewClockCheckerWithConfig creates a checker with custom bounds.
//
// # Examples
//
//	checker := NewClockCheckerWithConfig(ClockConfig{
//	    MinValidTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
//	    MaxValidTime:    time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC),
//	    MaxBackwardJump: 30 * time.Minute,
//	    MaxForwardJump:  time.Hour,
//	})
func NewClockCheckerWithConfig(config ClockConfig) ClockChecker {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &clockChecker{
		config:            config,
		now:               now,
		lastKnownGoodTime: now(),
	}
}

// CheckClockSanity validates the current reading.
//
// # Description
//
// Performs three checks: not before MinValidTime, not after MaxValidTime,
// and no jump beyond the configured thresholds since the last good
// reading. Jump detection is skipped on the first check and after
// ResetJumpDetection.
func (c *clockChecker) CheckClockSanity() error {
	_, err := c.check()
	return err
}

func (c *clockChecker) check() (time.Time, error) {
	now := c.now()

	if now.Before(c.config.MinValidTime) {
		return now, fmt.Errorf("clock sanity: time %v is before minimum valid time %v",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return now, fmt.Errorf("clock sanity: time %v is after maximum valid time %v",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkCount > 0 {
		diff := now.Sub(c.lastKnownGoodTime)
		if diff < -c.config.MaxBackwardJump {
			return now, fmt.Errorf("clock sanity: backward jump of %v detected (max allowed: %v)",
				-diff, c.config.MaxBackwardJump)
		}
		if diff > c.config.MaxForwardJump {
			return now, fmt.Errorf("clock sanity: forward jump of %v detected (max allowed: %v)",
				diff, c.config.MaxForwardJump)
		}
	}

	c.lastKnownGoodTime = now
	c.checkCount++
	return now, nil
}

// CurrentTimeMs returns the checked reading in Unix milliseconds.
func (c *clockChecker) CurrentTimeMs() (int64, error) {
	now, err := c.check()
	if err != nil {
		return 0, err
	}
	return now.UnixMilli(), nil
}

// ResetJumpDetection resets the jump baseline to the current reading.
func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastKnownGoodTime = c.now()
	c.checkCount = 0
}
