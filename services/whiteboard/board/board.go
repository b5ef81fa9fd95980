// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package board composes the whiteboard components into the operations the
// service exposes.
//
// # Description
//
// A Board owns the session registry and wires the relay hub, the content
// sanitizer, the ephemeral sweeper and snapshot persistence around it:
//
//	peer frame -> Hub.HandleFrame -> Sanitizer.ApplySanitized -> Document.ApplyThen
//	                                                                  |
//	                                                observer -> Hub fan-out
//	Scheduler -> Sweeper -> Document.Transact -----------------------^
//	Persister <-> Store            Summarize <- Document | detached snapshot
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/boardsync/services/whiteboard/content"
	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
	"github.com/AleutianAI/boardsync/services/whiteboard/digest"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
	"github.com/AleutianAI/boardsync/services/whiteboard/relay"
	"github.com/AleutianAI/boardsync/services/whiteboard/snapshot"
	"github.com/AleutianAI/boardsync/services/whiteboard/ttl"
)

// OriginInbound tags deltas applied through ApplyInboundDelta rather than
// a connected peer. They reach every peer.
const OriginInbound = "inbound"

// Digest fallback reasons.
const (
	FallbackMissing    = "missing"
	FallbackStoreError = "store_error"
	FallbackCorrupt    = "corrupt"
)

// Options configures a Board.
//
// # Fields
//
//   - Store: Snapshot store. Nil uses an in-memory store.
//   - Compression: Snapshot payload compression.
//   - SnapshotOnIdle: Take a snapshot when a session's last peer leaves.
//   - RestoreOnJoin: Load the stored snapshot before a session's first
//     peer joins, when the session has no live document.
//   - SnapshotOnDestroy: Take a snapshot before DestroySession.
//   - FrameRate, FrameBurst: Per-peer inbound limit. Zero disables it.
//   - SweepInterval, SweepConcurrency: Ephemeral sweeper cadence and
//     parallelism.
//   - Clock: Sweeper time source. Nil uses the system clock.
//   - Audit: Optional sweep audit log. The Board closes it.
//   - SnapshotTimeout: Bound on background snapshots. Default: 10s.
//   - Logger, Metrics: Optional.
type Options struct {
	Store             snapshot.Store
	Compression       snapshot.Compression
	SnapshotOnIdle    bool
	RestoreOnJoin     bool
	SnapshotOnDestroy bool
	FrameRate         rate.Limit
	FrameBurst        int
	SweepInterval     time.Duration
	SweepConcurrency  int
	Clock             ttl.ClockChecker
	Audit             ttl.AuditLogger
	SnapshotTimeout   time.Duration
	Logger            *slog.Logger
	Metrics           *observability.BoardMetrics
}

// Board is the whiteboard engine.
type Board struct {
	opts      Options
	registry  *crdt.Registry
	hub       *relay.Hub
	persister *snapshot.Persister
	sweeper   *ttl.Sweeper
	scheduler ttl.Scheduler
	logger    *slog.Logger
	metrics   *observability.BoardMetrics

	loads singleflight.Group
}

// New builds a Board. Call Start to begin sweeping and Close to release
// everything.
func New(opts Options) *Board {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = snapshot.NewMemoryStore()
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 10 * time.Second
	}

	b := &Board{
		opts:     opts,
		registry: crdt.NewRegistry(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	b.hub = relay.NewHub(relay.HubConfig{
		Registry:   b.registry,
		Sanitizer:  content.NewSanitizer(opts.Logger),
		FrameRate:  opts.FrameRate,
		FrameBurst: opts.FrameBurst,
		IdleHook:   b.onIdle,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	b.persister = snapshot.NewPersister(snapshot.PersisterConfig{
		Registry:    b.registry,
		Store:       opts.Store,
		Compression: opts.Compression,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	b.sweeper = ttl.NewSweeper(b.registry, ttl.SweeperConfig{
		Clock:       opts.Clock,
		Concurrency: opts.SweepConcurrency,
		Logger:      opts.Logger,
	})
	b.scheduler = ttl.NewScheduler(b.sweeper, opts.Audit, opts.Logger, ttl.SchedulerConfig{
		Interval: opts.SweepInterval,
		OnSweep:  b.recordSweep,
	})
	return b
}

// Start begins periodic ephemeral sweeps.
func (b *Board) Start(ctx context.Context) error {
	return b.scheduler.Start(ctx)
}

// Close stops sweeping, snapshots live sessions when SnapshotOnIdle is set,
// disconnects every peer and releases all documents.
func (b *Board) Close() error {
	var errs []error
	if err := b.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sweep scheduler: %w", err))
	}
	b.hub.Close()

	if b.opts.SnapshotOnIdle {
		for _, id := range b.registry.Sessions() {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.SnapshotTimeout)
			if _, err := b.persister.Take(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("snapshot %s on shutdown: %w", id, err))
			}
			cancel()
		}
	}

	b.registry.Close()
	b.metrics.SetLiveDocuments(0)
	if b.opts.Audit != nil {
		if err := b.opts.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sweep audit log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Registry returns the live session registry.
func (b *Board) Registry() *crdt.Registry { return b.registry }

// Hub returns the relay hub.
func (b *Board) Hub() *relay.Hub { return b.hub }

// =============================================================================
// Exposed operations
// =============================================================================

// GetBoardDigest summarizes sessionID.
//
// # Description
//
// Uses the live document when one exists, otherwise the stored snapshot
// decoded into a detached document. Any failure yields an empty digest and
// is logged; this never returns an error.
//
// # Examples
//
//	d := b.GetBoardDigest(ctx, "sess-1")
//	fmt.Println(d.Counts.ByKind["rect"])
func (b *Board) GetBoardDigest(ctx context.Context, sessionID string) datatypes.BoardDigest {
	if doc, ok := b.registry.Get(sessionID); ok {
		return b.summarize(sessionID, doc)
	}

	doc, err := b.persister.Detached(ctx, sessionID)
	if err != nil {
		reason := FallbackStoreError
		switch {
		case errors.Is(err, snapshot.ErrNotFound):
			reason = FallbackMissing
		case errors.Is(err, crdt.ErrDecode):
			reason = FallbackCorrupt
		}
		b.metrics.RecordDigestFallback(reason)
		if reason == FallbackMissing {
			b.logger.Debug("digest of unknown session", "session_id", sessionID)
		} else {
			b.logger.Warn("digest fell back to empty", "session_id", sessionID, "reason", reason, "error", err)
		}
		return datatypes.EmptyDigest()
	}
	return b.summarize(sessionID, doc)
}

func (b *Board) summarize(sessionID string, doc *crdt.Document) datatypes.BoardDigest {
	d, report := digest.SummarizeWithReport(doc)
	if report.Skipped() > 0 {
		b.logger.Warn("digest skipped malformed entries",
			"session_id", sessionID,
			"objects", report.SkippedObjects,
			"ephemeral", report.SkippedEphemeral,
		)
	}
	return d
}

// ApplyInboundDelta merges data into sessionID's document, creating it if
// needed, and sanitizes it in the same commit. Every connected peer
// receives the corrected result.
//
// # Outputs
//
//   - error: *crdt.DecodeError for malformed data; state is unchanged.
func (b *Board) ApplyInboundDelta(ctx context.Context, sessionID string, data []byte, actorID string) error {
	_, existed := b.registry.Get(sessionID)
	_, err := b.hub.Ingest(ctx, sessionID, actorID, OriginInbound, data)
	if !existed {
		b.metrics.SetLiveDocuments(b.registry.Len())
	}
	return err
}

// TakeSnapshot stores and returns a snapshot of the live document.
//
// # Outputs
//
//   - error: snapshot.ErrNoSession or *snapshot.StoreError.
func (b *Board) TakeSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	return b.persister.Take(ctx, sessionID)
}

// RestoreFromSnapshot merges a snapshot into sessionID's document.
//
// # Outputs
//
//   - error: *crdt.DecodeError; the live document is untouched.
func (b *Board) RestoreFromSnapshot(ctx context.Context, sessionID string, data []byte) error {
	err := b.persister.Restore(ctx, sessionID, data)
	b.metrics.SetLiveDocuments(b.registry.Len())
	return err
}

// LoadSnapshot restores the stored snapshot of sessionID. It reports false
// when nothing is stored.
func (b *Board) LoadSnapshot(ctx context.Context, sessionID string) (bool, error) {
	v, err, _ := b.loads.Do(sessionID, func() (any, error) {
		return b.persister.Load(ctx, sessionID)
	})
	b.metrics.SetLiveDocuments(b.registry.Len())
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// DestroySession disconnects every peer of sessionID and releases its
// document. With SnapshotOnDestroy a snapshot is taken first; a failed
// snapshot aborts the destroy.
//
// # Outputs
//
//   - bool: False if the session had no live document.
//   - error: Snapshot failure.
func (b *Board) DestroySession(ctx context.Context, sessionID string) (bool, error) {
	if _, ok := b.registry.Get(sessionID); !ok {
		return false, nil
	}
	if b.opts.SnapshotOnDestroy {
		if _, err := b.persister.Take(ctx, sessionID); err != nil && !errors.Is(err, snapshot.ErrNoSession) {
			return false, fmt.Errorf("snapshot before destroy: %w", err)
		}
	}

	existed := b.registry.Destroy(sessionID)
	peers := b.hub.CloseSession(sessionID)
	b.metrics.SetLiveDocuments(b.registry.Len())

	b.logger.Info("session destroyed", "session_id", sessionID, "peers_disconnected", peers)
	return existed, nil
}

// Connect serves one websocket peer until it disconnects.
//
// # Description
//
// With RestoreOnJoin, a session without a live document first loads its
// stored snapshot. A failed load is logged and the peer joins an empty
// document.
func (b *Board) Connect(ctx context.Context, sessionID, actorID string, conn *relay.WebSocketConn) error {
	b.ensureLoaded(ctx, sessionID)
	defer b.metrics.SetLiveDocuments(b.registry.Len())
	return b.hub.Serve(ctx, sessionID, actorID, conn)
}

func (b *Board) ensureLoaded(ctx context.Context, sessionID string) {
	if !b.opts.RestoreOnJoin {
		return
	}
	if _, ok := b.registry.Get(sessionID); ok {
		return
	}
	found, err := b.LoadSnapshot(ctx, sessionID)
	if err != nil {
		b.logger.Warn("restore on join failed", "session_id", sessionID, "error", err)
		return
	}
	if found {
		b.logger.Info("session restored from snapshot on join", "session_id", sessionID)
	}
}

// =============================================================================
// Hooks
// =============================================================================

func (b *Board) onIdle(sessionID string) {
	if !b.opts.SnapshotOnIdle {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SnapshotTimeout)
	defer cancel()

	if _, err := b.persister.Take(ctx, sessionID); err != nil && !errors.Is(err, snapshot.ErrNoSession) {
		b.logger.Error("snapshot on idle failed", "session_id", sessionID, "error", err)
	}
}

func (b *Board) recordSweep(result ttl.SweepResult) {
	b.metrics.RecordSweep(result.Duration().Seconds(), result.EntriesRemoved, len(result.Errors))
	b.metrics.SetLiveDocuments(b.registry.Len())
}

// RunSweep runs one sweep immediately.
func (b *Board) RunSweep(ctx context.Context) (ttl.SweepResult, error) {
	return b.scheduler.RunNow(ctx)
}
