// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay is the sync channel between connected peers and the
// authoritative session documents.
//
// # Description
//
// Inbound frames are applied to the session document and sanitized in the
// same commit. The hub observes every document and forwards each effective
// update to every peer of the session except the one that produced it;
// that peer gets only the corrections made on top of its delta, if any.
// Updates from the sweeper or a snapshot restore reach everyone. Because
// the hub is a document observer, a delta is on the wire only after it is
// in the document.
//
// Framing is one binary message per delta or full-state encoding with no
// envelope.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/boardsync/services/whiteboard/content"
	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
)

var tracer = otel.Tracer("boardsync.whiteboard.relay")

// IdleHook is called, outside all hub and document locks, when the last
// peer of a session leaves.
type IdleHook func(sessionID string)

// HubConfig configures a Hub.
//
// # Fields
//
//   - Registry: Live documents. Required.
//   - Sanitizer: Attributes the objects of every inbound delta. Nil
//     creates one with Logger.
//   - FrameRate, FrameBurst: Per-peer inbound token bucket. Zero FrameRate
//     disables limiting.
//   - IdleHook: Optional callback when a session's last peer leaves.
//   - Logger: Structured logger. Nil uses slog.Default().
//   - Metrics: Optional metrics.
type HubConfig struct {
	Registry   *crdt.Registry
	Sanitizer  *content.Sanitizer
	FrameRate  rate.Limit
	FrameBurst int
	IdleHook   IdleHook
	Logger     *slog.Logger
	Metrics    *observability.BoardMetrics
}

// Peer is one joined connection.
type Peer struct {
	conn      Conn
	sessionID string
	actorID   string
	joinedAt  time.Time
	limiter   *rate.Limiter
}

// ID returns the connection id, used as the origin of the peer's updates.
func (p *Peer) ID() string { return p.conn.ID() }

// SessionID returns the session the peer joined.
func (p *Peer) SessionID() string { return p.sessionID }

// ActorID returns the authenticated user behind the peer.
func (p *Peer) ActorID() string { return p.actorID }

type room struct {
	peers map[string]*Peer
}

// Hub relays updates between peers and documents.
//
// # Thread Safety
//
// Safe for concurrent use. Lock order is document lock, then hub lock;
// the hub never takes a document lock while holding its own.
type Hub struct {
	registry   *crdt.Registry
	sanitizer  *content.Sanitizer
	frameRate  rate.Limit
	frameBurst int
	idleHook   IdleHook
	logger     *slog.Logger
	metrics    *observability.BoardMetrics

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub and starts observing every document the registry
// creates from now on.
func NewHub(config HubConfig) *Hub {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sanitizer == nil {
		config.Sanitizer = content.NewSanitizer(config.Logger)
	}
	if config.FrameRate > 0 && config.FrameBurst <= 0 {
		config.FrameBurst = 1
	}

	h := &Hub{
		registry:   config.Registry,
		sanitizer:  config.Sanitizer,
		frameRate:  config.FrameRate,
		frameBurst: config.FrameBurst,
		idleHook:   config.IdleHook,
		logger:     config.Logger,
		metrics:    config.Metrics,
		rooms:      make(map[string]*room),
	}
	config.Registry.OnCreate(h.attach)
	return h
}

// attach subscribes the hub to doc's updates.
func (h *Hub) attach(doc *crdt.Document) {
	sessionID := doc.SessionID()
	doc.Observe(func(u crdt.Update) {
		h.broadcast(sessionID, u)
	})
}

// =============================================================================
// Peers
// =============================================================================

// Join registers conn as a peer of sessionID.
//
// # Description
//
// Gets or creates the document, then, while holding it, enqueues the full
// encoding (only if the document has ever held an entry) and adds the peer
// to the fan-out. No update can slip between the full state and the first
// forwarded delta.
//
// # Outputs
//
//   - *Peer: Handle for HandleFrame and Leave.
//   - error: *TransportError if the initial send failed, crdt.ErrClosed if
//     the session was destroyed concurrently.
func (h *Hub) Join(ctx context.Context, sessionID, actorID string, conn Conn) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, _ := h.registry.GetOrCreate(sessionID)
	peer := &Peer{
		conn:      conn,
		sessionID: sessionID,
		actorID:   actorID,
		joinedAt:  time.Now(),
	}
	if h.frameRate > 0 {
		peer.limiter = rate.NewLimiter(h.frameRate, h.frameBurst)
	}

	var sendErr error
	doc.ReadFull(func(full []byte) {
		if full != nil {
			if err := conn.Send(full); err != nil {
				sendErr = &TransportError{PeerID: conn.ID(), SessionID: sessionID, Err: err}
				return
			}
			h.metrics.RecordFrame(observability.DirectionOut, observability.FrameOK)
		}
		h.mu.Lock()
		r, ok := h.rooms[sessionID]
		if !ok {
			r = &room{peers: make(map[string]*Peer)}
			h.rooms[sessionID] = r
		}
		r.peers[conn.ID()] = peer
		h.mu.Unlock()
	})
	if sendErr != nil {
		h.metrics.RecordTransportError()
		return nil, sendErr
	}
	if doc.Closed() {
		h.remove(peer)
		return nil, crdt.ErrClosed
	}

	h.metrics.PeerJoined()
	h.logger.Info("peer joined",
		"session_id", sessionID,
		"actor_id", actorID,
		"peer_id", conn.ID(),
	)
	return peer, nil
}

// Leave removes peer from its session's fan-out. Frames still queued on the
// connection may be dropped. When it was the session's last peer the idle
// hook runs.
func (h *Hub) Leave(peer *Peer) {
	removed, empty := h.remove(peer)
	if !removed && !empty {
		return
	}
	if removed {
		h.metrics.PeerLeft()
		h.logger.Info("peer left",
			"session_id", peer.sessionID,
			"peer_id", peer.ID(),
			"connected_for", time.Since(peer.joinedAt).String(),
		)
	}
	if empty && h.idleHook != nil {
		h.idleHook(peer.sessionID)
	}
}

// remove deletes peer from its room. empty is true when this call left the
// room without peers and deleted it.
func (h *Hub) remove(peer *Peer) (removed, empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[peer.sessionID]
	if !ok {
		return false, false
	}
	if current, ok := r.peers[peer.ID()]; ok && current == peer {
		delete(r.peers, peer.ID())
		removed = true
	}
	if len(r.peers) == 0 {
		delete(h.rooms, peer.sessionID)
		empty = true
	}
	return removed, empty
}

// CloseSession disconnects every peer of sessionID without running the
// idle hook.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	if !ok {
		return 0
	}
	for _, peer := range r.peers {
		_ = peer.conn.Close()
		h.metrics.PeerLeft()
	}
	return len(r.peers)
}

// Close disconnects every peer of every session.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		for _, peer := range r.peers {
			_ = peer.conn.Close()
			h.metrics.PeerLeft()
		}
	}
}

// Peers returns the peer ids of sessionID in sorted order.
func (h *Hub) Peers(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// Inbound
// =============================================================================

// HandleFrame is the only inbound path for a joined peer.
//
// # Description
//
// Applies and sanitizes the frame with the peer's id as origin. Frames
// over the peer's rate budget are dropped. A malformed frame is logged and
// dropped; the connection stays open.
//
// # Outputs
//
//   - error: Non-nil only when the connection should be closed (the
//     session was destroyed, or ctx is done).
func (h *Hub) HandleFrame(ctx context.Context, peer *Peer, frame []byte) error {
	if peer.limiter != nil && !peer.limiter.Allow() {
		h.metrics.RecordFrame(observability.DirectionIn, observability.FrameRateLimited)
		h.logger.Warn("inbound frame over rate limit, dropped",
			"session_id", peer.sessionID,
			"peer_id", peer.ID(),
			"bytes", len(frame),
		)
		return nil
	}

	_, err := h.Ingest(ctx, peer.sessionID, peer.actorID, peer.ID(), frame)
	if errors.Is(err, crdt.ErrDecode) {
		h.logger.Warn("malformed frame dropped",
			"session_id", peer.sessionID,
			"peer_id", peer.ID(),
			"bytes", len(frame),
			"error", err,
		)
		return nil
	}
	return err
}

// Ingest applies an inbound delta to sessionID's document and sanitizes
// it in the same commit.
//
// # Description
//
// The document is created if missing. Every object the delta writes gets
// its source attributed before any peer sees it: other peers receive the
// corrected delta, and the sender receives only the corrections.
//
// # Inputs
//
//   - sessionID: Target session.
//   - actorID: Authenticated user, for sanitizer attribution logs.
//   - origin: Update origin; peers with this id do not get the echo.
//   - frame: Wire-format delta.
//
// # Outputs
//
//   - crdt.Update: The effective update, corrections included.
//   - error: *crdt.DecodeError (state untouched), crdt.ErrClosed or the
//     ctx error.
func (h *Hub) Ingest(ctx context.Context, sessionID, actorID, origin string, frame []byte) (crdt.Update, error) {
	ctx, span := tracer.Start(ctx, "relay.Ingest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("origin", origin),
			attribute.Int("bytes", len(frame)),
		),
	)
	defer span.End()

	doc, _ := h.registry.GetOrCreate(sessionID)
	update, result, err := h.sanitizer.ApplySanitized(ctx, doc, frame, origin, actorID)
	if err != nil {
		status := observability.FrameDropped
		if errors.Is(err, crdt.ErrDecode) {
			status = observability.FrameDecodeError
		}
		h.metrics.RecordFrame(observability.DirectionIn, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return crdt.Update{}, err
	}
	if update.Empty() {
		h.metrics.RecordFrame(observability.DirectionIn, observability.FrameRedundant)
		return update, nil
	}
	h.metrics.RecordFrame(observability.DirectionIn, observability.FrameOK)
	h.metrics.RecordCorrections(result.Corrections)
	return update, nil
}

// =============================================================================
// Outbound
// =============================================================================

// broadcast forwards u to every peer of sessionID. The origin gets only
// u.Echo, and nothing when that is empty. Runs under the document's write
// lock, so it only enqueues, and failed peers are aborted, not closed.
func (h *Hub) broadcast(sessionID string, u crdt.Update) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}

	var failed []*Peer
	for id, peer := range r.peers {
		frame := u.Delta
		if id == u.Origin {
			if len(u.Echo) == 0 {
				continue
			}
			frame = u.Echo
		}
		if err := peer.conn.Send(frame); err != nil {
			delete(r.peers, id)
			failed = append(failed, peer)
			h.logger.Warn("peer removed after failed send",
				"session_id", sessionID,
				"peer_id", id,
				"error", (&TransportError{PeerID: id, SessionID: sessionID, Err: err}).Error(),
			)
			continue
		}
		h.metrics.RecordFrame(observability.DirectionOut, observability.FrameOK)
	}
	h.mu.Unlock()

	for _, peer := range failed {
		h.metrics.RecordTransportError()
		h.metrics.PeerLeft()
		peer.conn.Abort()
	}
}
