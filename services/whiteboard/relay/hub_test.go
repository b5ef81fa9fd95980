// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
	"github.com/AleutianAI/boardsync/services/whiteboard/ttl"
)

// fakeConn records frames and can be told to fail.
type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
	aborted bool

	// closeGate, when set, makes Close block until it is closed.
	closeGate chan struct{}
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
}

func (c *fakeConn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// replay applies every frame conn received to a fresh client replica.
func replay(t *testing.T, conn *fakeConn) *crdt.Document {
	t.Helper()
	doc := crdt.New("client")
	for _, frame := range conn.Frames() {
		_, err := doc.Apply(frame, "server")
		require.NoError(t, err)
	}
	return doc
}

func objectDelta(t *testing.T, client *crdt.Document, spec datatypes.ObjectSpec) []byte {
	t.Helper()
	raw, err := datatypes.EncodeObject(spec)
	require.NoError(t, err)
	u, err := client.Transact("local", func(txn *crdt.Txn) error {
		return txn.Set(crdt.MapObjects, spec.ID, raw)
	})
	require.NoError(t, err)
	return u.Delta
}

func newTestHub(t *testing.T, config HubConfig) (*Hub, *crdt.Registry) {
	t.Helper()
	if config.Registry == nil {
		config.Registry = crdt.NewRegistry()
	}
	return NewHub(config), config.Registry
}

func TestJoin_EmptySessionSendsNothing(t *testing.T) {
	hub, registry := newTestHub(t, HubConfig{})
	conn := newFakeConn("a")

	peer, err := hub.Join(context.Background(), "s1", "alice", conn)
	require.NoError(t, err)

	assert.Equal(t, "a", peer.ID())
	assert.Equal(t, "s1", peer.SessionID())
	assert.Equal(t, "alice", peer.ActorID())
	assert.Empty(t, conn.Frames())
	assert.Equal(t, []string{"a"}, hub.Peers("s1"))

	_, ok := registry.Get("s1")
	assert.True(t, ok, "join creates the document")
}

func TestJoin_SendsFullStateFirst(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	ctx := context.Background()

	writer := newFakeConn("w")
	wp, err := hub.Join(ctx, "s1", "alice", writer)
	require.NoError(t, err)
	client := crdt.New("s1")
	require.NoError(t, hub.HandleFrame(ctx, wp, objectDelta(t, client, datatypes.ObjectSpec{
		ID: "o1", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: datatypes.SourceUser},
	})))

	late := newFakeConn("late")
	_, err = hub.Join(ctx, "s1", "bob", late)
	require.NoError(t, err)

	frames := late.Frames()
	require.Len(t, frames, 1)
	got := replay(t, late)
	_, ok := got.Objects().Get("o1")
	assert.True(t, ok)
}

func TestHandleFrame_NoEchoToOrigin(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	pa, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "bob", b)
	require.NoError(t, err)

	client := crdt.New("s1")
	require.NoError(t, hub.HandleFrame(ctx, pa, objectDelta(t, client, datatypes.ObjectSpec{
		ID: "o1", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: datatypes.SourceUser},
	})))

	assert.Empty(t, a.Frames(), "sender must not receive its own delta")
	assert.Len(t, b.Frames(), 1)

	// Replaying the same frame is redundant and produces no traffic.
	require.NoError(t, hub.HandleFrame(ctx, pa, client.EncodeFull()))
	assert.Len(t, b.Frames(), 1)
}

func TestHandleFrame_PeersOnlySeeSanitizedObjects(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewBoardMetrics(reg)
	hub, registry := newTestHub(t, HubConfig{Metrics: metrics})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	pa, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "bob", b)
	require.NoError(t, err)

	client := crdt.New("s1")
	require.NoError(t, hub.HandleFrame(ctx, pa, objectDelta(t, client, datatypes.ObjectSpec{
		ID: "o1", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: "ai_agent"},
	})))

	// Other peers get one frame that is already attributed.
	require.Len(t, b.Frames(), 1)
	delta, err := crdt.DecodeDelta(b.Frames()[0])
	require.NoError(t, err)
	require.Len(t, delta.Ops, 1)
	spec, err := datatypes.DecodeObject(delta.Ops[0].Value)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceUser, spec.Metadata.Source)

	// The sender gets only the correction; it already holds its own write.
	require.Len(t, a.Frames(), 1)
	_, err = client.Apply(a.Frames()[0], "server")
	require.NoError(t, err)

	for _, doc := range []*crdt.Document{client, replay(t, b)} {
		raw, ok := doc.Objects().Get("o1")
		require.True(t, ok)
		spec, err := datatypes.DecodeObject(raw)
		require.NoError(t, err)
		assert.Equal(t, datatypes.SourceUser, spec.Metadata.Source)
	}

	server, _ := registry.Get("s1")
	assert.Equal(t, server.EncodeFull(), client.EncodeFull(), "sender converges with the server")
	assert.Equal(t, server.EncodeFull(), replay(t, b).EncodeFull(), "peer converges with the server")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SanitizeCorrectionsTotal))
}

func TestHandleFrame_MalformedIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewBoardMetrics(reg)
	hub, registry := newTestHub(t, HubConfig{Metrics: metrics})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	pa, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "bob", b)
	require.NoError(t, err)

	require.NoError(t, hub.HandleFrame(ctx, pa, []byte{0xff, 0x00, 0x13}))

	assert.Empty(t, b.Frames())
	assert.Equal(t, []string{"a", "b"}, hub.Peers("s1"), "peer stays connected")
	doc, _ := registry.Get("s1")
	assert.Equal(t, 0, doc.Objects().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.FramesTotal.WithLabelValues(observability.DirectionIn, observability.FrameDecodeError)))

	_, err = hub.Ingest(ctx, "s1", "alice", "a", []byte("junk"))
	assert.ErrorIs(t, err, crdt.ErrDecode)
}

func TestBroadcast_FailedPeerRemoved(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewBoardMetrics(reg)
	hub, _ := newTestHub(t, HubConfig{Metrics: metrics})
	ctx := context.Background()

	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	pa, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "bob", b)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "carol", c)
	require.NoError(t, err)

	b.failWith(ErrSendQueueFull)
	// A slow transport whose Close would block must not stall the session.
	b.closeGate = make(chan struct{})
	defer close(b.closeGate)

	client := crdt.New("s1")
	frame := objectDelta(t, client, datatypes.ObjectSpec{
		ID: "o1", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: datatypes.SourceUser},
	})
	done := make(chan error, 1)
	go func() { done <- hub.HandleFrame(ctx, pa, frame) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a failed peer")
	}

	assert.True(t, b.Aborted())
	assert.False(t, b.Closed(), "the hub leaves the blocking close to the connection owner")
	assert.Len(t, c.Frames(), 1, "other peers are unaffected")
	assert.Equal(t, []string{"a", "c"}, hub.Peers("s1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransportErrorsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ActivePeers))
}

func TestJoin_InitialSendFailure(t *testing.T) {
	hub, registry := newTestHub(t, HubConfig{})
	doc, _ := registry.GetOrCreate("s1")
	_, err := doc.Transact("seed", func(txn *crdt.Txn) error {
		return txn.Set(crdt.MapObjects, "o1", []byte{0xa0})
	})
	require.NoError(t, err)

	conn := newFakeConn("a")
	conn.failWith(errors.New("broken pipe"))

	_, err = hub.Join(context.Background(), "s1", "alice", conn)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "a", te.PeerID)
	assert.Empty(t, hub.Peers("s1"))
}

func TestLeave_IdleHookOnLastPeer(t *testing.T) {
	var mu sync.Mutex
	var idle []string
	hub, _ := newTestHub(t, HubConfig{IdleHook: func(id string) {
		mu.Lock()
		idle = append(idle, id)
		mu.Unlock()
	}})
	ctx := context.Background()

	pa, err := hub.Join(ctx, "s1", "alice", newFakeConn("a"))
	require.NoError(t, err)
	pb, err := hub.Join(ctx, "s1", "bob", newFakeConn("b"))
	require.NoError(t, err)

	hub.Leave(pa)
	assert.Empty(t, idle)
	hub.Leave(pb)
	assert.Equal(t, []string{"s1"}, idle)

	// Leaving twice is a no-op.
	hub.Leave(pb)
	assert.Equal(t, []string{"s1"}, idle)
}

func TestHandleFrame_RateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewBoardMetrics(reg)
	hub, registry := newTestHub(t, HubConfig{FrameRate: 0.001, FrameBurst: 1, Metrics: metrics})
	ctx := context.Background()

	pa, err := hub.Join(ctx, "s1", "alice", newFakeConn("a"))
	require.NoError(t, err)

	client := crdt.New("s1")
	first := objectDelta(t, client, datatypes.ObjectSpec{ID: "o1", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: datatypes.SourceUser}})
	second := objectDelta(t, client, datatypes.ObjectSpec{ID: "o2", Kind: datatypes.KindRect, Metadata: datatypes.Metadata{Source: datatypes.SourceUser}})

	require.NoError(t, hub.HandleFrame(ctx, pa, first))
	require.NoError(t, hub.HandleFrame(ctx, pa, second))

	doc, _ := registry.Get("s1")
	assert.Equal(t, []string{"o1"}, doc.Objects().Keys())
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.FramesTotal.WithLabelValues(observability.DirectionIn, observability.FrameRateLimited)))
}

func TestSweeperUpdateReachesEveryPeer(t *testing.T) {
	hub, registry := newTestHub(t, HubConfig{})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	_, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s1", "bob", b)
	require.NoError(t, err)

	doc, _ := registry.Get("s1")
	expires := int64(10)
	raw, err := datatypes.EncodeObject(datatypes.ObjectSpec{
		ID: "p", Kind: datatypes.KindPointerPing, Metadata: datatypes.Metadata{ExpiresAt: &expires},
	})
	require.NoError(t, err)
	_, err = doc.Transact("a", func(txn *crdt.Txn) error {
		return txn.Set(crdt.MapEphemeral, "p", raw)
	})
	require.NoError(t, err)

	sweep, err := ttl.SweepDocument(doc, 100)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Removed)

	// a produced the ping so only b saw it; both see the sweep.
	assert.Len(t, a.Frames(), 1)
	assert.Len(t, b.Frames(), 2)
	assert.Equal(t, 0, replay(t, b).Ephemeral().Len())
}

func TestCloseSession(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	_, err := hub.Join(ctx, "s1", "alice", a)
	require.NoError(t, err)
	_, err = hub.Join(ctx, "s2", "bob", b)
	require.NoError(t, err)

	assert.Equal(t, 1, hub.CloseSession("s1"))
	assert.True(t, a.Closed())
	assert.False(t, b.Closed())
	assert.Nil(t, hub.Peers("s1"))
	assert.Equal(t, 0, hub.CloseSession("missing"))

	hub.Close()
	assert.True(t, b.Closed())
}

func TestConvergence_ManyClients(t *testing.T) {
	hub, registry := newTestHub(t, HubConfig{})
	ctx := context.Background()

	const clients = 4
	conns := make([]*fakeConn, clients)
	peers := make([]*Peer, clients)
	replicas := make([]*crdt.Document, clients)
	for i := range clients {
		conns[i] = newFakeConn(string(rune('a' + i)))
		p, err := hub.Join(ctx, "s1", "user", conns[i])
		require.NoError(t, err)
		peers[i] = p
		replicas[i] = crdt.New("s1")
	}

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				raw, _ := datatypes.EncodeObject(datatypes.ObjectSpec{
					ID: "shared", Kind: datatypes.KindText, X: float64(i*100 + j),
					Metadata: datatypes.Metadata{Source: datatypes.SourceUser},
				})
				u, err := replicas[i].Transact("local", func(txn *crdt.Txn) error {
					return txn.Set(crdt.MapObjects, "shared", raw)
				})
				if err != nil {
					t.Error(err)
					return
				}
				if err := hub.HandleFrame(ctx, peers[i], u.Delta); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	server, _ := registry.Get("s1")
	want := server.EncodeFull()
	for i := range clients {
		for _, frame := range conns[i].Frames() {
			_, err := replicas[i].Apply(frame, "server")
			require.NoError(t, err)
		}
		assert.Equal(t, want, replicas[i].EncodeFull(), "client %d diverged", i)
	}
}
