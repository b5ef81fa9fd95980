// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/boardsync/pkg/extensions"
	"github.com/AleutianAI/boardsync/services/whiteboard/board"
	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
	"github.com/AleutianAI/boardsync/services/whiteboard/relay"
	"github.com/AleutianAI/boardsync/services/whiteboard/snapshot"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, opts extensions.ServiceOptions) (*gin.Engine, *board.Board) {
	t.Helper()
	reg := prometheus.NewRegistry()
	b := board.New(board.Options{
		Store:             snapshot.NewMemoryStore(),
		SnapshotOnDestroy: true,
		Metrics:           observability.NewBoardMetrics(reg),
	})
	t.Cleanup(func() { _ = b.Close() })

	router := gin.New()
	SetupRoutes(router, b, reg, opts, relay.DefaultWebSocketConfig())
	return router, b
}

func objectDelta(t *testing.T, spec datatypes.ObjectSpec) []byte {
	t.Helper()
	raw, err := datatypes.EncodeObject(spec)
	require.NoError(t, err)
	u, err := crdt.New("client").Transact("local", func(txn *crdt.Txn) error {
		return txn.Set(crdt.MapObjects, spec.ID, raw)
	})
	require.NoError(t, err)
	return u.Delta
}

func do(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return w
}

// ============================================================================
// Registration
// ============================================================================

func TestSetupRoutes_Registered(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/sessions"},
		{"GET", "/v1/sessions/:sessionId/ws"},
		{"GET", "/v1/sessions/:sessionId/digest"},
		{"POST", "/v1/sessions/:sessionId/delta"},
		{"POST", "/v1/sessions/:sessionId/snapshot"},
		{"PUT", "/v1/sessions/:sessionId/snapshot"},
		{"POST", "/v1/sessions/:sessionId/restore"},
		{"DELETE", "/v1/sessions/:sessionId"},
	}

	routes := router.Routes()
	for _, e := range expected {
		found := false
		for _, r := range routes {
			if r.Method == e.method && r.Path == e.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", e.method, e.path)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "boardsync_")
}

// ============================================================================
// Session API
// ============================================================================

func TestDigest_UnknownSessionIsEmpty(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodGet, "/v1/sessions/none/digest", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var d datatypes.BoardDigest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.IsEmpty())
	assert.Contains(t, w.Body.String(), `"by_kind":{}`)
	assert.Contains(t, w.Body.String(), `"recentPointer":null`)
}

func TestDeltaThenDigest(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodPost, "/v1/sessions/s1/delta", objectDelta(t, datatypes.ObjectSpec{
		ID: "q1", Kind: datatypes.KindText, X: 4, Y: 5,
		Metadata: datatypes.Metadata{Source: "ai", Role: datatypes.RoleQuestionTag},
	}))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/v1/sessions/s1/digest", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var d datatypes.BoardDigest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, map[string]int{datatypes.KindText: 1}, d.Counts.ByKind)
	assert.Equal(t, map[string]int{datatypes.SourceUser: 1}, d.Counts.ByOwner)
	require.Len(t, d.QuestionTags, 1)
	assert.Equal(t, "q1", d.QuestionTags[0].ID)
}

func TestDelta_Errors(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodPost, "/v1/sessions/s1/delta", []byte{0xff, 0xfe})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/v1/sessions/s1/delta", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodPost, "/v1/sessions/absent/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/v1/sessions/s1/delta",
		objectDelta(t, datatypes.ObjectSpec{ID: "r1", Kind: datatypes.KindRect})).Code)

	w = do(router, http.MethodPost, "/v1/sessions/s1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	snap := w.Body.Bytes()

	w = do(router, http.MethodPut, "/v1/sessions/s2/snapshot", snap)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/v1/sessions/s2/digest", nil)
	assert.Contains(t, w.Body.String(), `"rect":1`)

	w = do(router, http.MethodPut, "/v1/sessions/s3/snapshot", []byte("not a snapshot"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestoreFromStoreAndDestroy(t *testing.T) {
	router, b := newTestRouter(t, extensions.DefaultOptions())

	w := do(router, http.MethodPost, "/v1/sessions/s1/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/v1/sessions/s1/delta",
		objectDelta(t, datatypes.ObjectSpec{ID: "r1", Kind: datatypes.KindRect})).Code)

	w = do(router, http.MethodDelete, "/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, live := b.Registry().Get("s1")
	assert.False(t, live)

	w = do(router, http.MethodDelete, "/v1/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodPost, "/v1/sessions/s1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, live = b.Registry().Get("s1")
	assert.True(t, live)
}

func TestListSessions(t *testing.T) {
	router, _ := newTestRouter(t, extensions.DefaultOptions())
	require.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/v1/sessions/s1/delta",
		objectDelta(t, datatypes.ObjectSpec{ID: "r1", Kind: datatypes.KindRect})).Code)

	w := do(router, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[{"session_id":"s1","peers":0}]}`, w.Body.String())
}

// ============================================================================
// Auth
// ============================================================================

type denySession struct{ id string }

func (d denySession) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	if req.SessionID == d.id {
		return extensions.ErrForbidden
	}
	return nil
}

func TestAuth_TokensAndAuthz(t *testing.T) {
	tokens, err := extensions.NewStaticTokenProvider(map[string]string{"secret": "tutor-1"})
	require.NoError(t, err)
	opts := extensions.ServiceOptions{}.WithAuth(tokens).WithAuthz(denySession{id: "private"})
	router, _ := newTestRouter(t, opts)

	w := do(router, http.MethodGet, "/v1/sessions/s1/digest", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, "health is unauthenticated")

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/digest", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/v1/sessions/private/digest?token=secret", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ============================================================================
// Websocket
// ============================================================================

func TestWebSocket_TwoPeersConverge(t *testing.T) {
	router, b := newTestRouter(t, extensions.DefaultOptions())
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sessions/s1/ws"
	dial := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return ws
	}
	alice := dial()
	defer alice.Close()
	bob := dial()
	defer bob.Close()

	require.Eventually(t, func() bool { return len(b.Hub().Peers("s1")) == 2 }, 2*time.Second, 10*time.Millisecond)

	frame := objectDelta(t, datatypes.ObjectSpec{ID: "r1", Kind: datatypes.KindRect,
		Metadata: datatypes.Metadata{Source: datatypes.SourceUser}})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, got, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	replica := crdt.New("bob")
	_, err = replica.Apply(got, "server")
	require.NoError(t, err)
	_, ok := replica.Objects().Get("r1")
	assert.True(t, ok)
}
