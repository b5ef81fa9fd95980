// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/boardsync/pkg/extensions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuthProvider is a configurable mock for testing.
type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
	gotToken string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.gotToken = token
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

// recordingAuthz denies sessions listed in deny and remembers the last request.
type recordingAuthz struct {
	deny map[string]bool
	last extensions.AuthzRequest
}

func (r *recordingAuthz) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	r.last = req
	if r.deny[req.SessionID] {
		return extensions.ErrForbidden
	}
	return nil
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"mixed case scheme", "BeArEr abc123", "abc123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func newAuthRouter(provider extensions.AuthProvider) *gin.Engine {
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/whoami", func(c *gin.Context) {
		info := GetAuthInfo(c)
		c.String(http.StatusOK, info.UserID)
	})
	return router
}

func TestAuthMiddleware_StoresAuthInfo(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "alice"}}
	router := newAuthRouter(provider)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
	assert.Equal(t, "tok", provider.gotToken)
}

func TestAuthMiddleware_QueryTokenFallback(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "bob"}}
	router := newAuthRouter(provider)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?token=q-tok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "q-tok", provider.gotToken)

	req := httptest.NewRequest(http.MethodGet, "/whoami?token=q-tok", nil)
	req.Header.Set("Authorization", "Bearer h-tok")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "h-tok", provider.gotToken, "header wins over query")
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
	}{
		{"unauthorized", extensions.ErrUnauthorized, `{"error":"unauthorized"}`},
		{"provider failure", errors.New("idp unreachable"), `{"error":"authentication failed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthRouter(&mockAuthProvider{err: tt.err})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestAuthMiddleware_StaticTokens(t *testing.T) {
	provider, err := extensions.NewStaticTokenProvider(map[string]string{"secret": "tutor-1"})
	require.NoError(t, err)
	router := newAuthRouter(provider)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami?token=secret", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tutor-1", w.Body.String())
}

// =============================================================================
// AuthzMiddleware Tests
// =============================================================================

func TestAuthzMiddleware(t *testing.T) {
	authz := &recordingAuthz{deny: map[string]bool{"locked": true}}
	router := gin.New()
	router.Use(AuthMiddleware(&extensions.NopAuthProvider{}))
	router.DELETE("/sessions/:sessionId",
		AuthzMiddleware(authz, extensions.ActionDestroy),
		func(c *gin.Context) { c.Status(http.StatusNoContent) },
	)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sessions/open", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "open", authz.last.SessionID)
	assert.Equal(t, extensions.ActionDestroy, authz.last.Action)
	assert.Equal(t, "local-user", authz.last.User.UserID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sessions/locked", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthzMiddleware_WithoutAuthInfo(t *testing.T) {
	router := gin.New()
	router.GET("/sessions/:sessionId", AuthzMiddleware(&extensions.NopAuthzProvider{}, extensions.ActionRead),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/s1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
