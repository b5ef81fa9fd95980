// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the board service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   or the "token" query parameter (browser websockets)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       AuthzMiddleware(action)
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// With NopAuthProvider (default) every request is "local-user".
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/boardsync/pkg/extensions"
)

// SessionParam is the route parameter holding the session id.
const SessionParam = "sessionId"

const authInfoKey = "boardsync_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// The bearer header wins over the query parameter. An empty token is
// still passed to Validate; NopAuthProvider accepts it.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			token = c.Query("token")
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// AuthzMiddleware checks that the authenticated user may perform action on
// the session named by the route.
//
// # Description
//
// Must run after AuthMiddleware. A request without AuthInfo is rejected
// with 401; a denied request with 403.
func AuthzMiddleware(provider extensions.AuthzProvider, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		err := provider.Authorize(c.Request.Context(), extensions.AuthzRequest{
			User:      info,
			Action:    action,
			SessionID: c.Param(SessionParam),
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235. Returns "" if missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
