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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/boardsync/pkg/extensions"
	"github.com/AleutianAI/boardsync/services/whiteboard/board"
	"github.com/AleutianAI/boardsync/services/whiteboard/handlers"
	"github.com/AleutianAI/boardsync/services/whiteboard/middleware"
	"github.com/AleutianAI/boardsync/services/whiteboard/relay"
)

// SetupRoutes registers the board API on router.
//
// # Inputs
//
//   - router: Gin engine.
//   - b: The board engine.
//   - gatherer: Metrics source for /metrics. Nil skips the route.
//   - opts: Auth extension points. Nil fields use no-op defaults.
//   - wsConfig: Per-connection websocket settings.
func SetupRoutes(router *gin.Engine, b *board.Board, gatherer prometheus.Gatherer,
	opts extensions.ServiceOptions, wsConfig relay.WebSocketConfig) {

	opts = opts.WithDefaults()

	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authz := func(action string) gin.HandlerFunc {
		return middleware.AuthzMiddleware(opts.AuthzProvider, action)
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(b))
			sessions.GET("/:sessionId/ws", authz(extensions.ActionJoin), handlers.HandleBoardSocket(b, wsConfig))
			sessions.GET("/:sessionId/digest", authz(extensions.ActionRead), handlers.GetDigest(b))
			sessions.POST("/:sessionId/delta", authz(extensions.ActionJoin), handlers.ApplyDelta(b))
			sessions.POST("/:sessionId/snapshot", authz(extensions.ActionSnapshot), handlers.TakeSnapshot(b))
			sessions.PUT("/:sessionId/snapshot", authz(extensions.ActionRestore), handlers.RestoreSnapshot(b))
			sessions.POST("/:sessionId/restore", authz(extensions.ActionRestore), handlers.LoadSnapshot(b))
			sessions.DELETE("/:sessionId", authz(extensions.ActionDestroy), handlers.DestroySession(b))
		}
	}
}
