// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/boardsync/services/whiteboard/board"
	"github.com/AleutianAI/boardsync/services/whiteboard/middleware"
	"github.com/AleutianAI/boardsync/services/whiteboard/relay"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleBoardSocket upgrades to a websocket and serves the peer until it
// disconnects. The peer's actor id is the authenticated user.
func HandleBoardSocket(b *board.Board, config relay.WebSocketConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "session_id", sessionID, "error", err)
			return
		}

		logger := slog.Default().With("session_id", sessionID)
		conn := relay.NewWebSocketConn(ws, config, logger)
		if err := b.Connect(c.Request.Context(), sessionID, actor(c), conn); err != nil {
			logger.Warn("board peer ended with error", "peer_id", conn.ID(), "error", err)
		}
	}
}
