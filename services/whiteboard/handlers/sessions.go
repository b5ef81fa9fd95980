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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/boardsync/services/whiteboard/board"
	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/middleware"
	"github.com/AleutianAI/boardsync/services/whiteboard/snapshot"
)

// MaxDeltaBytes bounds an inbound delta request body.
const MaxDeltaBytes = 4 << 20

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListSessions returns the ids of live sessions and their connected peers.
func ListSessions(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := b.Registry().Sessions()
		sessions := make([]gin.H, 0, len(ids))
		for _, id := range ids {
			sessions = append(sessions, gin.H{
				"session_id": id,
				"peers":      len(b.Hub().Peers(id)),
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// GetDigest returns the board digest. Unknown sessions yield the empty
// digest with 200.
func GetDigest(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		c.JSON(http.StatusOK, b.GetBoardDigest(c.Request.Context(), sessionID))
	}
}

// ApplyDelta merges a binary delta from the request body.
func ApplyDelta(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		data, ok := readBody(c, MaxDeltaBytes)
		if !ok {
			return
		}

		if err := b.ApplyInboundDelta(c.Request.Context(), sessionID, data, actor(c)); err != nil {
			writeError(c, sessionID, "apply delta", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// TakeSnapshot stores a snapshot and returns its bytes.
func TakeSnapshot(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		data, err := b.TakeSnapshot(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, sessionID, "take snapshot", err)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	}
}

// RestoreSnapshot merges the snapshot in the request body.
func RestoreSnapshot(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		data, ok := readBody(c, snapshot.MaxRawBytes+1<<10)
		if !ok {
			return
		}

		if err := b.RestoreFromSnapshot(c.Request.Context(), sessionID, data); err != nil {
			writeError(c, sessionID, "restore snapshot", err)
			return
		}
		slog.Info("session restored from uploaded snapshot", "session_id", sessionID, "bytes", len(data))
		c.Status(http.StatusNoContent)
	}
}

// LoadSnapshot restores the stored snapshot of the session.
func LoadSnapshot(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		found, err := b.LoadSnapshot(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, sessionID, "load snapshot", err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no stored snapshot"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"restored": true})
	}
}

// DestroySession disconnects peers and releases the session document.
func DestroySession(b *board.Board) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param(middleware.SessionParam)
		existed, err := b.DestroySession(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, sessionID, "destroy session", err)
			return
		}
		if !existed {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"destroyed": true})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func actor(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

func readBody(c *gin.Context, limit int64) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
		return nil, false
	}
	return data, true
}

// writeError maps board errors to status codes.
func writeError(c *gin.Context, sessionID, op string, err error) {
	var storeErr *snapshot.StoreError
	switch {
	case errors.Is(err, crdt.ErrDecode):
		slog.Warn("rejected malformed payload", "session_id", sessionID, "op", op, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, snapshot.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, crdt.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "session is closing"})
	case errors.As(err, &storeErr):
		slog.Error("snapshot store failed", "session_id", sessionID, "op", op, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "snapshot store unavailable"})
	default:
		slog.Error("request failed", "session_id", sessionID, "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
