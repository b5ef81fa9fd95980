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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketConfig tunes a WebSocketConn.
type WebSocketConfig struct {
	// SendQueueSize bounds queued outbound frames. Default: 256.
	SendQueueSize int

	// WriteTimeout is the deadline for one write. Default: 10s.
	WriteTimeout time.Duration

	// PongTimeout is how long to wait for the next pong. Default: 60s.
	PongTimeout time.Duration

	// PingInterval must be below PongTimeout. Default: 90% of PongTimeout.
	PingInterval time.Duration

	// MaxFrameBytes caps inbound messages. Default: 1 MiB.
	MaxFrameBytes int64
}

// DefaultWebSocketConfig returns the production defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
		PongTimeout:   60 * time.Second,
		PingInterval:  54 * time.Second,
		MaxFrameBytes: 1 << 20,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	d := DefaultWebSocketConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// WebSocketConn is a Conn over a gorilla websocket.
//
// # Description
//
// Send enqueues onto a bounded channel drained by a writer goroutine, which
// also sends pings. ReadLoop delivers binary messages; text messages are
// dropped.
//
// # Thread Safety
//
// Send and Close are safe for concurrent use. ReadLoop must be called by a
// single goroutine.
type WebSocketConn struct {
	id     string
	ws     *websocket.Conn
	config WebSocketConfig
	logger *slog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// NewWebSocketConn wraps ws and starts its writer goroutine. The caller
// must eventually call Close.
func NewWebSocketConn(ws *websocket.Conn, config WebSocketConfig, logger *slog.Logger) *WebSocketConn {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	id := uuid.NewString()

	c := &WebSocketConn{
		id:         id,
		ws:         ws,
		config:     config,
		logger:     logger.With("peer_id", id),
		send:       make(chan []byte, config.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *WebSocketConn) ID() string { return c.id }

// Send enqueues frame without blocking.
func (c *WebSocketConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the writer, sends a close message and closes the socket.
func (c *WebSocketConn) Close() error {
	c.shutdown()
	<-c.writerDone
	return nil
}

// Abort signals the writer to stop without waiting for it. A writer blocked
// on a slow socket finishes when its write deadline passes.
func (c *WebSocketConn) Abort() {
	c.shutdown()
}

func (c *WebSocketConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadLoop reads binary messages and passes each to handle until the
// socket fails, handle returns an error, or ctx is done.
//
// # Outputs
//
//   - error: nil on a normal close by the remote end or by Close.
func (c *WebSocketConn) ReadLoop(ctx context.Context, handle func(frame []byte) error) error {
	stop := context.AfterFunc(ctx, c.shutdown)
	defer stop()

	c.ws.SetReadLimit(c.config.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if messageType != websocket.BinaryMessage {
			c.logger.Warn("non-binary websocket message dropped", "type", messageType)
			continue
		}
		if err := handle(message); err != nil {
			return err
		}
	}
}

func (c *WebSocketConn) writeLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Warn("websocket write failed", "error", err)
				}
				c.shutdown()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// Serve joins conn to sessionID, reads frames until the connection ends,
// then leaves and closes it.
func (h *Hub) Serve(ctx context.Context, sessionID, actorID string, conn *WebSocketConn) error {
	defer conn.Close()

	peer, err := h.Join(ctx, sessionID, actorID, conn)
	if err != nil {
		return err
	}
	defer h.Leave(peer)

	return conn.ReadLoop(ctx, func(frame []byte) error {
		return h.HandleFrame(ctx, peer, frame)
	})
}
