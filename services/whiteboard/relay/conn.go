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
	"errors"
	"fmt"
)

var (
	// ErrSendQueueFull is returned by Send when a peer's outbound queue is
	// full. The hub treats it like any other transport failure.
	ErrSendQueueFull = errors.New("relay: send queue full")

	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("relay: connection closed")
)

// Conn is one authenticated peer transport.
//
// Send must not block: implementations enqueue and deliver asynchronously.
// The hub calls Send while holding a document lock.
type Conn interface {
	// ID uniquely identifies the connection. Updates whose origin equals
	// the ID are not echoed back to it.
	ID() string

	// Send enqueues one binary frame.
	Send(frame []byte) error

	// Close tears down the transport and waits for it to finish. Safe to
	// call more than once.
	Close() error

	// Abort starts tearing down the transport and returns at once. The hub
	// calls it with a document lock held when Send fails.
	Abort()
}

// TransportError reports a failed send. The peer has been removed from its
// session's fan-out; the session itself is unaffected.
type TransportError struct {
	PeerID    string
	SessionID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: send to peer %s in session %s failed: %v", e.PeerID, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
