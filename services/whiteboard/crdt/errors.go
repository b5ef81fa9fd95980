// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every *DecodeError via errors.Is.
	ErrDecode = errors.New("crdt: malformed delta")

	// ErrClosed is returned by mutations on a closed document.
	ErrClosed = errors.New("crdt: document closed")

	// ErrInvalidOp is returned by Txn when a mutation names an unknown map,
	// an empty key, or an empty value.
	ErrInvalidOp = errors.New("crdt: invalid operation")
)

// DecodeError reports bytes that could not be read as a delta. The
// operation that produced it left document state untouched.
type DecodeError struct {
	// Reason is a short description of what was wrong.
	Reason string

	// Err is the underlying codec error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crdt: malformed delta: %s: %v", e.Reason, e.Err)
	}
	return "crdt: malformed delta: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) true for any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErrorf(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}
