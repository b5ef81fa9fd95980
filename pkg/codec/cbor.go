// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec is the single CBOR configuration used for every binary
// payload the board sync service produces or consumes: CRDT deltas,
// object values stored inside documents, and snapshot payloads.
//
// Encoding uses Core Deterministic mode (RFC 8949 §4.2), so equal values
// always produce identical bytes. Deltas and full-state encodings rely on
// this: two replicas holding the same state emit the same bytes, and value
// tie-breaks inside the CRDT compare raw bytes.
//
// Decoding maps untyped CBOR maps to map[string]any so values read back
// into `any` are JSON-compatible.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Bounded nesting keeps hostile frames from exhausting the stack.
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data is exactly one well-formed CBOR data item.
func Valid(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic streaming encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the RFC 8949 diagnostic notation of data. Used by the
// snapshot inspect command and in test failure messages.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
