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
	"bytes"
	"sort"

	"github.com/AleutianAI/boardsync/pkg/codec"
)

// DeltaVersion is the only wire version this package reads or writes.
const DeltaVersion = 1

// MaxCounter bounds accepted Lamport counters so a hostile peer cannot push
// the local clock to overflow.
const MaxCounter = 1 << 62

// MapName names one of the two maps of a session document.
type MapName string

const (
	// MapObjects holds durable board objects.
	MapObjects MapName = "objects"

	// MapEphemeral holds transient annotations carrying metadata.expiresAt.
	MapEphemeral MapName = "ephemeral"
)

// Valid reports whether m is one of the document maps.
func (m MapName) Valid() bool {
	return m == MapObjects || m == MapEphemeral
}

// =============================================================================
// Stamps
// =============================================================================

// Stamp is a Lamport timestamp. Counter orders causally related writes;
// Replica breaks ties between concurrent writes deterministically.
type Stamp struct {
	Counter uint64
	Replica string
}

// Compare returns -1, 0 or +1 ordering s against other.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Counter < other.Counter:
		return -1
	case s.Counter > other.Counter:
		return 1
	case s.Replica < other.Replica:
		return -1
	case s.Replica > other.Replica:
		return 1
	}
	return 0
}

// =============================================================================
// Wire Format
// =============================================================================

// Delta is the decoded form of a delta or full-state encoding.
type Delta struct {
	Version int  `cbor:"v"`
	Ops     []Op `cbor:"ops"`
}

// Op is one register write: either a value or a tombstone for (Map, Key).
type Op struct {
	Map     MapName `cbor:"m"`
	Key     string  `cbor:"k"`
	Counter uint64  `cbor:"c"`
	Replica string  `cbor:"r"`
	Value   []byte  `cbor:"val,omitempty"`
	Deleted bool    `cbor:"del,omitempty"`
}

// Stamp returns the op's Lamport stamp.
func (o Op) Stamp() Stamp {
	return Stamp{Counter: o.Counter, Replica: o.Replica}
}

// EncodeDelta encodes ops as a canonical delta. Ops are sorted by map then
// key so equal op sets encode to equal bytes.
func EncodeDelta(ops []Op) ([]byte, error) {
	sorted := make([]Op, len(ops))
	copy(sorted, ops)
	sortOps(sorted)
	return codec.Marshal(Delta{Version: DeltaVersion, Ops: sorted})
}

// DecodeDelta decodes and validates a delta without touching any document.
//
// # Description
//
// Every op is checked before the delta is returned, so a caller that only
// applies successfully decoded deltas never applies half of a bad one.
//
// # Outputs
//
//   - Delta: The validated delta.
//   - error: *DecodeError on any structural problem.
func DecodeDelta(data []byte) (Delta, error) {
	if len(data) == 0 {
		return Delta{}, decodeErrorf(nil, "empty input")
	}
	var d Delta
	if err := codec.Unmarshal(data, &d); err != nil {
		return Delta{}, decodeErrorf(err, "not a delta")
	}
	if d.Version != DeltaVersion {
		return Delta{}, decodeErrorf(nil, "unsupported version %d", d.Version)
	}
	for i, op := range d.Ops {
		if err := validateOp(op); err != nil {
			return Delta{}, decodeErrorf(nil, "op %d: %s", i, err.Error())
		}
	}
	return d, nil
}

func validateOp(op Op) error {
	switch {
	case !op.Map.Valid():
		return opError("unknown map " + string(op.Map))
	case op.Key == "":
		return opError("empty key")
	case op.Replica == "":
		return opError("empty replica")
	case op.Counter == 0:
		return opError("zero counter")
	case op.Counter > MaxCounter:
		return opError("counter out of range")
	case op.Deleted && len(op.Value) > 0:
		return opError("both value and tombstone")
	case !op.Deleted && len(op.Value) == 0:
		return opError("neither value nor tombstone")
	}
	return nil
}

type opError string

func (e opError) Error() string { return string(e) }

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Map != ops[j].Map {
			return ops[i].Map < ops[j].Map
		}
		if ops[i].Key != ops[j].Key {
			return ops[i].Key < ops[j].Key
		}
		return ops[i].Stamp().Compare(ops[j].Stamp()) < 0
	})
}

// =============================================================================
// Registers
// =============================================================================

// register is the stored state of one (map, key).
type register struct {
	stamp   Stamp
	value   []byte
	deleted bool

	// seq is the local change sequence number of the last effective write.
	seq uint64
}

// supersedes reports whether op replaces the register under the merge rule:
// higher stamp wins; on an equal stamp a tombstone beats a value, and
// between two values the greater bytes win.
func (r *register) supersedes(op Op) bool {
	if r == nil {
		return true
	}
	switch op.Stamp().Compare(r.stamp) {
	case 1:
		return true
	case -1:
		return false
	}
	if op.Deleted != r.deleted {
		return op.Deleted
	}
	if op.Deleted {
		return false
	}
	return bytes.Compare(op.Value, r.value) > 0
}

func (r *register) op(m MapName, key string) Op {
	return Op{
		Map:     m,
		Key:     key,
		Counter: r.stamp.Counter,
		Replica: r.stamp.Replica,
		Value:   r.value,
		Deleted: r.deleted,
	}
}
