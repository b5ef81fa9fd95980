// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crdt implements the per-session mergeable document: two
// last-writer-wins element maps ("objects" and "ephemeral") whose deltas
// commute, associate and are idempotent.
//
// Values are opaque byte strings. The document never interprets them;
// datatypes decodes them on read.
package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Update describes one effective change to a document.
//
// Delta holds only the ops that changed state, encoded in the wire format,
// so forwarding it to another replica reproduces exactly this change.
// Echo is set only by ApplyThen: the writes the document added on top of
// Origin's delta, which is everything Origin itself is missing.
type Update struct {
	Delta     []byte
	Echo      []byte
	Origin    string
	Objects   int
	Ephemeral int
}

// Empty reports whether the update changed nothing.
func (u Update) Empty() bool {
	return len(u.Delta) == 0
}

// Changes returns the number of entries the update touched.
func (u Update) Changes() int {
	return u.Objects + u.Ephemeral
}

type listener struct {
	id uint64
	fn func(Update)
}

// Document is one session's shared state.
//
// # Description
//
// All mutations (Apply, Transact) take the write lock and keep it through
// listener notification, so observers see updates in commit order and no
// update is observable before it is applied. Reads take the read lock.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners run with the write lock held and must
// not call back into the document's mutating methods.
type Document struct {
	mu sync.RWMutex

	sessionID string
	replica   string
	clock     uint64
	seq       uint64
	maps      map[MapName]map[string]*register
	closed    bool

	listenerMu     sync.Mutex
	listeners      []listener
	nextListenerID uint64
}

// New creates an empty document with a random replica id.
func New(sessionID string) *Document {
	return NewWithReplica(sessionID, uuid.NewString())
}

// NewWithReplica creates an empty document stamping local writes with
// replica. Replica ids must be unique among writers of the same session.
func NewWithReplica(sessionID, replica string) *Document {
	return &Document{
		sessionID: sessionID,
		replica:   replica,
		maps: map[MapName]map[string]*register{
			MapObjects:   {},
			MapEphemeral: {},
		},
	}
}

// SessionID returns the session the document belongs to.
func (d *Document) SessionID() string {
	return d.sessionID
}

// Replica returns the replica id used for local writes.
func (d *Document) Replica() string {
	return d.replica
}

// =============================================================================
// Mutation
// =============================================================================

// Apply merges a delta produced by any replica.
//
// # Description
//
// The delta is fully decoded and validated before the lock is taken. Ops
// that lose under the merge rule are dropped; the returned Update carries
// only the ops that changed state, and listeners are notified only when at
// least one op did.
//
// # Inputs
//
//   - delta: Wire-format bytes.
//   - origin: Tag copied into the Update. The relay uses the peer id.
//
// # Outputs
//
//   - Update: The effective change. Empty when the delta was redundant.
//   - error: *DecodeError for malformed input, ErrClosed after Close.
func (d *Document) Apply(delta []byte, origin string) (Update, error) {
	decoded, err := DecodeDelta(delta)
	if err != nil {
		return Update{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Update{}, ErrClosed
	}

	effective := make([]Op, 0, len(decoded.Ops))
	for _, op := range decoded.Ops {
		if op.Counter > d.clock {
			d.clock = op.Counter
		}
		if _, changed := d.mergeLocked(op); changed {
			effective = append(effective, op)
		}
	}
	return d.commitLocked(effective, nil, origin)
}

// ApplyThen merges delta like Apply, then lets fix stage further writes
// against the merged state before anything is published.
//
// # Description
//
// fix receives the ops of delta that changed state. Its writes are stamped
// after them, and the delta plus the writes commit as one Update, so
// listeners never observe the delta without them. Update.Delta carries the
// combined change with each key at its final value; Update.Echo carries
// only fix's writes. If fix fails, the delta is rolled back and nothing is
// published.
//
// # Inputs
//
//   - delta: Wire-format bytes.
//   - origin: Tag copied into the Update.
//   - fix: Runs only when delta changed something. Nil behaves like Apply.
//
// # Outputs
//
//   - Update: The combined effective change. Empty when delta was redundant.
//   - error: *DecodeError, ErrClosed, ErrInvalidOp, or fix's error.
//
// # Thread Safety
//
// fix runs with the write lock held and must only use txn.
func (d *Document) ApplyThen(delta []byte, origin string, fix func(txn *Txn, applied []Op) error) (Update, error) {
	decoded, err := DecodeDelta(delta)
	if err != nil {
		return Update{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Update{}, ErrClosed
	}

	type saved struct {
		m   MapName
		key string
		reg *register
	}
	clock, seq := d.clock, d.seq
	var undo []saved

	applied := make([]Op, 0, len(decoded.Ops))
	for _, op := range decoded.Ops {
		if op.Counter > d.clock {
			d.clock = op.Counter
		}
		if prev, changed := d.mergeLocked(op); changed {
			undo = append(undo, saved{m: op.Map, key: op.Key, reg: prev})
			applied = append(applied, op)
		}
	}
	if len(applied) == 0 || fix == nil {
		return d.commitLocked(applied, nil, origin)
	}

	txn := &Txn{doc: d, staged: make(map[opKey]int)}
	err = fix(txn, applied)
	if err == nil {
		err = txn.err
	}
	if err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			u := undo[i]
			if u.reg == nil {
				delete(d.maps[u.m], u.key)
			} else {
				d.maps[u.m][u.key] = u.reg
			}
		}
		d.clock, d.seq = clock, seq
		return Update{}, err
	}
	return d.commitLocked(applied, d.stampLocked(txn.ops), origin)
}

// Transact runs fn against a batch and commits everything it staged as one
// delta.
//
// # Description
//
// fn may read committed state through the Txn and stage sets and deletes.
// If fn returns an error nothing is committed. A transaction that stages no
// effective change emits nothing and returns an empty Update.
//
// # Outputs
//
//   - Update: The committed change.
//   - error: fn's error, ErrInvalidOp from a bad stage call, or ErrClosed.
func (d *Document) Transact(origin string, fn func(*Txn) error) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Update{}, ErrClosed
	}

	txn := &Txn{doc: d, staged: make(map[opKey]int)}
	if err := fn(txn); err != nil {
		return Update{}, err
	}
	if txn.err != nil {
		return Update{}, txn.err
	}

	return d.commitLocked(d.stampLocked(txn.ops), nil, origin)
}

// stampLocked stamps staged local ops with fresh counters, merges them and
// returns the ones that changed state.
func (d *Document) stampLocked(ops []Op) []Op {
	effective := make([]Op, 0, len(ops))
	for _, op := range ops {
		d.clock++
		op.Counter = d.clock
		op.Replica = d.replica
		if _, changed := d.mergeLocked(op); changed {
			effective = append(effective, op)
		}
	}
	return effective
}

// mergeLocked applies op if it wins and returns the register it replaced.
func (d *Document) mergeLocked(op Op) (prev *register, changed bool) {
	entries := d.maps[op.Map]
	current := entries[op.Key]
	if !current.supersedes(op) {
		return nil, false
	}
	d.seq++
	entries[op.Key] = &register{
		stamp:   op.Stamp(),
		value:   op.Value,
		deleted: op.Deleted,
		seq:     d.seq,
	}
	return current, true
}

// commitLocked publishes applied plus added as one update. added are local
// writes layered on applied; they supersede applied ops on the same key.
func (d *Document) commitLocked(applied, added []Op, origin string) (Update, error) {
	effective := applied
	if len(added) > 0 {
		effective = collapse(append(append(make([]Op, 0, len(applied)+len(added)), applied...), added...))
	}
	if len(effective) == 0 {
		return Update{Origin: origin}, nil
	}

	encoded, err := EncodeDelta(effective)
	if err != nil {
		return Update{}, fmt.Errorf("encoding effective delta: %w", err)
	}

	update := Update{Delta: encoded, Origin: origin}
	if len(added) > 0 {
		update.Echo, err = EncodeDelta(added)
		if err != nil {
			return Update{}, fmt.Errorf("encoding echo delta: %w", err)
		}
	}
	for _, op := range effective {
		if op.Map == MapObjects {
			update.Objects++
		} else {
			update.Ephemeral++
		}
	}

	d.listenerMu.Lock()
	current := make([]listener, len(d.listeners))
	copy(current, d.listeners)
	d.listenerMu.Unlock()

	for _, l := range current {
		l.fn(update)
	}
	return update, nil
}

// collapse keeps the last op per (map, key). Every effective op supersedes
// the earlier effective ops on its key, so the last one is the stored state.
func collapse(ops []Op) []Op {
	last := make(map[opKey]int, len(ops))
	for i, op := range ops {
		last[opKey{op.Map, op.Key}] = i
	}
	out := make([]Op, 0, len(last))
	for i, op := range ops {
		if last[opKey{op.Map, op.Key}] == i {
			out = append(out, op)
		}
	}
	return out
}

// Observe registers fn to receive every effective update. The returned
// function unregisters it and may be called from inside fn.
func (d *Document) Observe(fn func(Update)) (cancel func()) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()

	d.nextListenerID++
	id := d.nextListenerID
	d.listeners = append(d.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.listenerMu.Lock()
			defer d.listenerMu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Close drops all listeners. Later mutations fail with ErrClosed; reads
// keep working on the final state.
func (d *Document) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.listenerMu.Lock()
	d.listeners = nil
	d.listenerMu.Unlock()
}

// Closed reports whether Close has been called.
func (d *Document) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// =============================================================================
// Encoding
// =============================================================================

// EncodeFull returns the whole state, tombstones included, as one delta.
// Equal states encode to equal bytes.
func (d *Document) EncodeFull() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeSinceLocked(0)
}

// EncodeDeltaSince returns the entries changed locally after marker.
// Marker values come from Marker.
func (d *Document) EncodeDeltaSince(marker uint64) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeSinceLocked(marker)
}

// Marker returns the current local change sequence number.
func (d *Document) Marker() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seq
}

// ReadFull calls fn with the full encoding while holding the document, so
// no update is emitted between the encoding and fn returning. full is nil
// when the document has never held an entry.
func (d *Document) ReadFull(fn func(full []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seq == 0 {
		fn(nil)
		return
	}
	fn(d.encodeSinceLocked(0))
}

func (d *Document) encodeSinceLocked(marker uint64) []byte {
	ops := make([]Op, 0)
	for _, name := range []MapName{MapEphemeral, MapObjects} {
		for key, reg := range d.maps[name] {
			if reg.seq > marker {
				ops = append(ops, reg.op(name, key))
			}
		}
	}
	encoded, err := EncodeDelta(ops)
	if err != nil {
		// Ops built from validated registers always encode.
		panic(fmt.Sprintf("crdt: encoding document state: %v", err))
	}
	return encoded
}

// Stats summarizes stored registers.
type Stats struct {
	LiveObjects    int
	LiveEphemeral  int
	Tombstones     int
	LamportCounter uint64
}

// Stats returns register counts for metrics and debugging.
func (d *Document) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{LamportCounter: d.clock}
	for name, entries := range d.maps {
		for _, reg := range entries {
			switch {
			case reg.deleted:
				s.Tombstones++
			case name == MapObjects:
				s.LiveObjects++
			default:
				s.LiveEphemeral++
			}
		}
	}
	return s
}

// =============================================================================
// Reads
// =============================================================================

// Objects returns a view over the durable map.
func (d *Document) Objects() MapView {
	return MapView{doc: d, name: MapObjects}
}

// Ephemeral returns a view over the transient map.
func (d *Document) Ephemeral() MapView {
	return MapView{doc: d, name: MapEphemeral}
}

// Map returns a view over the named map.
func (d *Document) Map(name MapName) MapView {
	return MapView{doc: d, name: name}
}

// Entry is one live map entry.
type Entry struct {
	ID    string
	Value []byte
}

// View copies the live entries of both maps under one read lock and
// passes them to fn in sorted key order. fn sees a single document state
// and may call back into the document.
func (d *Document) View(fn func(objects, ephemeral []Entry)) {
	d.mu.RLock()
	objects := d.entriesLocked(MapObjects)
	ephemeral := d.entriesLocked(MapEphemeral)
	d.mu.RUnlock()

	fn(objects, ephemeral)
}

func (d *Document) entriesLocked(name MapName) []Entry {
	keys := d.keysLocked(name)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{ID: k, Value: d.maps[name][k].value})
	}
	return entries
}

// MapView reads live (non-deleted) entries of one map. Each call observes
// a consistent state; separate calls may observe different states.
type MapView struct {
	doc  *Document
	name MapName
}

// Get returns the value stored under id.
func (v MapView) Get(id string) ([]byte, bool) {
	v.doc.mu.RLock()
	defer v.doc.mu.RUnlock()
	return v.doc.getLocked(v.name, id)
}

// Keys returns live keys in sorted order.
func (v MapView) Keys() []string {
	v.doc.mu.RLock()
	defer v.doc.mu.RUnlock()
	return v.doc.keysLocked(v.name)
}

// Len returns the number of live entries.
func (v MapView) Len() int {
	v.doc.mu.RLock()
	defer v.doc.mu.RUnlock()

	n := 0
	for _, reg := range v.doc.maps[v.name] {
		if !reg.deleted {
			n++
		}
	}
	return n
}

// Range calls fn for each live entry in sorted key order until fn returns
// false. fn runs on a copy taken under the read lock, so it may mutate the
// document.
func (v MapView) Range(fn func(id string, value []byte) bool) {
	v.doc.mu.RLock()
	entries := v.doc.entriesLocked(v.name)
	v.doc.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.ID, e.Value) {
			return
		}
	}
}

func (d *Document) getLocked(name MapName, id string) ([]byte, bool) {
	reg, ok := d.maps[name][id]
	if !ok || reg.deleted {
		return nil, false
	}
	return reg.value, true
}

func (d *Document) keysLocked(name MapName) []string {
	keys := make([]string, 0, len(d.maps[name]))
	for k, reg := range d.maps[name] {
		if !reg.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Transactions
// =============================================================================

type opKey struct {
	m   MapName
	key string
}

// Txn stages writes for Transact. Reads see committed state only; staged
// writes become visible after commit. Staging the same key twice keeps the
// last write.
type Txn struct {
	doc    *Document
	ops    []Op
	staged map[opKey]int
	err    error
}

// Get reads a committed live value.
func (t *Txn) Get(m MapName, id string) ([]byte, bool) {
	return t.doc.getLocked(m, id)
}

// Keys lists committed live keys in sorted order.
func (t *Txn) Keys(m MapName) []string {
	return t.doc.keysLocked(m)
}

// Set stages a value write.
func (t *Txn) Set(m MapName, id string, value []byte) error {
	if !m.Valid() || id == "" || len(value) == 0 {
		return t.fail(fmt.Errorf("%w: set %q in %q", ErrInvalidOp, id, m))
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	t.stage(Op{Map: m, Key: id, Value: stored})
	return nil
}

// Delete stages a tombstone. Deleting an id that is not live is a no-op.
func (t *Txn) Delete(m MapName, id string) error {
	if !m.Valid() || id == "" {
		return t.fail(fmt.Errorf("%w: delete %q in %q", ErrInvalidOp, id, m))
	}
	if _, live := t.doc.getLocked(m, id); !live {
		if i, ok := t.staged[opKey{m, id}]; ok {
			t.ops[i] = Op{Map: m, Key: id, Deleted: true}
		}
		return nil
	}
	t.stage(Op{Map: m, Key: id, Deleted: true})
	return nil
}

// Len returns the number of staged writes.
func (t *Txn) Len() int {
	return len(t.ops)
}

func (t *Txn) stage(op Op) {
	k := opKey{op.Map, op.Key}
	if i, ok := t.staged[k]; ok {
		t.ops[i] = op
		return
	}
	t.staged[k] = len(t.ops)
	t.ops = append(t.ops, op)
}

func (t *Txn) fail(err error) error {
	if t.err == nil {
		t.err = err
	}
	return err
}
