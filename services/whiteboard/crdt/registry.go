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
	"sort"
	"sync"
)

// Registry owns the live documents of one process, keyed by session id.
//
// # Description
//
// The registry's mutex covers only its map. Work on a document happens
// under that document's own lock, so sessions never contend with each
// other beyond the map lookup.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	docs map[string]*Document

	// onCreate runs under the registry lock for every document GetOrCreate
	// creates, before any other caller can see it. It must not call back
	// into the registry.
	onCreate func(*Document)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]*Document)}
}

// OnCreate registers a hook invoked for each newly created document. It
// must be set before the registry is shared.
func (r *Registry) OnCreate(fn func(*Document)) {
	r.onCreate = fn
}

// GetOrCreate returns the live document for sessionID, creating an empty
// one if needed. It never loads snapshots.
func (r *Registry) GetOrCreate(sessionID string) (*Document, bool) {
	r.mu.Lock()
	if doc, ok := r.docs[sessionID]; ok {
		r.mu.Unlock()
		return doc, false
	}
	doc := New(sessionID)
	if r.onCreate != nil {
		r.onCreate(doc)
	}
	r.docs[sessionID] = doc
	r.mu.Unlock()
	return doc, true
}

// Get returns the live document for sessionID.
func (r *Registry) Get(sessionID string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[sessionID]
	return doc, ok
}

// Destroy removes and closes the document for sessionID. A later
// GetOrCreate yields a fresh empty document.
func (r *Registry) Destroy(sessionID string) bool {
	r.mu.Lock()
	doc, ok := r.docs[sessionID]
	delete(r.docs, sessionID)
	r.mu.Unlock()

	if ok {
		doc.Close()
	}
	return ok
}

// Sessions returns the ids of live documents in sorted order.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of live documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Close closes and forgets every document.
func (r *Registry) Close() {
	r.mu.Lock()
	docs := r.docs
	r.docs = make(map[string]*Document)
	r.mu.Unlock()

	for _, doc := range docs {
		doc.Close()
	}
}
