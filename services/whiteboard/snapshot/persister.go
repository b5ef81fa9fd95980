// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot saves and restores whole session documents.
//
// # Description
//
// A snapshot is the document's full encoding wrapped in a checksummed,
// optionally compressed envelope, stored under "snapshot:<sessionId>".
// Restoring always decodes into a detached document first so a corrupt
// snapshot can never leave partial state in a live session.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
)

// Origin tags updates produced by a restore.
const Origin = "restore"

// ErrNoSession is returned by Take when the session has no live document.
var ErrNoSession = errors.New("snapshot: session has no live document")

var tracer = otel.Tracer("boardsync.whiteboard.snapshot")

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	Registry    *crdt.Registry
	Store       Store
	Compression Compression
	Logger      *slog.Logger
	Metrics     *observability.BoardMetrics
}

// Persister moves documents between the registry and a Store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Persister struct {
	registry    *crdt.Registry
	store       Store
	compression Compression
	logger      *slog.Logger
	metrics     *observability.BoardMetrics
}

// NewPersister creates a Persister.
func NewPersister(config PersisterConfig) *Persister {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Persister{
		registry:    config.Registry,
		store:       config.Store,
		compression: config.Compression,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}
}

// Take encodes the live document of sessionID, stores it and returns the
// stored bytes.
//
// # Outputs
//
//   - []byte: The envelope as stored.
//   - error: ErrNoSession, or *StoreError from the backend.
func (p *Persister) Take(ctx context.Context, sessionID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Take")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	doc, ok := p.registry.Get(sessionID)
	if !ok {
		p.metrics.RecordSnapshot(observability.SnapshotTake, false, 0)
		return nil, ErrNoSession
	}

	data, err := Encode(doc.EncodeFull(), p.compression)
	if err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotTake, false, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, fmt.Errorf("encode snapshot for %s: %w", sessionID, err)
	}
	if err := p.store.Set(ctx, Key(sessionID), data); err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotTake, false, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return nil, asStoreError("set", Key(sessionID), err)
	}

	p.metrics.RecordSnapshot(observability.SnapshotTake, true, len(data))
	p.logger.Info("snapshot taken",
		"session_id", sessionID,
		"bytes", len(data),
		"compression", p.compression.String(),
	)
	return data, nil
}

// Restore merges a snapshot into sessionID's live document, creating it if
// needed. Peers of the session receive the effective change.
//
// # Outputs
//
//   - error: *crdt.DecodeError if data is not a valid snapshot; the live
//     document is untouched.
func (p *Persister) Restore(ctx context.Context, sessionID string, data []byte) error {
	_, span := tracer.Start(ctx, "snapshot.Restore")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("bytes", len(data)))

	raw, err := p.decodeDetached(sessionID, data)
	if err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotRestore, false, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return err
	}

	doc, _ := p.registry.GetOrCreate(sessionID)
	update, err := doc.Apply(raw, Origin)
	if err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotRestore, false, 0)
		span.RecordError(err)
		return fmt.Errorf("merge snapshot into %s: %w", sessionID, err)
	}

	p.metrics.RecordSnapshot(observability.SnapshotRestore, true, len(data))
	p.logger.Info("snapshot restored",
		"session_id", sessionID,
		"changes", update.Changes(),
	)
	return nil
}

// Load fetches the stored snapshot of sessionID and restores it.
//
// # Outputs
//
//   - bool: False when no snapshot is stored.
//   - error: *StoreError or *crdt.DecodeError.
func (p *Persister) Load(ctx context.Context, sessionID string) (bool, error) {
	data, err := p.store.Get(ctx, Key(sessionID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotLoad, false, 0)
		return false, asStoreError("get", Key(sessionID), err)
	}
	if err := p.Restore(ctx, sessionID, data); err != nil {
		p.metrics.RecordSnapshot(observability.SnapshotLoad, false, 0)
		return false, err
	}
	p.metrics.RecordSnapshot(observability.SnapshotLoad, true, 0)
	return true, nil
}

// Detached decodes the stored snapshot of sessionID into a document that
// is not registered anywhere.
//
// # Outputs
//
//   - error: ErrNotFound, *StoreError or *crdt.DecodeError.
func (p *Persister) Detached(ctx context.Context, sessionID string) (*crdt.Document, error) {
	data, err := p.store.Get(ctx, Key(sessionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, asStoreError("get", Key(sessionID), err)
	}
	return DecodeDocument(sessionID, data)
}

func (p *Persister) decodeDetached(sessionID string, data []byte) ([]byte, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if _, err := crdt.New(sessionID).Apply(raw, Origin); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodeDocument decodes an envelope into a new detached document.
func DecodeDocument(sessionID string, data []byte) (*crdt.Document, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	doc := crdt.New(sessionID)
	if _, err := doc.Apply(raw, Origin); err != nil {
		return nil, err
	}
	return doc, nil
}

func asStoreError(op, key string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
