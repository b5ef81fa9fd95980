// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content enforces ownership attribution on durable board objects.
//
// Every entry in a document's "objects" map must carry
// metadata.source == "user". Clients cannot be trusted to set it, so the
// sanitizer rewrites the field on every object an inbound delta writes,
// in the same commit as the delta.
package content

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/boardsync/pkg/codec"
	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
)

// Origin tags updates committed by the sanitizer.
const Origin = "sanitizer"

// MaxObjectIDBytes bounds object ids accepted as structurally valid.
const MaxObjectIDBytes = 256

var tracer = otel.Tracer("boardsync.whiteboard.content")

// =============================================================================
// Structural Validation
// =============================================================================

var structValidate *validator.Validate

func init() {
	structValidate = validator.New()
	_ = structValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxObjectIDBytes
}

// structure is the minimum an object needs before the sanitizer will touch
// it. Other fields are opaque here.
type structure struct {
	ID   string `validate:"required,maxbytes"`
	Kind string `validate:"required"`
}

// =============================================================================
// Results
// =============================================================================

// Skip reasons.
const (
	ReasonNotMap         = "value is not a map"
	ReasonMetadataNotMap = "metadata is not a map"
	ReasonInvalid        = "structural validation failed"
)

// ValidationSkip records an entry the sanitizer could not read. The entry is
// left as it is.
type ValidationSkip struct {
	ID     string
	Reason string
	Err    error
}

func (s ValidationSkip) Error() string {
	if s.Err != nil {
		return fmt.Sprintf("skipped %q: %s: %v", s.ID, s.Reason, s.Err)
	}
	return fmt.Sprintf("skipped %q: %s", s.ID, s.Reason)
}

// Result summarizes one sanitize pass.
type Result struct {
	// Scanned is the number of live objects inspected.
	Scanned int

	// Corrections is the number of entries whose source was rewritten.
	Corrections int

	// Skipped lists entries that could not be inspected.
	Skipped []ValidationSkip

	// Update is the committed update, empty when nothing changed. From
	// ApplySanitized it includes the inbound delta.
	Update crdt.Update
}

// =============================================================================
// Sanitizer
// =============================================================================

// Sanitizer rewrites metadata.source on durable objects.
//
// # Thread Safety
//
// Safe for concurrent use. Each pass runs inside one document transaction.
type Sanitizer struct {
	logger *slog.Logger
}

// NewSanitizer creates a sanitizer. A nil logger uses slog.Default().
func NewSanitizer(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{logger: logger}
}

// ValidateAndSanitize forces metadata.source to "user" on every object.
//
// # Description
//
// Scans the objects map inside a single transaction. Entries whose source
// is anything other than "user" (including missing metadata) get the field
// rewritten; every other field is preserved byte for byte through the
// generic map. All rewrites commit as one delta with origin "sanitizer".
// Unreadable entries are skipped and reported.
//
// # Inputs
//
//   - ctx: Cancellation is checked before the pass starts.
//   - doc: Document to sanitize.
//   - actorID: Session owner, used for logging.
//
// # Outputs
//
//   - Result: Corrections and skips. A second consecutive pass reports zero
//     corrections.
//   - error: ctx error or crdt.ErrClosed.
func (s *Sanitizer) ValidateAndSanitize(ctx context.Context, doc *crdt.Document, actorID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	_, span := tracer.Start(ctx, "content.ValidateAndSanitize")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", doc.SessionID()))

	var result Result
	update, err := doc.Transact(Origin, func(txn *crdt.Txn) error {
		result = Result{}
		return stage(txn, txn.Keys(crdt.MapObjects), &result)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sanitize failed")
		return Result{}, err
	}
	result.Update = update

	s.report(doc, actorID, span, result)
	return result, nil
}

// ApplySanitized merges an inbound delta into doc and attributes the
// objects it wrote, in one commit.
//
// # Description
//
// Only the object keys the delta changed are inspected; the rest of the map
// was sanitized when it arrived. Corrections are layered on the delta
// inside the same critical section, so no observer ever sees an object with
// a foreign source. The returned update's Delta is the corrected change for
// other peers and its Echo is the correction alone, for the sender.
//
// # Inputs
//
//   - ctx: Cancellation is checked before the delta is applied.
//   - doc: Target document.
//   - delta: Wire-format bytes from a peer.
//   - origin: Update origin, normally the peer id.
//   - actorID: Session owner, used for logging.
//
// # Outputs
//
//   - crdt.Update: The combined effective update. Empty when redundant.
//   - Result: Corrections and skips among the changed objects.
//   - error: ctx error, *crdt.DecodeError (state untouched) or
//     crdt.ErrClosed.
func (s *Sanitizer) ApplySanitized(ctx context.Context, doc *crdt.Document, delta []byte, origin, actorID string) (crdt.Update, Result, error) {
	if err := ctx.Err(); err != nil {
		return crdt.Update{}, Result{}, err
	}

	_, span := tracer.Start(ctx, "content.ApplySanitized")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", doc.SessionID()))

	var result Result
	update, err := doc.ApplyThen(delta, origin, func(txn *crdt.Txn, applied []crdt.Op) error {
		result = Result{}
		ids := make([]string, 0, len(applied))
		for _, op := range applied {
			if op.Map == crdt.MapObjects && !op.Deleted {
				ids = append(ids, op.Key)
			}
		}
		return stage(txn, ids, &result)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return crdt.Update{}, Result{}, err
	}
	result.Update = update

	s.report(doc, actorID, span, result)
	return update, result, nil
}

// stage queues a source rewrite for each of ids that needs one. Ids that
// are not live are ignored.
func stage(txn *crdt.Txn, ids []string, result *Result) error {
	for _, id := range ids {
		raw, ok := txn.Get(crdt.MapObjects, id)
		if !ok {
			continue
		}
		result.Scanned++

		corrected, skip := sanitizeValue(id, raw)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		if corrected == nil {
			continue
		}
		if err := txn.Set(crdt.MapObjects, id, corrected); err != nil {
			return err
		}
		result.Corrections++
	}
	return nil
}

func (s *Sanitizer) report(doc *crdt.Document, actorID string, span trace.Span, result Result) {
	span.SetAttributes(
		attribute.Int("corrections", result.Corrections),
		attribute.Int("skipped", len(result.Skipped)),
	)
	if result.Corrections > 0 || len(result.Skipped) > 0 {
		s.logger.Info("sanitized board objects",
			"session_id", doc.SessionID(),
			"actor_id", actorID,
			"scanned", result.Scanned,
			"corrections", result.Corrections,
			"skipped", len(result.Skipped),
		)
	}
	for _, skip := range result.Skipped {
		s.logger.Debug("skipped unreadable object",
			"session_id", doc.SessionID(),
			"object_id", skip.ID,
			"reason", skip.Reason,
		)
	}
}

// sanitizeValue returns the corrected encoding, nil when the entry is
// already attributed, or a skip.
func sanitizeValue(id string, raw []byte) ([]byte, *ValidationSkip) {
	var generic any
	if err := codec.Unmarshal(raw, &generic); err != nil {
		return nil, &ValidationSkip{ID: id, Reason: ReasonNotMap, Err: err}
	}
	fields, ok := generic.(map[string]any)
	if !ok {
		return nil, &ValidationSkip{ID: id, Reason: ReasonNotMap}
	}

	var meta map[string]any
	switch m := fields["metadata"].(type) {
	case nil:
		meta = map[string]any{}
	case map[string]any:
		meta = m
	default:
		return nil, &ValidationSkip{ID: id, Reason: ReasonMetadataNotMap}
	}

	objID, _ := fields["id"].(string)
	kind, _ := fields["kind"].(string)
	if err := structValidate.Struct(structure{ID: objID, Kind: kind}); err != nil {
		return nil, &ValidationSkip{ID: id, Reason: ReasonInvalid, Err: err}
	}

	if source, _ := meta["source"].(string); source == datatypes.SourceUser {
		return nil, nil
	}

	meta["source"] = datatypes.SourceUser
	fields["metadata"] = meta
	corrected, err := codec.Marshal(fields)
	if err != nil {
		return nil, &ValidationSkip{ID: id, Reason: ReasonInvalid, Err: err}
	}
	return corrected, nil
}
