// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the board object model shared by the whiteboard
// packages: the object spec stored in session documents and the digest
// projected from them.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/boardsync/pkg/codec"
)

// =============================================================================
// Constants
// =============================================================================

// SourceUser is the only trusted value of metadata.source. Everything stored
// in the durable objects map is attributed to the authenticated session owner.
const SourceUser = "user"

// RoleQuestionTag marks a durable object as a question anchor.
const RoleQuestionTag = "question_tag"

// Object kinds the digest inspects. The kind set is open; any other string
// is stored and counted as-is.
const (
	KindRect            = "rect"
	KindEllipse         = "ellipse"
	KindText            = "text"
	KindPath            = "path"
	KindArrow           = "arrow"
	KindImage           = "image"
	KindHighlightStroke = "highlight_stroke"
	KindQuestionTag     = "question_tag"
	KindPointerPing     = "pointer_ping"
)

// ErrMalformedObject is returned when a stored value cannot be read as an
// ObjectSpec.
var ErrMalformedObject = errors.New("malformed object spec")

// =============================================================================
// Object Spec
// =============================================================================

// ObjectSpec is one whiteboard object as stored in a session document.
//
// # Description
//
// A tagged variant keyed by Kind. Geometry and the contracted metadata
// fields are typed; everything else a client sends survives a decode/encode
// round trip through Style and the Extra bags.
//
// # Fields
//
//   - ID: Caller-chosen id. Usually equal to the document map key.
//   - Kind: Variant tag (rect, text, path, highlight_stroke, ...).
//   - X, Y, Width, Height: Axis-aligned placement in board units.
//   - Style: Opaque rendering attributes.
//   - Metadata: Contracted fields plus an open bag.
//   - Extra: Unknown top-level keys.
type ObjectSpec struct {
	ID       string         `json:"id" validate:"required"`
	Kind     string         `json:"kind" validate:"required"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Width    float64        `json:"width"`
	Height   float64        `json:"height"`
	Style    map[string]any `json:"style,omitempty"`
	Metadata Metadata       `json:"metadata"`
	Extra    map[string]any `json:"-"`
}

// Metadata is the open metadata bag of an ObjectSpec. Only Source,
// ExpiresAt, Concept and Role carry contracts; the rest is informational.
type Metadata struct {
	Source         string
	GroupID        string
	Concept        string
	Role           string
	ExpiresAt      *int64
	LinkedObjectID string
	Extra          map[string]any
}

// Bounds returns the object's rectangle as (minX, minY, maxX, maxY).
func (o ObjectSpec) Bounds() [4]float64 {
	return [4]float64{o.X, o.Y, o.X + o.Width, o.Y + o.Height}
}

// HasExpiry reports whether metadata.expiresAt is set.
func (o ObjectSpec) HasExpiry() bool {
	return o.Metadata.ExpiresAt != nil
}

// ExpiredAt reports whether the object is logically dead at nowMs.
// Objects without an expiry never expire.
func (o ObjectSpec) ExpiredAt(nowMs int64) bool {
	return o.Metadata.ExpiresAt != nil && *o.Metadata.ExpiresAt < nowMs
}

// =============================================================================
// Encoding
// =============================================================================

// EncodeObject encodes an ObjectSpec into the CBOR form stored in documents.
func EncodeObject(spec ObjectSpec) ([]byte, error) {
	return codec.Marshal(spec.ToMap())
}

// DecodeObject reads a stored CBOR value as an ObjectSpec.
//
// # Description
//
// Decodes into a generic map first so numeric fields accept any CBOR number
// form and unknown keys are preserved. Contracted fields with the wrong type
// make the whole value malformed.
//
// # Outputs
//
//   - ObjectSpec: The decoded object.
//   - error: Wraps ErrMalformedObject when the value is not a usable object.
func DecodeObject(raw []byte) (ObjectSpec, error) {
	var generic any
	if err := codec.Unmarshal(raw, &generic); err != nil {
		return ObjectSpec{}, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	fields, ok := generic.(map[string]any)
	if !ok {
		return ObjectSpec{}, fmt.Errorf("%w: value is %T, not a map", ErrMalformedObject, generic)
	}
	return ObjectFromMap(fields)
}

// ReadExpiresAt extracts metadata.expiresAt without decoding the rest of the
// object. ok is false when the value has no readable expiry.
func ReadExpiresAt(raw []byte) (expiresAt int64, ok bool) {
	var generic any
	if err := codec.Unmarshal(raw, &generic); err != nil {
		return 0, false
	}
	fields, isMap := generic.(map[string]any)
	if !isMap {
		return 0, false
	}
	meta, isMap := fields["metadata"].(map[string]any)
	if !isMap {
		return 0, false
	}
	f, err := asFloat("expiresAt", meta["expiresAt"])
	if err != nil {
		return 0, false
	}
	return millis(f), true
}

// ObjectFromMap converts a generic field map into an ObjectSpec.
func ObjectFromMap(fields map[string]any) (ObjectSpec, error) {
	var spec ObjectSpec
	var err error

	for key, value := range fields {
		switch key {
		case "id":
			spec.ID, err = asString(key, value)
		case "kind":
			spec.Kind, err = asString(key, value)
		case "x":
			spec.X, err = asFloat(key, value)
		case "y":
			spec.Y, err = asFloat(key, value)
		case "width":
			spec.Width, err = asFloat(key, value)
		case "height":
			spec.Height, err = asFloat(key, value)
		case "style":
			if value == nil {
				continue
			}
			style, ok := value.(map[string]any)
			if !ok {
				err = fmt.Errorf("%w: style is %T", ErrMalformedObject, value)
			}
			spec.Style = style
		case "metadata":
			if value == nil {
				continue
			}
			meta, ok := value.(map[string]any)
			if !ok {
				err = fmt.Errorf("%w: metadata is %T", ErrMalformedObject, value)
				break
			}
			spec.Metadata, err = MetadataFromMap(meta)
		default:
			if spec.Extra == nil {
				spec.Extra = make(map[string]any)
			}
			spec.Extra[key] = value
		}
		if err != nil {
			return ObjectSpec{}, err
		}
	}
	return spec, nil
}

// MetadataFromMap converts a generic metadata map into Metadata.
func MetadataFromMap(fields map[string]any) (Metadata, error) {
	var meta Metadata
	var err error

	for key, value := range fields {
		switch key {
		case "source":
			meta.Source, err = asString(key, value)
		case "groupId":
			meta.GroupID, err = asString(key, value)
		case "concept":
			meta.Concept, err = asString(key, value)
		case "role":
			meta.Role, err = asString(key, value)
		case "linkedObjectId":
			meta.LinkedObjectID, err = asString(key, value)
		case "expiresAt":
			if value == nil {
				continue
			}
			var f float64
			f, err = asFloat(key, value)
			if err == nil {
				ms := millis(f)
				meta.ExpiresAt = &ms
			}
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[key] = value
		}
		if err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

// ToMap returns the generic field map for the object. Known fields override
// anything of the same name in Extra.
func (o ObjectSpec) ToMap() map[string]any {
	fields := make(map[string]any, len(o.Extra)+8)
	for k, v := range o.Extra {
		fields[k] = v
	}
	fields["id"] = o.ID
	fields["kind"] = o.Kind
	fields["x"] = o.X
	fields["y"] = o.Y
	fields["width"] = o.Width
	fields["height"] = o.Height
	if len(o.Style) > 0 {
		fields["style"] = o.Style
	}
	fields["metadata"] = o.Metadata.ToMap()
	return fields
}

// ToMap returns the generic field map for the metadata bag. Empty optional
// fields are omitted.
func (m Metadata) ToMap() map[string]any {
	fields := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		fields[k] = v
	}
	fields["source"] = m.Source
	if m.GroupID != "" {
		fields["groupId"] = m.GroupID
	}
	if m.Concept != "" {
		fields["concept"] = m.Concept
	}
	if m.Role != "" {
		fields["role"] = m.Role
	}
	if m.LinkedObjectID != "" {
		fields["linkedObjectId"] = m.LinkedObjectID
	}
	if m.ExpiresAt != nil {
		fields["expiresAt"] = *m.ExpiresAt
	}
	return fields
}

// MarshalJSON flattens the open bag next to the contracted fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON reads a flattened metadata object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	parsed, err := MetadataFromMap(fields)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func asString(field string, value any) (string, error) {
	if value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, not a string", ErrMalformedObject, field, value)
	}
	return s, nil
}

// millis converts a finite timestamp to int64, saturating out-of-range
// values so a far-future expiry stays in the future.
func millis(f float64) int64 {
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func asFloat(field string, value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case uint32:
		f = float64(v)
	default:
		return 0, fmt.Errorf("%w: %s is %T, not a number", ErrMalformedObject, field, value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrMalformedObject, field)
	}
	return f, nil
}
