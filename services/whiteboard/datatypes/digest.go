// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// BoardDigest is the compact projection of a session document handed to the
// tutoring agent. Field names are part of the agent contract.
type BoardDigest struct {
	Counts           DigestCounts     `json:"counts"`
	QuestionTags     []QuestionTag    `json:"question_tags"`
	ConceptClusters  []ConceptCluster `json:"concept_clusters"`
	EphemeralSummary EphemeralSummary `json:"ephemeral_summary"`
}

// DigestCounts tallies durable objects.
type DigestCounts struct {
	ByKind  map[string]int `json:"by_kind"`
	ByOwner map[string]int `json:"by_owner"`
}

// QuestionTag is a durable object whose metadata.role is question_tag.
type QuestionTag struct {
	ID       string   `json:"id"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Metadata Metadata `json:"metadata"`
}

// ConceptCluster groups durable objects sharing metadata.concept.
// BBox is [minX, minY, maxX, maxY].
type ConceptCluster struct {
	Concept string     `json:"concept"`
	BBox    [4]float64 `json:"bbox"`
	Count   int        `json:"count"`
}

// EphemeralSummary describes the transient layer.
type EphemeralSummary struct {
	ActiveHighlights   int                    `json:"activeHighlights"`
	ActiveQuestionTags []EphemeralQuestionTag `json:"activeQuestionTags"`
	RecentPointer      *PointerPing           `json:"recentPointer"`
}

// EphemeralQuestionTag is a transient question marker linked to a durable
// object.
type EphemeralQuestionTag struct {
	ID             string `json:"id"`
	LinkedObjectID string `json:"linkedObjectId"`
}

// PointerPing is the most recent pointer ping on the board.
type PointerPing struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ExpiresAt int64   `json:"expiresAt"`
}

// EmptyDigest returns the digest of an empty board. Maps and lists are
// non-nil so they encode as {} and [].
func EmptyDigest() BoardDigest {
	return BoardDigest{
		Counts: DigestCounts{
			ByKind:  map[string]int{},
			ByOwner: map[string]int{},
		},
		QuestionTags:    []QuestionTag{},
		ConceptClusters: []ConceptCluster{},
		EphemeralSummary: EphemeralSummary{
			ActiveQuestionTags: []EphemeralQuestionTag{},
		},
	}
}

// IsEmpty reports whether the digest describes an empty board.
func (d BoardDigest) IsEmpty() bool {
	return len(d.Counts.ByKind) == 0 &&
		len(d.QuestionTags) == 0 &&
		len(d.ConceptClusters) == 0 &&
		d.EphemeralSummary.ActiveHighlights == 0 &&
		len(d.EphemeralSummary.ActiveQuestionTags) == 0 &&
		d.EphemeralSummary.RecentPointer == nil
}
