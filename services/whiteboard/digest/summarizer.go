// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package digest projects a session document into the compact BoardDigest
// consumed by the tutoring agent.
//
// Summarize is read-only and deterministic: map views are walked in sorted
// key order and every output list is sorted, so an unchanged document
// always yields the same digest.
package digest

import (
	"math"
	"sort"

	"github.com/AleutianAI/boardsync/services/whiteboard/crdt"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
)

// UnknownOwner is the by_owner bucket for objects without metadata.source.
const UnknownOwner = "unknown"

// Report counts entries Summarize could not read.
type Report struct {
	SkippedObjects   int
	SkippedEphemeral int
}

// Skipped returns the total number of unreadable entries.
func (r Report) Skipped() int {
	return r.SkippedObjects + r.SkippedEphemeral
}

// Summarize returns the digest of doc. A nil document yields the empty
// digest.
func Summarize(doc *crdt.Document) datatypes.BoardDigest {
	d, _ := SummarizeWithReport(doc)
	return d
}

// SummarizeWithReport is Summarize plus a count of skipped entries.
//
// # Description
//
//  1. One pass over objects: counts by kind and owner, question tags
//     (metadata.role == "question_tag") and concept groups.
//  2. Concept groups become clusters with the union bounding box.
//  3. One pass over ephemeral: highlight strokes, question tags, and the
//     pointer ping with the greatest expiresAt. On equal expiresAt the
//     later key in sorted order wins.
//
// Malformed entries are skipped and counted in the report.
func SummarizeWithReport(doc *crdt.Document) (datatypes.BoardDigest, Report) {
	out := datatypes.EmptyDigest()
	var report Report
	if doc == nil {
		return out, report
	}

	doc.View(func(objects, ephemeral []crdt.Entry) {
		report.SkippedObjects = summarizeObjects(&out, objects)
		report.SkippedEphemeral = summarizeEphemeral(&out.EphemeralSummary, ephemeral)
	})
	return out, report
}

// summarizeObjects fills counts, question tags and concept clusters and
// returns the number of unreadable entries.
func summarizeObjects(out *datatypes.BoardDigest, entries []crdt.Entry) (skipped int) {
	clusters := make(map[string]*datatypes.ConceptCluster)

	for _, e := range entries {
		id := e.ID
		obj, err := datatypes.DecodeObject(e.Value)
		if err != nil {
			skipped++
			continue
		}

		out.Counts.ByKind[obj.Kind]++
		owner := obj.Metadata.Source
		if owner == "" {
			owner = UnknownOwner
		}
		out.Counts.ByOwner[owner]++

		if obj.Metadata.Role == datatypes.RoleQuestionTag {
			out.QuestionTags = append(out.QuestionTags, datatypes.QuestionTag{
				ID:       id,
				X:        obj.X,
				Y:        obj.Y,
				Metadata: obj.Metadata,
			})
		}

		if concept := obj.Metadata.Concept; concept != "" {
			box := normalized(obj.Bounds())
			cluster, ok := clusters[concept]
			if !ok {
				clusters[concept] = &datatypes.ConceptCluster{Concept: concept, BBox: box, Count: 1}
				continue
			}
			cluster.BBox = union(cluster.BBox, box)
			cluster.Count++
		}
	}

	for _, cluster := range clusters {
		out.ConceptClusters = append(out.ConceptClusters, *cluster)
	}
	sort.Slice(out.ConceptClusters, func(i, j int) bool {
		return out.ConceptClusters[i].Concept < out.ConceptClusters[j].Concept
	})
	sort.Slice(out.QuestionTags, func(i, j int) bool {
		return out.QuestionTags[i].ID < out.QuestionTags[j].ID
	})
	return skipped
}

// summarizeEphemeral fills the ephemeral summary and returns the number of
// unreadable entries.
func summarizeEphemeral(summary *datatypes.EphemeralSummary, entries []crdt.Entry) (skipped int) {
	for _, e := range entries {
		id := e.ID
		obj, err := datatypes.DecodeObject(e.Value)
		if err != nil {
			skipped++
			continue
		}

		switch obj.Kind {
		case datatypes.KindHighlightStroke:
			summary.ActiveHighlights++
		case datatypes.KindQuestionTag:
			summary.ActiveQuestionTags = append(summary.ActiveQuestionTags, datatypes.EphemeralQuestionTag{
				ID:             id,
				LinkedObjectID: obj.Metadata.LinkedObjectID,
			})
		case datatypes.KindPointerPing:
			if obj.Metadata.ExpiresAt == nil {
				continue
			}
			expiresAt := *obj.Metadata.ExpiresAt
			if summary.RecentPointer == nil || expiresAt >= summary.RecentPointer.ExpiresAt {
				summary.RecentPointer = &datatypes.PointerPing{
					ID:        id,
					X:         obj.X,
					Y:         obj.Y,
					ExpiresAt: expiresAt,
				}
			}
		}
	}
	return skipped
}

func normalized(b [4]float64) [4]float64 {
	return [4]float64{
		math.Min(b[0], b[2]),
		math.Min(b[1], b[3]),
		math.Max(b[0], b[2]),
		math.Max(b[1], b[3]),
	}
}

func union(a, b [4]float64) [4]float64 {
	return [4]float64{
		math.Min(a[0], b[0]),
		math.Min(a[1], b[1]),
		math.Max(a[2], b[2]),
		math.Max(a[3], b[3]),
	}
}
