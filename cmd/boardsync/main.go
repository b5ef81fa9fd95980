// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command boardsync runs the collaborative whiteboard service and inspects
// board snapshots offline.
//
// Usage:
//
//	boardsync serve --config boardsync.yaml
//	boardsync snapshot inspect session.wbsn
//	boardsync snapshot inspect --diag session.wbsn
//	boardsync version
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:8090/health
//
//	# Digest for the tutoring agent
//	curl http://localhost:8090/v1/sessions/lesson-42/digest | jq
//
//	# Download a snapshot
//	curl -X POST -o lesson-42.wbsn http://localhost:8090/v1/sessions/lesson-42/snapshot
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
