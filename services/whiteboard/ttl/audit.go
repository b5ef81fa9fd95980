// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// auditLogFileMode restricts the audit file to its owner.
const auditLogFileMode = 0600

// auditLogger implements AuditLogger over an append-only JSONL file.
//
// # Thread Safety
//
// All methods are thread-safe. File writes are serialized via mutex.
type auditLogger struct {
	logFile *os.File
	logPath string
	fileMu  sync.Mutex
}

// NewAuditLogger opens (or creates) the audit file at logPath.
//
// # Outputs
//
//   - AuditLogger: Ready to use.
//   - error: Non-nil if the file cannot be opened.
//
// # Limitations
//
//   - Rotation must be handled externally (e.g., logrotate).
func NewAuditLogger(logPath string) (AuditLogger, error) {
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open sweep audit log: %w", err)
	}

	slog.Info("sweep audit logger initialized", "log_path", logPath)
	return &auditLogger{logFile: file, logPath: logPath}, nil
}

// LogSweep appends a sweep summary record.
func (l *auditLogger) LogSweep(result SweepResult) error {
	record := sweepRecord{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Operation:       "sweep_cycle",
		NowMs:           result.NowMs,
		SessionsScanned: result.SessionsScanned,
		SessionsSwept:   result.SessionsSwept,
		EntriesRemoved:  result.EntriesRemoved,
		EntriesSkipped:  result.EntriesSkipped,
		DurationMs:      result.DurationMs(),
		ErrorCount:      len(result.Errors),
	}
	for _, e := range result.Errors {
		record.FailedSessions = append(record.FailedSessions, e.SessionID)
	}
	return l.write(record)
}

// LogError appends an error record.
func (l *auditLogger) LogError(err error, context string) error {
	return l.write(errorRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: "error",
		Context:   context,
		Error:     err.Error(),
	})
}

// Close closes the file. Later writes fail.
func (l *auditLogger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close audit log: %w", err)
		}
		l.logFile = nil
	}
	return nil
}

func (l *auditLogger) write(record any) error {
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.logFile == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// =============================================================================
// Records
// =============================================================================

type sweepRecord struct {
	Timestamp       string   `json:"timestamp"`
	Operation       string   `json:"operation"`
	NowMs           int64    `json:"now_ms"`
	SessionsScanned int      `json:"sessions_scanned"`
	SessionsSwept   int      `json:"sessions_swept"`
	EntriesRemoved  int      `json:"entries_removed"`
	EntriesSkipped  int      `json:"entries_skipped"`
	DurationMs      int64    `json:"duration_ms"`
	ErrorCount      int      `json:"error_count"`
	FailedSessions  []string `json:"failed_sessions,omitempty"`
}

type errorRecord struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Context   string `json:"context"`
	Error     string `json:"error"`
}
