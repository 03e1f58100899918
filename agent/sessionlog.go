// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SessionLogWriter writes canonical events as JSONL (one JSON object
// per line) to a session log file, zstd-compressed when the path ends
// in ".zst". It is safe for concurrent use.
type SessionLogWriter struct {
	file    *os.File
	zstd    *zstd.Encoder
	encoder *json.Encoder
	mutex   sync.Mutex
	closed  bool

	// Aggregated summary counters, protected by mutex.
	startTime     time.Time
	eventCount    int64
	messageCount  int64
	approvalCount int64
	rawCount      int64
	textBytes     int64
}

// sessionLogEntry is the on-disk record: the canonical event plus a
// write timestamp.
type sessionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

// NewSessionLogWriter creates a new session log file and returns a
// writer. The file is created (or truncated) at the given path.
func NewSessionLogWriter(path string) (*SessionLogWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating session log %q: %w", path, err)
	}

	writer := &SessionLogWriter{
		file:      file,
		startTime: time.Now(),
	}

	if strings.HasSuffix(path, ".zst") {
		compressor, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		writer.zstd = compressor
		writer.encoder = json.NewEncoder(compressor)
	} else {
		writer.encoder = json.NewEncoder(file)
	}
	// One compact JSON object per line.
	writer.encoder.SetEscapeHTML(false)
	return writer, nil
}

// Write appends a single event to the session log and updates summary
// counters.
func (writer *SessionLogWriter) Write(event Event) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return fmt.Errorf("session log closed")
	}

	entry := sessionLogEntry{Timestamp: time.Now(), Event: event}
	if err := writer.encoder.Encode(entry); err != nil {
		return fmt.Errorf("encoding session log event: %w", err)
	}

	// Uncompressed logs sync per write so events survive a crash.
	// Compressed logs flush the zstd frame instead; fsync per event
	// would defeat the compression.
	if writer.zstd != nil {
		if err := writer.zstd.Flush(); err != nil {
			return fmt.Errorf("flushing session log: %w", err)
		}
	} else {
		if err := writer.file.Sync(); err != nil {
			return fmt.Errorf("syncing session log: %w", err)
		}
	}

	writer.eventCount++
	switch event.Kind {
	case EventAgentMessage:
		writer.messageCount++
		writer.textBytes += int64(len(event.Text))
	case EventApprovalRequest:
		writer.approvalCount++
	case EventRaw:
		writer.rawCount++
	}
	return nil
}

// Close flushes any buffered data and closes the underlying file.
// Close is idempotent; calling it more than once returns nil.
func (writer *SessionLogWriter) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	if writer.zstd != nil {
		if err := writer.zstd.Close(); err != nil {
			writer.file.Close()
			return fmt.Errorf("closing zstd writer: %w", err)
		}
	}
	return writer.file.Close()
}

// SessionLogSummary is an aggregated summary of the session log.
type SessionLogSummary struct {
	EventCount    int64         `json:"event_count"`
	MessageCount  int64         `json:"message_count"`
	ApprovalCount int64         `json:"approval_count"`
	RawCount      int64         `json:"raw_count"`
	TextBytes     int64         `json:"text_bytes"`
	Duration      time.Duration `json:"duration"`
}

// Summary returns an aggregated summary of all events written so far.
func (writer *SessionLogWriter) Summary() SessionLogSummary {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return SessionLogSummary{
		EventCount:    writer.eventCount,
		MessageCount:  writer.messageCount,
		ApprovalCount: writer.approvalCount,
		RawCount:      writer.rawCount,
		TextBytes:     writer.textBytes,
		Duration:      time.Since(writer.startTime),
	}
}
