// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func writeSampleEvents(t *testing.T, writer *SessionLogWriter) {
	t.Helper()
	events := []Event{
		{Kind: EventAgentMessage, Text: "hello"},
		{Kind: EventAgentMessage, Text: " world"},
		{Kind: EventApprovalRequest, Approval: &ApprovalRequest{ID: "approval-1-1", Command: "ls"}},
		{Kind: EventRaw, Payload: json.RawMessage(`{"type":"task_started"}`)},
	}
	for _, event := range events {
		if err := writer.Write(event); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

func checkSummary(t *testing.T, summary SessionLogSummary) {
	t.Helper()
	if summary.EventCount != 4 {
		t.Fatalf("event count = %d, want 4", summary.EventCount)
	}
	if summary.MessageCount != 2 || summary.ApprovalCount != 1 || summary.RawCount != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TextBytes != int64(len("hello world")) {
		t.Fatalf("text bytes = %d", summary.TextBytes)
	}
}

func TestSessionLogPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writer, err := NewSessionLogWriter(path)
	if err != nil {
		t.Fatalf("NewSessionLogWriter: %v", err)
	}
	writeSampleEvents(t, writer)
	checkSummary(t, writer.Summary())
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := writer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry sessionLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		if entry.Timestamp.IsZero() {
			t.Fatalf("line %d: zero timestamp", lines+1)
		}
		lines++
	}
	if lines != 4 {
		t.Fatalf("got %d lines, want 4", lines)
	}
}

func TestSessionLogCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl.zst")
	writer, err := NewSessionLogWriter(path)
	if err != nil {
		t.Fatalf("NewSessionLogWriter: %v", err)
	}
	writeSampleEvents(t, writer)
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer decoder.Close()

	var entries []sessionLogEntry
	scanner := bufio.NewScanner(decoder)
	for scanner.Scan() {
		var entry sessionLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decoding entry: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	if entries[0].Event.Kind != EventAgentMessage || entries[0].Event.Text != "hello" {
		t.Fatalf("first entry = %+v", entries[0].Event)
	}
	if entries[2].Event.Approval == nil || entries[2].Event.Approval.ID != "approval-1-1" {
		t.Fatalf("approval entry = %+v", entries[2].Event)
	}
}

func TestSessionLogWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writer, err := NewSessionLogWriter(path)
	if err != nil {
		t.Fatalf("NewSessionLogWriter: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.Write(Event{Kind: EventAgentMessage, Text: "late"}); err == nil {
		t.Fatal("Write after Close succeeded")
	}
}
