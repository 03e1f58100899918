// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream buffers a conversation's ordered event stream and
// serves it over a resumable server-sent-events endpoint. The buffer
// is the source of truth for event ids; everything downstream (SSE
// cursors, the gateway protocol, the reconciliation bridge) speaks in
// its ids.
package stream

import (
	"encoding/json"
	"sync"
)

// DefaultCapacity bounds a buffer when the caller does not choose a
// capacity. Enough for a long agent turn; older entries are trimmed.
const DefaultCapacity = 3000

// Entry is one buffered event. IDs are monotonic per buffer, starting
// at 1, and restart only on Reset.
type Entry struct {
	ID   uint64          `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscriber receives entries synchronously as they are appended. A
// subscriber runs under the buffer's lock and must return quickly and
// never call back into the buffer.
type Subscriber func(Entry)

// Buffer is an append-only, capacity-bounded event log for one
// conversation. Safe for concurrent use.
type Buffer struct {
	mu          sync.Mutex
	entries     []Entry
	nextID      uint64
	capacity    int
	terminal    bool
	subscribers map[uint64]Subscriber
	nextSubID   uint64
}

// NewBuffer creates a Buffer with the given capacity; zero or negative
// means DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		nextID:      1,
		capacity:    capacity,
		subscribers: make(map[uint64]Subscriber),
	}
}

// isTerminalKind reports whether a kind ends the stream.
func isTerminalKind(kind string) bool {
	return kind == "done" || kind == "turn_error"
}

// Append adds one event to the buffer, assigns its id, fans it out to
// subscribers, and latches the terminal status for done/turn_error
// kinds. Data is marshalled once at append time; a nil data appends a
// bare kind.
func (buffer *Buffer) Append(kind string, data any) Entry {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			encoded, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		raw = encoded
	}

	buffer.mu.Lock()
	entry := Entry{ID: buffer.nextID, Kind: kind, Data: raw}
	buffer.nextID++
	buffer.entries = append(buffer.entries, entry)
	if len(buffer.entries) > buffer.capacity {
		buffer.entries = buffer.entries[len(buffer.entries)-buffer.capacity:]
	}
	// A terminal entry latches the status; a later append (a new
	// turn on the same conversation) reopens the stream.
	buffer.terminal = isTerminalKind(kind)
	for _, subscriber := range buffer.subscribers {
		subscriber(entry)
	}
	buffer.mu.Unlock()
	return entry
}

// Since returns, in order, every retained entry with id greater than
// after. An after of 0 returns everything retained.
func (buffer *Buffer) Since(after uint64) []Entry {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	start := len(buffer.entries)
	for index, entry := range buffer.entries {
		if entry.ID > after {
			start = index
			break
		}
	}
	return append([]Entry(nil), buffer.entries[start:]...)
}

// LastID returns the id of the most recently appended entry, 0 when
// the buffer is empty (or freshly reset).
func (buffer *Buffer) LastID() uint64 {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	return buffer.nextID - 1
}

// Terminal reports whether the newest entry ends the stream.
func (buffer *Buffer) Terminal() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	return buffer.terminal
}

// Len returns the number of retained entries.
func (buffer *Buffer) Len() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	return len(buffer.entries)
}

// Reset drops every entry, clears the terminal latch, and restarts ids
// at 1. Consumers holding cursors into the old id sequence detect the
// restart by seeing LastID fall below their cursor.
func (buffer *Buffer) Reset() {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	buffer.entries = nil
	buffer.nextID = 1
	buffer.terminal = false
}

// Subscribe registers a synchronous subscriber for future entries. The
// returned cancel function removes it.
func (buffer *Buffer) Subscribe(subscriber Subscriber) (cancel func()) {
	buffer.mu.Lock()
	id := buffer.nextSubID
	buffer.nextSubID++
	buffer.subscribers[id] = subscriber
	buffer.mu.Unlock()

	return func() {
		buffer.mu.Lock()
		delete(buffer.subscribers, id)
		buffer.mu.Unlock()
	}
}
