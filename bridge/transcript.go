// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"

	"github.com/tiller-agent/tiller/stream"
)

// Message is one assistant message rebuilt from stream entries.
type Message struct {
	// Text is the concatenated assistant text of one turn.
	Text string `json:"text"`

	// Final reports whether the turn ended (done or turn_error).
	Final bool `json:"final"`

	// Error carries the turn_error message when the turn failed.
	Error string `json:"error,omitempty"`
}

// Transcript rebuilds a chat view from a buffer's entries. It is a
// pure fold: feed it entries in order (for example everything from
// Since(0) after a mirror rebuild) and read Messages.
type Transcript struct {
	messages []Message
}

// Apply folds one entry into the transcript.
func (transcript *Transcript) Apply(entry stream.Entry) {
	switch entry.Kind {
	case "start":
		// A new turn begins; text accumulated by an interrupted turn
		// never finalized and is discarded.
		if open := transcript.openMessage(); open != nil {
			transcript.messages = transcript.messages[:len(transcript.messages)-1]
		}

	case "agent_message":
		var payload struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(entry.Data, &payload) != nil || payload.Text == "" {
			// A text fragment without usable text has nothing to
			// attach to; dropped.
			return
		}
		if open := transcript.openMessage(); open != nil {
			open.Text += payload.Text
			return
		}
		transcript.messages = append(transcript.messages, Message{Text: payload.Text})

	case "done":
		if open := transcript.openMessage(); open != nil {
			open.Final = true
		}

	case "turn_error":
		var payload struct {
			Message string `json:"message"`
		}
		json.Unmarshal(entry.Data, &payload)
		if open := transcript.openMessage(); open != nil {
			open.Final = true
			open.Error = payload.Message
			return
		}
		transcript.messages = append(transcript.messages, Message{Final: true, Error: payload.Message})
	}
	// Progress, approval, and raw entries do not shape the rebuilt
	// text view.
}

// ApplyAll folds a batch of entries in order.
func (transcript *Transcript) ApplyAll(entries []stream.Entry) {
	for _, entry := range entries {
		transcript.Apply(entry)
	}
}

// Reset clears the transcript, for rebuilding after a mirror reset.
func (transcript *Transcript) Reset() {
	transcript.messages = nil
}

// Messages returns the rebuilt messages in order.
func (transcript *Transcript) Messages() []Message {
	return append([]Message(nil), transcript.messages...)
}

// openMessage returns the trailing unfinished message, or nil.
func (transcript *Transcript) openMessage() *Message {
	if len(transcript.messages) == 0 {
		return nil
	}
	last := &transcript.messages[len(transcript.messages)-1]
	if last.Final {
		return nil
	}
	return last
}
