// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/stream"
)

// fakeRemote serves scripted entries the way the gateway client would.
type fakeRemote struct {
	entries []stream.Entry
	state   string
	busy    bool

	statusQueries int
}

func (remote *fakeRemote) append(kind, data string) {
	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	remote.entries = append(remote.entries, stream.Entry{
		ID:   uint64(len(remote.entries) + 1),
		Kind: kind,
		Data: raw,
	})
}

func (remote *fakeRemote) reset() {
	remote.entries = nil
}

func (remote *fakeRemote) EventsSince(ctx context.Context, chatKey string, after uint64) ([]stream.Entry, uint64, error) {
	var result []stream.Entry
	for _, entry := range remote.entries {
		if entry.ID > after {
			result = append(result, entry)
		}
	}
	return result, uint64(len(remote.entries)), nil
}

func (remote *fakeRemote) RuntimeStatus(ctx context.Context, chatKey string) (gateway.RuntimeStatus, error) {
	remote.statusQueries++
	return gateway.RuntimeStatus{
		State:       remote.state,
		Busy:        remote.busy,
		LastEventID: uint64(len(remote.entries)),
	}, nil
}

func newTestBridge(remote *fakeRemote) (*Bridge, *stream.Buffer) {
	buffer := stream.NewBuffer(0)
	bridge := New("chat-1", remote, buffer, Options{})
	return bridge, buffer
}

func TestBridgeMirrorsEntries(t *testing.T) {
	remote := &fakeRemote{state: "running", busy: true}
	remote.append("agent_message", `{"text":"Hello"}`)
	remote.append("agent_message", `{"text":" world"}`)

	bridge, buffer := newTestBridge(remote)
	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries := buffer.Since(0)
	if len(entries) != 2 {
		t.Fatalf("mirrored %d entries, want 2", len(entries))
	}
	if entries[0].ID != 1 || entries[0].Kind != "agent_message" {
		t.Fatalf("first mirrored entry = %+v", entries[0])
	}
	if string(entries[1].Data) != `{"text":" world"}` {
		t.Fatalf("mirrored data = %s", entries[1].Data)
	}
	if bridge.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", bridge.Cursor())
	}

	// Incremental: a later sync only fetches the tail.
	remote.append("done", "")
	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if buffer.LastID() != 3 || !buffer.Terminal() {
		t.Fatalf("buffer after tail sync: lastID %d terminal %v", buffer.LastID(), buffer.Terminal())
	}
}

func TestBridgeDetectsRemoteReset(t *testing.T) {
	remote := &fakeRemote{state: "running", busy: true}
	remote.append("agent_message", `{"text":"old"}`)
	remote.append("done", "")

	bridge, buffer := newTestBridge(remote)
	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if bridge.Cursor() != 2 {
		t.Fatalf("cursor = %d", bridge.Cursor())
	}

	// The daemon resets: its ids restart below our cursor. The mirror
	// must rebuild from zero, not append stale history.
	remote.reset()
	remote.append("agent_message", `{"text":"new"}`)

	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("Sync after reset: %v", err)
	}
	entries := buffer.Since(0)
	if len(entries) != 1 || entries[0].ID != 1 {
		t.Fatalf("rebuilt entries = %+v, want one entry with id 1", entries)
	}
	if string(entries[0].Data) != `{"text":"new"}` {
		t.Fatalf("rebuilt data = %s", entries[0].Data)
	}
	if bridge.Cursor() != 1 {
		t.Fatalf("cursor after rebuild = %d, want 1", bridge.Cursor())
	}
}

func TestBridgeSynthesizesDoneWhenRemoteFinished(t *testing.T) {
	remote := &fakeRemote{state: "running", busy: true}
	remote.append("agent_message", `{"text":"partial"}`)

	bridge, buffer := newTestBridge(remote)
	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if buffer.Terminal() {
		t.Fatal("terminal too early")
	}

	// The remote turn ends but its done entry is lost (daemon
	// restarted). The next quiet sync discovers the runner idle and
	// closes the local stream.
	remote.state = "idle"
	remote.busy = false
	if err := bridge.Sync(context.Background()); err != nil {
		t.Fatalf("reconciling Sync: %v", err)
	}

	entries := buffer.Since(0)
	if len(entries) != 2 || entries[1].Kind != "done" {
		t.Fatalf("entries = %+v, want synthesized done", entries)
	}
	if remote.statusQueries == 0 {
		t.Fatal("runtime status never queried")
	}
}

func TestBridgeDoesNotSynthesizeWhileRemoteBusy(t *testing.T) {
	remote := &fakeRemote{state: "running", busy: true}
	remote.append("agent_message", `{"text":"thinking"}`)

	bridge, buffer := newTestBridge(remote)
	for range 3 {
		if err := bridge.Sync(context.Background()); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}
	if buffer.Terminal() {
		t.Fatal("synthesized done while the remote turn was still busy")
	}
}

func TestTranscriptRebuild(t *testing.T) {
	buffer := stream.NewBuffer(0)
	buffer.Append("agent_message", map[string]string{"text": "Hello"})
	buffer.Append("agent_message", map[string]string{"text": " world"})
	buffer.Append("progress", map[string]any{"phase": "heartbeat"})
	buffer.Append("done", nil)
	buffer.Append("agent_message", map[string]string{"text": "second turn"})
	buffer.Append("turn_error", map[string]string{"message": "agent exited"})

	var transcript Transcript
	transcript.ApplyAll(buffer.Since(0))

	messages := transcript.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(messages), messages)
	}
	if messages[0].Text != "Hello world" || !messages[0].Final || messages[0].Error != "" {
		t.Fatalf("first message = %+v", messages[0])
	}
	if messages[1].Text != "second turn" || !messages[1].Final || messages[1].Error != "agent exited" {
		t.Fatalf("second message = %+v", messages[1])
	}
}

func TestTranscriptStartDiscardsInterruptedMessage(t *testing.T) {
	var transcript Transcript

	// A turn that never reached its terminal entry leaves a dangling
	// partial message; the next turn's start entry clears it.
	transcript.Apply(stream.Entry{ID: 1, Kind: "start"})
	transcript.Apply(stream.Entry{ID: 2, Kind: "agent_message", Data: json.RawMessage(`{"text":"half an ans"}`)})
	transcript.Apply(stream.Entry{ID: 3, Kind: "start"})
	transcript.Apply(stream.Entry{ID: 4, Kind: "agent_message", Data: json.RawMessage(`{"text":"whole answer"}`)})
	transcript.Apply(stream.Entry{ID: 5, Kind: "done"})

	messages := transcript.Messages()
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(messages), messages)
	}
	if messages[0].Text != "whole answer" || !messages[0].Final {
		t.Fatalf("message = %+v", messages[0])
	}
}

func TestTranscriptDropsUnattachableFragments(t *testing.T) {
	var transcript Transcript

	// Empty and malformed fragments have no message to attach to and
	// vanish silently.
	transcript.Apply(stream.Entry{ID: 1, Kind: "agent_message", Data: json.RawMessage(`{}`)})
	transcript.Apply(stream.Entry{ID: 2, Kind: "agent_message", Data: json.RawMessage(`not json`)})
	transcript.Apply(stream.Entry{ID: 3, Kind: "done"})

	if messages := transcript.Messages(); len(messages) != 0 {
		t.Fatalf("messages = %+v, want none", messages)
	}
}

func TestTranscriptResetClears(t *testing.T) {
	var transcript Transcript
	transcript.Apply(stream.Entry{ID: 1, Kind: "agent_message", Data: json.RawMessage(`{"text":"x"}`)})
	transcript.Reset()
	if messages := transcript.Messages(); len(messages) != 0 {
		t.Fatalf("messages after reset = %+v", messages)
	}
}
