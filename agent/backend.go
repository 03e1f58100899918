// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// TurnRequest is the backend-facing shape of one turn.
type TurnRequest struct {
	Prompt string
	Config TurnConfig

	// ResumeSessionID is the backend's own session identifier when
	// the turn continues an existing agent session. Empty for a
	// fresh session.
	ResumeSessionID string
}

// Backend is the abstraction boundary between the Adapter and
// agent-specific process management. Implementations deliver every
// native payload to the handler registered at construction and own
// their subprocess lifecycle.
type Backend interface {
	// StartTurn runs one turn to completion, delivering native
	// payloads to the adapter's handler as they arrive. It returns
	// when the backend signals turn completion or the context is
	// cancelled. A non-nil error means the turn failed (subprocess
	// spawn failure, protocol error, or cancellation).
	StartTurn(ctx context.Context, request TurnRequest) error

	// RespondApproval answers a backend-correlated approval request.
	// backendID is the backend's own correlation id, which may
	// differ from the canonical ApprovalRequest.ID when the adapter
	// minted one. An empty backendID is a no-op.
	RespondApproval(ctx context.Context, backendID string, decision Decision) error

	// Terminate tears down the subprocess: graceful signal first,
	// forceful kill after a short grace window. Idempotent; safe to
	// call with no process running.
	Terminate(ctx context.Context) error

	// setHandler registers the adapter's payload handler. Called
	// once by NewAdapter before any turn starts.
	setHandler(handler payloadHandler)
}

// payloadHandler receives one native backend payload. The payload is
// only valid for the duration of the call.
type payloadHandler func(payload json.RawMessage)

// stderrTail retains the last few lines written to it. Backends feed
// it the subprocess's stderr so that a spawn or protocol failure can
// surface the agent's own diagnostics instead of a bare exit status.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newStderrTail(limit int) *stderrTail {
	return &stderrTail{limit: limit}
}

func (tail *stderrTail) Write(data []byte) (int, error) {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail.lines = append(tail.lines, line)
		if len(tail.lines) > tail.limit {
			tail.lines = tail.lines[len(tail.lines)-tail.limit:]
		}
	}
	return len(data), nil
}

// String returns the retained lines joined by newlines.
func (tail *stderrTail) String() string {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return strings.Join(tail.lines, "\n")
}
