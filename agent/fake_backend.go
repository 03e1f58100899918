// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeBackend is an in-memory Backend for tests, both in this package
// and in packages that build on the adapter. Turns are scripted
// through TurnFunc and payloads injected with Feed, so a test can
// replay any backend behavior without spawning a process.
type FakeBackend struct {
	// TurnFunc scripts StartTurn. When nil, turns complete
	// immediately with no events. Assign before the first turn.
	TurnFunc func(ctx context.Context, request TurnRequest) error

	// Responded receives every decision forwarded through
	// RespondApproval, in order.
	Responded chan Decision

	mu           sync.Mutex
	handler      payloadHandler
	responses    []FakeApprovalResponse
	terminations int
}

// FakeApprovalResponse records one RespondApproval call.
type FakeApprovalResponse struct {
	BackendID string
	Decision  Decision
}

// NewFakeBackend creates a FakeBackend with a buffered Responded
// channel.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Responded: make(chan Decision, 16)}
}

func (backend *FakeBackend) setHandler(handler payloadHandler) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.handler = handler
}

// StartTurn runs the scripted turn.
func (backend *FakeBackend) StartTurn(ctx context.Context, request TurnRequest) error {
	if backend.TurnFunc != nil {
		return backend.TurnFunc(ctx, request)
	}
	return nil
}

// RespondApproval records the decision and forwards it on Responded.
func (backend *FakeBackend) RespondApproval(ctx context.Context, backendID string, decision Decision) error {
	backend.mu.Lock()
	backend.responses = append(backend.responses, FakeApprovalResponse{backendID, decision})
	backend.mu.Unlock()
	backend.Responded <- decision
	return nil
}

// Terminate counts teardown calls.
func (backend *FakeBackend) Terminate(ctx context.Context) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.terminations++
	return nil
}

// Feed delivers one raw payload line to the adapter, the way a real
// backend's read loop would.
func (backend *FakeBackend) Feed(payload string) {
	backend.mu.Lock()
	handler := backend.handler
	backend.mu.Unlock()
	handler(json.RawMessage(payload))
}

// Responses returns the recorded RespondApproval calls.
func (backend *FakeBackend) Responses() []FakeApprovalResponse {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	return append([]FakeApprovalResponse(nil), backend.responses...)
}

// Terminations returns how many times Terminate was called.
func (backend *FakeBackend) Terminations() int {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	return backend.terminations
}
