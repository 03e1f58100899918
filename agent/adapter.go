// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tiller-agent/tiller/lib/clock"
)

// AdapterOptions configures a new Adapter.
type AdapterOptions struct {
	// Sink receives canonical events. Required.
	Sink Sink

	// Logger is the structured logger for adapter-level events.
	// If nil, a default stderr logger is used.
	Logger *slog.Logger

	// Clock is the time source. If nil, the real clock is used.
	Clock clock.Clock

	// SessionLog, when non-nil, records every canonical event.
	SessionLog *SessionLogWriter
}

// Adapter owns one agent backend for one conversation. It normalizes
// the backend's native payloads into canonical events, correlates
// approval requests to decisions, and harvests session identifiers
// and usage/rate-limit data along the way.
//
// At most one turn runs at a time; the turn runner enforces this.
type Adapter struct {
	backend    Backend
	sink       Sink
	logger     *slog.Logger
	clk        clock.Clock
	sessionLog *SessionLogWriter

	mu sync.Mutex

	// emittedText gates the delta deduplication rule: once any
	// assistant text has been emitted this turn, full-message and
	// content-block payloads for the same text are discarded.
	// Reset at the start of every turn.
	emittedText bool

	// pending maps canonical approval ids to their resolvers.
	pending     map[string]*pendingApproval
	mintCounter uint64

	// sessionID is the backend's own session identifier, harvested
	// opportunistically from event payloads. Retained for the life
	// of the conversation unless explicitly discarded.
	sessionID string

	lastConfig     TurnConfig
	haveConfig     bool
	lastUsage      *Usage
	lastRateLimits *RateLimits

	// turnCtx is the context of the in-flight turn; approval
	// responder goroutines watch it so an aborted turn unblocks
	// them.
	turnCtx context.Context
}

// TurnResult is the out-of-band data captured during a turn.
type TurnResult struct {
	Usage      *Usage
	RateLimits *RateLimits
}

// NewAdapter creates an Adapter driving the given backend. The backend
// must not be shared between adapters.
func NewAdapter(backend Backend, options AdapterOptions) *Adapter {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	adapter := &Adapter{
		backend:    backend,
		sink:       options.Sink,
		logger:     logger,
		clk:        clk,
		sessionLog: options.SessionLog,
		pending:    make(map[string]*pendingApproval),
	}
	backend.setHandler(adapter.handlePayload)
	return adapter
}

// StartSession runs one turn against a fresh agent session, discarding
// any harvested session binding first. Blocks until the turn completes
// or ctx is cancelled.
func (adapter *Adapter) StartSession(ctx context.Context, prompt string, config TurnConfig) (TurnResult, error) {
	if err := config.Validate(); err != nil {
		return TurnResult{}, err
	}
	adapter.mu.Lock()
	adapter.sessionID = ""
	adapter.lastConfig = config
	adapter.haveConfig = true
	adapter.mu.Unlock()

	return adapter.runTurn(ctx, TurnRequest{Prompt: prompt, Config: config})
}

// ContinueSession runs one turn continuing the existing agent session.
// Falls back to a fresh session when no binding has been harvested
// yet. The execution config of the previous turn is reused; callers
// that need a different config must go through StartSession.
func (adapter *Adapter) ContinueSession(ctx context.Context, prompt string) (TurnResult, error) {
	adapter.mu.Lock()
	if !adapter.haveConfig {
		adapter.mu.Unlock()
		return TurnResult{}, fmt.Errorf("no prior turn to continue")
	}
	request := TurnRequest{
		Prompt:          prompt,
		Config:          adapter.lastConfig,
		ResumeSessionID: adapter.sessionID,
	}
	adapter.mu.Unlock()

	return adapter.runTurn(ctx, request)
}

func (adapter *Adapter) runTurn(ctx context.Context, request TurnRequest) (TurnResult, error) {
	adapter.mu.Lock()
	adapter.emittedText = false
	adapter.turnCtx = ctx
	adapter.mu.Unlock()

	err := adapter.backend.StartTurn(ctx, request)

	// Any approval still pending when the turn ends is stale: its
	// turn is over and nobody will answer it. Resolving to abort
	// frees the id and unblocks the responder goroutines.
	if stale := adapter.AbortPendingApprovals(); stale > 0 {
		adapter.logger.Warn("aborted stale approvals at turn end", "count", stale)
	}

	adapter.mu.Lock()
	result := TurnResult{Usage: adapter.lastUsage, RateLimits: adapter.lastRateLimits}
	adapter.mu.Unlock()

	if err != nil {
		return result, err
	}
	return result, nil
}

// Abort unblocks every pending approval, then tears down the backend
// subprocess. The ordering matters: a subprocess blocked awaiting an
// approval decision will never exit, so approvals must resolve before
// the teardown signal.
func (adapter *Adapter) Abort(ctx context.Context) error {
	if count := adapter.AbortPendingApprovals(); count > 0 {
		adapter.logger.Info("resolved pending approvals for abort", "count", count)
	}
	return adapter.backend.Terminate(ctx)
}

// SessionBinding returns the harvested backend session identifier, or
// empty when none has been observed.
func (adapter *Adapter) SessionBinding() string {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return adapter.sessionID
}

// DiscardBinding drops the harvested session binding so the next turn
// starts a fresh agent session.
func (adapter *Adapter) DiscardBinding() {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	adapter.sessionID = ""
}

// Usage returns the most recently harvested token usage, or nil.
func (adapter *Adapter) Usage() *Usage {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return adapter.lastUsage
}

// RateLimits returns the most recently harvested rate limits, or nil.
func (adapter *Adapter) RateLimits() *RateLimits {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return adapter.lastRateLimits
}

// handlePayload is the single entry point for native backend payloads.
// It never fails: unrecognized shapes pass through as raw events.
func (adapter *Adapter) handlePayload(payload json.RawMessage) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		adapter.emit(Event{Kind: EventRaw, Payload: clonePayload(payload)})
		return
	}

	// Opportunistic extraction runs on every payload regardless of
	// its kind: identifiers and usage can ride on anything.
	adapter.harvestIdentifiers(root)
	if usage := extractUsage(root); usage != nil {
		adapter.mu.Lock()
		adapter.lastUsage = usage
		adapter.mu.Unlock()
	}
	if limits := extractRateLimits(root, adapter.clk.Now()); limits != nil {
		adapter.mu.Lock()
		adapter.lastRateLimits = limits
		adapter.mu.Unlock()
	}

	body, outerID := unwrapEnvelope(root)
	kind, _ := body["type"].(string)

	switch {
	case isPrimaryDelta(kind):
		if text := deltaText(body); text != "" {
			adapter.emitText(text)
		}

	case isDuplicateDelta(kind):
		// The duplicate content-delta channel carries the same text
		// as the primary channel. Always discarded.

	case isFullMessage(kind):
		// Fallback channel: only used when no delta arrived this
		// turn, otherwise the text would appear twice.
		if adapter.textEmitted() {
			return
		}
		if text := fullMessageText(body); text != "" {
			adapter.emitText(text)
		}

	case isApprovalRequest(kind):
		adapter.handleApprovalRequest(body, outerID)

	default:
		adapter.emit(Event{Kind: EventRaw, Payload: clonePayload(payload)})
	}
}

func (adapter *Adapter) emitText(text string) {
	adapter.mu.Lock()
	adapter.emittedText = true
	adapter.mu.Unlock()
	adapter.emit(Event{Kind: EventAgentMessage, Text: text})
}

func (adapter *Adapter) textEmitted() bool {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return adapter.emittedText
}

func (adapter *Adapter) emit(event Event) {
	if adapter.sessionLog != nil {
		if err := adapter.sessionLog.Write(event); err != nil {
			adapter.logger.Warn("writing session log event", "error", err)
		}
	}
	adapter.sink.Emit(event)
}

// clonePayload copies a payload out of the backend's reused read
// buffer before it escapes into an event.
func clonePayload(payload json.RawMessage) json.RawMessage {
	return json.RawMessage(append([]byte(nil), payload...))
}

// unwrapEnvelope returns the event body and the outer correlation id.
// Structured-protocol backends wrap the event in {"id":..,"msg":{...}};
// stream backends wrap deltas in {"type":"stream_event","event":{...}}.
// A payload with neither wrapper is its own body.
func unwrapEnvelope(root map[string]any) (body map[string]any, outerID string) {
	outerID = stringField(root, "id")
	if msg, ok := root["msg"].(map[string]any); ok {
		if _, hasType := msg["type"]; hasType {
			return msg, outerID
		}
	}
	if inner, ok := root["event"].(map[string]any); ok {
		if _, hasType := inner["type"]; hasType {
			return inner, outerID
		}
	}
	return root, outerID
}

func isPrimaryDelta(kind string) bool {
	switch kind {
	case "agent_message_delta", "content_block_delta":
		return true
	}
	return false
}

func isDuplicateDelta(kind string) bool {
	switch kind {
	case "agent_message_content_delta", "content_delta":
		return true
	}
	return false
}

func isFullMessage(kind string) bool {
	switch kind {
	case "agent_message", "assistant", "message", "content_block":
		return true
	}
	return false
}

func isApprovalRequest(kind string) bool {
	switch kind {
	case "exec_approval_request", "apply_patch_approval_request",
		"approval_request", "elicitation", "control_request":
		return true
	}
	return false
}

// deltaText extracts the incremental text from a delta body, trying
// the flat form {"delta":"..."} first, then the nested
// {"delta":{"text":"..."}} form.
func deltaText(body map[string]any) string {
	switch delta := body["delta"].(type) {
	case string:
		return delta
	case map[string]any:
		return stringField(delta, "text")
	}
	return stringField(body, "text")
}

// fullMessageText extracts complete assistant text from a
// full-message or content-block body, best-effort across the shapes
// the wrapped backends produce.
func fullMessageText(body map[string]any) string {
	switch message := body["message"].(type) {
	case string:
		return message
	case map[string]any:
		if role := stringField(message, "role"); role != "" && role != "assistant" {
			return ""
		}
		if text := contentText(message["content"]); text != "" {
			return text
		}
	}
	if text := stringField(body, "text"); text != "" {
		return text
	}
	if block, ok := body["block"].(map[string]any); ok {
		return stringField(block, "text")
	}
	return contentText(body["content"])
}

// contentText concatenates the text items of a content-block array.
func contentText(value any) string {
	blocks, ok := value.([]any)
	if !ok {
		return ""
	}
	var text string
	for _, item := range blocks {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind := stringField(block, "type"); kind != "" && kind != "text" && kind != "output_text" {
			continue
		}
		text += stringField(block, "text")
	}
	return text
}

func stringField(object map[string]any, key string) string {
	value, _ := object[key].(string)
	return value
}
