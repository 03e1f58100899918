// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway runs agent turns in a long-lived daemon so that
// conversations survive web-server restarts. The web server talks to
// the daemon over an action-tagged CBOR request/response protocol on a
// Unix socket; the daemon owns one turn runner and one event buffer
// per conversation and mirrors nothing.
package gateway

import (
	"time"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/stream"
)

// Protocol actions.
const (
	// ActionHealth checks daemon liveness. No conversation key.
	ActionHealth = "health"

	// ActionStart begins a turn for a conversation. Fails with a
	// busy error when a turn is already running; turns never queue.
	ActionStart = "start"

	// ActionEventsSince returns the buffered entries with ids greater
	// than the request's After cursor.
	ActionEventsSince = "events-since"

	// ActionRuntimeStatus reports the conversation's stream state and
	// whether its runner is busy.
	ActionRuntimeStatus = "runtime-status"

	// ActionApprove resolves a pending approval request.
	ActionApprove = "approve"

	// ActionAbort tears down the in-flight turn.
	ActionAbort = "abort"

	// ActionReset drops the conversation's buffer, binding, and
	// stream state back to idle.
	ActionReset = "reset"

	// ActionUsage returns the last harvested token usage.
	ActionUsage = "usage"

	// ActionRateLimits returns the last harvested rate limits.
	ActionRateLimits = "rate-limits"

	// ActionSessionState returns the harvested backend session
	// binding and the stream state.
	ActionSessionState = "session-state"
)

// Stream states reported by runtime-status and session-state.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateError   = "error"
)

// Error codes carried in Response.ErrorCode so the client can map
// daemon-side failures back onto the caller's sentinel errors.
const (
	ErrorCodeBusy     = "busy"
	ErrorCodeNotFound = "not_found"
)

// RuntimeStatus is the runtime-status view of one conversation.
type RuntimeStatus struct {
	// State is the conversation's stream state.
	State string

	// Busy reports whether a turn is in flight.
	Busy bool

	// LastEventID is the buffer's newest id.
	LastEventID uint64

	// UpdatedAt is when the conversation last saw activity.
	UpdatedAt time.Time
}

// Request is one CBOR-encoded gateway request.
type Request struct {
	// Action selects the operation; one of the Action constants.
	Action string `cbor:"action"`

	// ChatKey identifies the conversation. Required for everything
	// but health.
	ChatKey string `cbor:"chat_key,omitempty"`

	// Prompt is the user's message (start).
	Prompt string `cbor:"prompt,omitempty"`

	// Config is the turn's execution configuration (start).
	Config *agent.TurnConfig `cbor:"config,omitempty"`

	// After is the resume cursor (events-since).
	After uint64 `cbor:"after,omitempty"`

	// ApprovalID and Decision answer a pending approval (approve).
	ApprovalID string `cbor:"approval_id,omitempty"`
	Decision   string `cbor:"decision,omitempty"`
}

// Response is one CBOR-encoded gateway response.
type Response struct {
	OK bool `cbor:"ok"`

	// Error and ErrorCode are set when OK is false.
	Error     string `cbor:"error,omitempty"`
	ErrorCode string `cbor:"error_code,omitempty"`

	// State is the conversation's stream state (runtime-status,
	// session-state, start).
	State string `cbor:"state,omitempty"`

	// Busy reports whether a turn is in flight (runtime-status).
	Busy bool `cbor:"busy,omitempty"`

	// LastEventID is the buffer's newest id (events-since,
	// runtime-status).
	LastEventID uint64 `cbor:"last_event_id,omitempty"`

	// UpdatedAt is when the conversation last saw activity
	// (runtime-status).
	UpdatedAt time.Time `cbor:"updated_at,omitempty"`

	// Entries are the buffered events after the cursor
	// (events-since).
	Entries []stream.Entry `cbor:"entries,omitempty"`

	// SessionID is the harvested backend session binding
	// (session-state).
	SessionID string `cbor:"session_id,omitempty"`

	// Usage and RateLimits carry the harvested out-of-band data
	// (usage, rate-limits).
	Usage      *agent.Usage      `cbor:"usage,omitempty"`
	RateLimits *agent.RateLimits `cbor:"rate_limits,omitempty"`
}
