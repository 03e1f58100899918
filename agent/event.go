// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "encoding/json"

// EventKind classifies canonical events emitted by an Adapter.
type EventKind string

const (
	// EventAgentMessage carries assistant text. Text arrives as
	// fragments (one per backend delta) or as one complete message
	// when the backend produced no deltas; consumers concatenate.
	EventAgentMessage EventKind = "agent_message"

	// EventApprovalRequest asks the caller to approve or deny a
	// risky action before the agent proceeds.
	EventApprovalRequest EventKind = "approval_request"

	// EventRaw is a backend payload the adapter does not recognize,
	// passed through verbatim for forward compatibility.
	EventRaw EventKind = "raw"
)

// Event is the canonical union all backends are normalized into.
type Event struct {
	Kind EventKind `json:"kind"`

	// Text is set for EventAgentMessage events.
	Text string `json:"text,omitempty"`

	// Approval is set for EventApprovalRequest events.
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Payload is set for EventRaw events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ApprovalRequest describes a pending risky action. ID uniqueness
// holds only while the request is pending; a resolved or superseded
// request frees its id.
type ApprovalRequest struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

// Decision resolves a pending ApprovalRequest.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Sink receives canonical events from an Adapter. Implementations must
// tolerate synchronous calls from the adapter's event pump goroutine.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(event).
func (f SinkFunc) Emit(event Event) { f(event) }
