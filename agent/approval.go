// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"strings"
)

// pendingApproval holds the resolver for one outstanding approval
// request. Resolving is sending on the decision channel exactly once;
// the map delete under the adapter mutex guarantees single resolution.
type pendingApproval struct {
	canonicalID string

	// backendID is the backend's own correlation id for this
	// request. Empty when the backend supplied none and the
	// canonical id was minted.
	backendID string

	decision chan Decision
}

// handleApprovalRequest registers a pending approval, emits the
// canonical approval_request event, and spawns a responder goroutine
// that forwards the eventual decision to the backend. The scan loop
// is never blocked waiting for a decision.
func (adapter *Adapter) handleApprovalRequest(body map[string]any, outerID string) {
	backendID := firstNonEmpty(
		stringField(body, "call_id"),
		stringField(body, "request_id"),
		stringField(body, "id"),
		outerID,
	)

	canonicalID := backendID
	adapter.mu.Lock()
	if canonicalID == "" {
		adapter.mintCounter++
		canonicalID = fmt.Sprintf("approval-%d-%d", adapter.mintCounter, adapter.clk.Now().UnixMilli())
	}

	// A request reusing a pending id supersedes the old one, which
	// is resolved to abort so its responder goroutine exits.
	if previous, exists := adapter.pending[canonicalID]; exists {
		previous.decision <- DecisionAbort
	}
	pending := &pendingApproval{
		canonicalID: canonicalID,
		backendID:   backendID,
		decision:    make(chan Decision, 1),
	}
	adapter.pending[canonicalID] = pending
	turnCtx := adapter.turnCtx
	adapter.mu.Unlock()

	request := &ApprovalRequest{
		ID:      canonicalID,
		Message: firstNonEmpty(stringField(body, "message"), stringField(body, "reason")),
		Command: commandString(body["command"]),
		Cwd:     stringField(body, "cwd"),
	}
	adapter.emit(Event{Kind: EventApprovalRequest, Approval: request})

	if turnCtx == nil {
		turnCtx = context.Background()
	}
	go adapter.awaitDecision(turnCtx, pending)
}

// awaitDecision suspends until the approval resolves, then answers
// the backend. Cancellation of the turn resolves to abort so the
// subprocess is never left blocked on an unanswered request.
func (adapter *Adapter) awaitDecision(ctx context.Context, pending *pendingApproval) {
	var decision Decision
	select {
	case decision = <-pending.decision:
	case <-ctx.Done():
		adapter.removePending(pending.canonicalID)
		decision = DecisionAbort
	}

	// The response is written even when the turn context is gone:
	// the backend may still be draining and a blocked subprocess
	// would hang teardown.
	if err := adapter.backend.RespondApproval(context.Background(), pending.backendID, decision); err != nil {
		adapter.logger.Warn("responding to approval request",
			"approval_id", pending.canonicalID, "error", err)
	}
}

// ResolveApproval resolves a pending approval by id. When the id does
// not match and exactly one approval is pending, that single entry is
// resolved instead; this tolerates id-format mismatches from less
// precise callers. Returns false when nothing could be resolved.
func (adapter *Adapter) ResolveApproval(id string, decision Decision) bool {
	adapter.mu.Lock()
	pending, exists := adapter.pending[id]
	if !exists {
		if len(adapter.pending) != 1 {
			adapter.mu.Unlock()
			return false
		}
		for _, single := range adapter.pending {
			pending = single
		}
	}
	delete(adapter.pending, pending.canonicalID)
	adapter.mu.Unlock()

	pending.decision <- decision
	return true
}

// AbortPendingApprovals resolves every pending approval to abort and
// returns how many were resolved. Called before subprocess teardown
// and at the end of every turn.
func (adapter *Adapter) AbortPendingApprovals() int {
	adapter.mu.Lock()
	resolved := make([]*pendingApproval, 0, len(adapter.pending))
	for id, pending := range adapter.pending {
		delete(adapter.pending, id)
		resolved = append(resolved, pending)
	}
	adapter.mu.Unlock()

	for _, pending := range resolved {
		pending.decision <- DecisionAbort
	}
	return len(resolved)
}

// ApprovalPending reports whether any approval is awaiting a decision.
// The turn heartbeat includes this so the UI can surface a stalled
// approval instead of a silent "thinking" state.
func (adapter *Adapter) ApprovalPending() bool {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return len(adapter.pending) > 0
}

func (adapter *Adapter) removePending(id string) {
	adapter.mu.Lock()
	delete(adapter.pending, id)
	adapter.mu.Unlock()
}

// mapDecision translates a canonical decision into the backend verb.
// Unknown decisions cancel, the conservative choice.
func mapDecision(decision Decision) string {
	switch decision {
	case DecisionApproved, DecisionApprovedForSession:
		return "accept"
	case DecisionDenied:
		return "decline"
	default:
		return "cancel"
	}
}

// commandString renders a command payload that may arrive as a string
// or as an argv array.
func commandString(value any) string {
	switch command := value.(type) {
	case string:
		return command
	case []any:
		parts := make([]string, 0, len(command))
		for _, part := range command {
			if s, ok := part.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
