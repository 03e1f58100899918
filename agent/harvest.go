// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

// sessionIDKeys are the spellings under which wrapped backends report
// their own session/conversation identifier. Checked in order; the
// first non-empty value wins.
var sessionIDKeys = []string{
	"session_id",
	"sessionId",
	"conversation_id",
	"conversationId",
	"rollout_id",
	"thread_id",
	"threadId",
}

// harvestIdentifiers scans a payload (and its immediate msg/data/event
// sub-objects) for a session identifier. The first value ever observed
// is retained for the life of the conversation; later payloads cannot
// overwrite it, since some backends echo stale ids in unrelated
// events.
func (adapter *Adapter) harvestIdentifiers(root map[string]any) {
	adapter.mu.Lock()
	already := adapter.sessionID != ""
	adapter.mu.Unlock()
	if already {
		return
	}

	found := findSessionID(root)
	if found == "" {
		return
	}

	adapter.mu.Lock()
	if adapter.sessionID == "" {
		adapter.sessionID = found
	}
	adapter.mu.Unlock()
	adapter.logger.Debug("harvested session binding", "session_id", found)
}

// findSessionID checks the object itself, then one level of common
// wrapper sub-objects. Deliberately shallow: identifiers live at the
// top of backend payloads, and a deep scan would pick up unrelated
// ids from tool outputs.
func findSessionID(object map[string]any) string {
	for _, key := range sessionIDKeys {
		if value := stringField(object, key); value != "" {
			return value
		}
	}
	for _, wrapper := range []string{"msg", "data", "event", "payload"} {
		sub, ok := object[wrapper].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sessionIDKeys {
			if value := stringField(sub, key); value != "" {
				return value
			}
		}
	}
	return ""
}
