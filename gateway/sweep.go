// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"time"
)

const (
	// sweepInterval is how often the daemon self-heals its
	// conversation table.
	sweepInterval = 30 * time.Second

	// idleTTL is how long an idle or terminal conversation is kept
	// before eviction. Running conversations are never evicted.
	idleTTL = 12 * time.Hour
)

// runSweeper periodically reconciles stream state with runner reality
// and evicts conversations nobody has touched in a long time.
func (server *Server) runSweeper(ctx context.Context) {
	ticker := server.clk.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.sweep()
		}
	}
}

// sweep makes one reconciliation pass.
//
// A conversation can be left in the running state with no busy runner
// when the turn goroutine died without reporting (daemon bug, panic in
// a backend). Readers would wait on that stream forever; synthesizing
// a done entry closes it and the state machine moves on.
func (server *Server) sweep() {
	now := server.clk.Now()

	server.mu.Lock()
	keys := make([]string, 0, len(server.conversations))
	for key := range server.conversations {
		keys = append(keys, key)
	}
	server.mu.Unlock()

	for _, key := range keys {
		conv, ok := server.lookup(key)
		if !ok {
			continue
		}
		state, lastActivity := conv.snapshot()

		// The activity grace keeps a just-accepted start (whose turn
		// goroutine has not marked the runner busy yet) from being
		// mistaken for a dead one.
		if state == StateRunning && !conv.runner.Busy() && now.Sub(lastActivity) > sweepInterval {
			server.logger.Warn("conversation stuck in running state, synthesizing done", "chat_key", key)
			conv.buffer.Append("done", nil)
			conv.setState(StateDone, now)
			continue
		}

		if state != StateRunning && now.Sub(lastActivity) > idleTTL {
			server.logger.Info("evicting idle conversation", "chat_key", key, "idle", now.Sub(lastActivity))
			server.mu.Lock()
			delete(server.conversations, key)
			server.mu.Unlock()
		}
	}
}
