// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge mirrors a remotely owned conversation's event stream
// into a local buffer. The web server runs one bridge per conversation
// whose turns execute in the gateway daemon: the bridge polls the
// daemon for new entries, detects daemon-side resets, and reconciles
// stream status when the daemon finished a turn the mirror has not
// seen end.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/lib/clock"
	"github.com/tiller-agent/tiller/stream"
)

// pollInterval is the mirror's polling cadence.
const pollInterval = 250 * time.Millisecond

// Remote is the slice of the gateway client the bridge needs.
// *gateway.Client satisfies it.
type Remote interface {
	EventsSince(ctx context.Context, chatKey string, after uint64) ([]stream.Entry, uint64, error)
	RuntimeStatus(ctx context.Context, chatKey string) (gateway.RuntimeStatus, error)
}

// Options configures a Bridge.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
}

// Bridge keeps one local buffer in sync with its remote counterpart.
type Bridge struct {
	chatKey string
	remote  Remote
	buffer  *stream.Buffer
	logger  *slog.Logger
	clk     clock.Clock

	// cursor is the highest remote id mirrored so far. Remote ids and
	// local ids advance in lockstep because the mirror replays every
	// entry in order into a buffer that numbers identically.
	cursor uint64
}

// New creates a Bridge mirroring chatKey from remote into buffer. The
// buffer must be dedicated to this bridge; nothing else may append.
func New(chatKey string, remote Remote, buffer *stream.Buffer, options Options) *Bridge {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Bridge{
		chatKey: chatKey,
		remote:  remote,
		buffer:  buffer,
		logger:  logger,
		clk:     clk,
	}
}

// Run polls until ctx is cancelled. Sync errors are logged and
// retried on the next tick; the remote being briefly unreachable must
// not kill the mirror.
func (bridge *Bridge) Run(ctx context.Context) {
	ticker := bridge.clk.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bridge.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				bridge.logger.Warn("syncing remote stream", "chat_key", bridge.chatKey, "error", err)
			}
		}
	}
}

// Sync makes one reconciliation pass: fetch new remote entries, detect
// remote resets, and synthesize completion when the remote turn ended
// without the mirror seeing a terminal entry.
func (bridge *Bridge) Sync(ctx context.Context) error {
	entries, remoteLast, err := bridge.remote.EventsSince(ctx, bridge.chatKey, bridge.cursor)
	if err != nil {
		return err
	}

	// A remote last id below our cursor means the daemon's buffer
	// restarted (reset action, daemon state loss). The mirror is now
	// showing history the remote no longer has; rebuild from zero.
	if bridge.cursor > remoteLast {
		bridge.logger.Info("remote stream reset detected, rebuilding mirror",
			"chat_key", bridge.chatKey, "cursor", bridge.cursor, "remote_last", remoteLast)
		bridge.buffer.Reset()
		bridge.cursor = 0
		entries, remoteLast, err = bridge.remote.EventsSince(ctx, bridge.chatKey, 0)
		if err != nil {
			return err
		}
	}

	for _, entry := range entries {
		bridge.mirror(entry)
		bridge.cursor = entry.ID
	}

	// Busy reconciliation: the mirror believes a turn is running (no
	// terminal entry yet) but the remote runner is not busy and has
	// nothing more to give. The done entry was lost (daemon restart
	// between turn end and our poll); synthesize it so local readers
	// are released.
	if len(entries) == 0 && bridge.cursor == remoteLast && bridge.openLocally() {
		status, err := bridge.remote.RuntimeStatus(ctx, bridge.chatKey)
		if err != nil {
			return err
		}
		if !status.Busy && status.State != gateway.StateRunning {
			bridge.logger.Warn("remote turn ended without terminal entry, synthesizing done",
				"chat_key", bridge.chatKey, "remote_state", status.State)
			bridge.buffer.Append("done", nil)
		}
	}
	return nil
}

// openLocally reports whether the mirror shows an unfinished turn.
func (bridge *Bridge) openLocally() bool {
	return bridge.buffer.LastID() > 0 && !bridge.buffer.Terminal()
}

// mirror translates one remote entry into the local buffer. Kinds map
// one to one; data passes through as the already-encoded JSON.
func (bridge *Bridge) mirror(entry stream.Entry) {
	var data any
	if len(entry.Data) > 0 {
		data = json.RawMessage(entry.Data)
	}
	local := bridge.buffer.Append(entry.Kind, data)
	if local.ID != entry.ID {
		// Ids drifting apart means entries were lost to remote-side
		// trimming before the mirror caught up. Cursors handed to
		// clients still work; log for diagnosis.
		bridge.logger.Debug("mirror id drift", "chat_key", bridge.chatKey,
			"local", local.ID, "remote", entry.ID)
	}
}

// Cursor returns the highest remote id mirrored so far.
func (bridge *Bridge) Cursor() uint64 {
	return bridge.cursor
}
