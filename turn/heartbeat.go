// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"sync"
	"time"
)

const (
	// heartbeatResolution is how often the heartbeat loop checks
	// whether an emission is due.
	heartbeatResolution = time.Second

	// heartbeatGap is the minimum quiet interval before a heartbeat
	// is emitted. Any event, and any prior heartbeat, resets the
	// quiet clock.
	heartbeatGap = 10 * time.Second
)

// lastSignalClock tracks when the stream last showed signs of life.
type lastSignalClock struct {
	mu sync.Mutex
	at time.Time
}

func (signal *lastSignalClock) mark(now time.Time) {
	signal.mu.Lock()
	signal.at = now
	signal.mu.Unlock()
}

func (signal *lastSignalClock) get() time.Time {
	signal.mu.Lock()
	defer signal.mu.Unlock()
	return signal.at
}

// markActivity records a non-progress event, suppressing the next
// heartbeat window.
func (runner *Runner) markActivity() {
	runner.lastSignal.mark(runner.clk.Now())
}

// startHeartbeat runs the heartbeat loop for one turn. During long
// silent stretches (the agent thinking, a tool running) it emits a
// progress event at most every heartbeatGap so stream consumers can
// tell a slow turn from a dead one. The returned stop function must be
// called when the turn ends.
func (runner *Runner) startHeartbeat(ctx context.Context) (stop func()) {
	start := runner.clk.Now()
	runner.lastSignal.mark(start)

	done := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		ticker := runner.clk.NewTicker(heartbeatResolution)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.Sub(runner.lastSignal.get()) < heartbeatGap {
					continue
				}
				runner.emitProgress(map[string]any{
					"phase":            "heartbeat",
					"elapsed_seconds":  int64(now.Sub(start) / time.Second),
					"approval_pending": runner.adapter.ApprovalPending(),
				})
				runner.lastSignal.mark(now)
			}
		}
	}()

	return func() { stopOnce.Do(func() { close(done) }) }
}
