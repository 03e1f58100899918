// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package turn runs agent turns one at a time per conversation. The
// Runner owns the conversation's session adapter, enforces the
// single-turn-in-flight rule, decides fresh-session versus
// continuation, and emits lifecycle events (start, progress,
// heartbeat, usage, rate_limits, done, turn_error) alongside the
// adapter's canonical events.
package turn

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/lib/clock"
)

// Emitter receives the conversation's ordered event stream: the
// adapter's canonical events plus the runner's lifecycle events.
type Emitter interface {
	Emit(kind string, data any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(kind string, data any)

func (emit EmitterFunc) Emit(kind string, data any) { emit(kind, data) }

// Options configures a Runner.
type Options struct {
	// Emitter receives every event the conversation produces.
	// Required.
	Emitter Emitter

	Logger *slog.Logger
	Clock  clock.Clock

	// SessionLog, when non-nil, is handed to the adapter to record
	// canonical events.
	SessionLog *agent.SessionLogWriter
}

// Result is the out-of-band data of one completed turn.
type Result struct {
	Usage      *agent.Usage
	RateLimits *agent.RateLimits
}

// Runner drives turns for one conversation. At most one turn is in
// flight at a time; a second RunTurn while busy fails with ErrBusy
// without queueing.
type Runner struct {
	adapter *agent.Adapter
	emitter Emitter
	logger  *slog.Logger
	clk     clock.Clock

	mu   sync.Mutex
	busy bool

	// claimed marks a turn slot reserved by Claim but not yet
	// consumed by RunTurn.
	claimed bool

	// fingerprint of the config the live session was started with.
	// Empty until the first turn.
	fingerprint ConfigFingerprint

	// teardown converges the explicit abort path and the caller
	// cancellation path on a single backend teardown. Rebuilt per
	// turn; nil between turns.
	teardown *teardownOnce

	// heartbeat tracking, see heartbeat.go.
	lastSignal lastSignalClock

	lastUsage      *agent.Usage
	lastRateLimits *agent.RateLimits
}

// teardownOnce runs the turn's teardown exactly once whichever path
// reaches it first.
type teardownOnce struct {
	once    sync.Once
	cancel  context.CancelFunc
	aborted bool
}

// NewRunner creates a Runner for one conversation, wrapping the given
// backend in a session adapter. The backend must not be shared.
func NewRunner(backend agent.Backend, options Options) *Runner {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	runner := &Runner{
		emitter: options.Emitter,
		logger:  logger,
		clk:     clk,
	}
	runner.adapter = agent.NewAdapter(backend, agent.AdapterOptions{
		Sink:       agent.SinkFunc(runner.observe),
		Logger:     logger,
		Clock:      clk,
		SessionLog: options.SessionLog,
	})
	return runner
}

// Claim reserves the turn slot ahead of an asynchronous RunTurn and
// appends the stream's start entry, making the conflict check atomic
// with the acknowledgement callers send before running the turn. The
// next RunTurn consumes the reservation. Fails with ErrBusy while a
// turn is in flight or an earlier claim is unconsumed.
func (runner *Runner) Claim() error {
	runner.mu.Lock()
	if runner.busy || runner.claimed {
		runner.mu.Unlock()
		return ErrBusy
	}
	runner.claimed = true
	runner.mu.Unlock()
	runner.emitter.Emit("start", nil)
	return nil
}

// RunTurn runs one turn to completion. Blocks until the agent finishes,
// the caller's ctx is cancelled, or Abort is called. Fails immediately
// with ErrBusy when a turn is already in flight.
func (runner *Runner) RunTurn(ctx context.Context, prompt string, config agent.TurnConfig) (Result, error) {
	// The turn's context is detached from the caller so that caller
	// cancellation reaches the backend only through the ordered
	// teardown below: pending approvals must resolve before the
	// subprocess sees any cancellation signal.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	teardown := &teardownOnce{cancel: cancel}

	runner.mu.Lock()
	if runner.busy {
		runner.mu.Unlock()
		cancel()
		return Result{}, ErrBusy
	}
	claimed := runner.claimed
	runner.claimed = false
	runner.busy = true
	runner.teardown = teardown
	runner.mu.Unlock()

	defer func() {
		runner.mu.Lock()
		runner.busy = false
		runner.teardown = nil
		runner.mu.Unlock()
	}()

	if !claimed {
		runner.emitter.Emit("start", nil)
	}

	if err := config.Validate(); err != nil {
		runner.emitter.Emit("turn_error", map[string]any{"message": err.Error()})
		return Result{}, err
	}

	// Caller cancellation converges on the same teardown the explicit
	// abort uses, so the subprocess never outlives its caller.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			runner.runTeardown(teardown, false)
		case <-watchDone:
		}
	}()

	fresh, resetReason := runner.planSession(config)
	if resetReason != "" {
		runner.emitProgress(map[string]any{"phase": "session_reset", "reason": resetReason})
		runner.adapter.DiscardBinding()
	}

	stopHeartbeat := runner.startHeartbeat(turnCtx)
	defer stopHeartbeat()

	var result agent.TurnResult
	var runError error
	if fresh {
		result, runError = runner.adapter.StartSession(turnCtx, prompt, config)
	} else {
		result, runError = runner.adapter.ContinueSession(turnCtx, prompt)
	}

	runner.mu.Lock()
	runner.fingerprint = FingerprintConfig(config)
	runner.lastUsage = result.Usage
	runner.lastRateLimits = result.RateLimits
	aborted := teardown.aborted
	runner.mu.Unlock()

	if aborted {
		runError = ErrAborted
	}

	if result.Usage != nil {
		runner.emitter.Emit("usage", result.Usage)
	}
	if result.RateLimits != nil {
		runner.emitter.Emit("rate_limits", result.RateLimits)
	}
	if runError != nil {
		runner.emitter.Emit("turn_error", map[string]any{"message": runError.Error()})
	} else {
		runner.emitter.Emit("done", nil)
	}
	return Result{Usage: result.Usage, RateLimits: result.RateLimits}, runError
}

// planSession decides fresh-session versus continuation. A config
// fingerprint that differs from the live session's forces a fresh
// session, since settings like sandbox mode bind at process launch and
// cannot change mid-session.
func (runner *Runner) planSession(config agent.TurnConfig) (fresh bool, resetReason string) {
	runner.mu.Lock()
	previous := runner.fingerprint
	runner.mu.Unlock()

	if previous == "" {
		return true, ""
	}
	if FingerprintConfig(config) != previous {
		return true, "config_changed"
	}
	if runner.adapter.SessionBinding() == "" {
		// Nothing to continue; the backend never reported a session
		// id, or the binding was discarded.
		return true, ""
	}
	return false, ""
}

// Busy reports whether a turn is in flight.
func (runner *Runner) Busy() bool {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return runner.busy
}

// Abort tears down the in-flight turn: pending approvals resolve to
// abort, then the subprocess is terminated. A no-op when no turn is
// running.
func (runner *Runner) Abort(ctx context.Context) error {
	runner.mu.Lock()
	teardown := runner.teardown
	runner.mu.Unlock()
	if teardown == nil {
		return nil
	}
	runner.runTeardown(teardown, true)
	return nil
}

// runTeardown executes the turn teardown at most once per turn.
func (runner *Runner) runTeardown(teardown *teardownOnce, explicit bool) {
	teardown.once.Do(func() {
		runner.mu.Lock()
		teardown.aborted = explicit
		runner.mu.Unlock()

		if err := runner.adapter.Abort(context.Background()); err != nil {
			runner.logger.Warn("tearing down turn", "error", err)
		}
		teardown.cancel()
	})
}

// Reset drops the harvested session binding and config fingerprint so
// the next turn starts a fresh agent session.
func (runner *Runner) Reset() {
	runner.mu.Lock()
	runner.fingerprint = ""
	runner.mu.Unlock()
	runner.adapter.DiscardBinding()
}

// ResolveApproval forwards a decision to the pending approval with the
// given id. Reports whether a pending approval was resolved.
func (runner *Runner) ResolveApproval(id string, decision agent.Decision) bool {
	return runner.adapter.ResolveApproval(id, decision)
}

// SessionBinding returns the backend session identifier of the live
// session, or empty.
func (runner *Runner) SessionBinding() string {
	return runner.adapter.SessionBinding()
}

// Usage returns the most recent turn's token usage, or nil.
func (runner *Runner) Usage() *agent.Usage {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return runner.lastUsage
}

// RateLimits returns the most recent turn's rate limits, or nil.
func (runner *Runner) RateLimits() *agent.RateLimits {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return runner.lastRateLimits
}

// observe is the adapter's sink: translate canonical events to stream
// entries and mark heartbeat-suppressing activity.
func (runner *Runner) observe(event agent.Event) {
	runner.markActivity()
	switch event.Kind {
	case agent.EventAgentMessage:
		runner.emitter.Emit("agent_message", map[string]any{"text": event.Text})
	case agent.EventApprovalRequest:
		runner.emitter.Emit("approval_request", event.Approval)
	case agent.EventRaw:
		runner.emitter.Emit("raw", json.RawMessage(event.Payload))
	default:
		runner.logger.Warn("dropping event of unknown kind", "kind", event.Kind)
	}
}

func (runner *Runner) emitProgress(data map[string]any) {
	runner.emitter.Emit("progress", data)
}
