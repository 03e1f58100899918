// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/lib/clock"
	"github.com/tiller-agent/tiller/lib/testutil"
)

// recordedEvent is one entry captured from the runner's emitter.
type recordedEvent struct {
	kind string
	data any
}

// recordingEmitter collects emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (emitter *recordingEmitter) Emit(kind string, data any) {
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	emitter.events = append(emitter.events, recordedEvent{kind, data})
}

func (emitter *recordingEmitter) snapshot() []recordedEvent {
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	return append([]recordedEvent(nil), emitter.events...)
}

func (emitter *recordingEmitter) kinds() []string {
	var kinds []string
	for _, event := range emitter.snapshot() {
		kinds = append(kinds, event.kind)
	}
	return kinds
}

func (emitter *recordingEmitter) count(kind string) int {
	var total int
	for _, event := range emitter.snapshot() {
		if event.kind == kind {
			total++
		}
	}
	return total
}

func newTestRunner(t *testing.T, clk clock.Clock) (*Runner, *agent.FakeBackend, *recordingEmitter) {
	t.Helper()
	backend := agent.NewFakeBackend()
	emitter := &recordingEmitter{}
	runner := NewRunner(backend, Options{Emitter: emitter, Clock: clk})
	return runner, backend, emitter
}

func workspaceConfig() agent.TurnConfig {
	return agent.TurnConfig{
		Sandbox:        agent.SandboxWorkspaceWrite,
		ApprovalPolicy: agent.ApprovalOnRequest,
	}
}

func TestRunTurnEmitsDone(t *testing.T) {
	runner, backend, emitter := newTestRunner(t, nil)
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		backend.Feed(`{"msg":{"type":"agent_message","message":"hi"}}`)
		return nil
	}

	if _, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig()); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	kinds := emitter.kinds()
	if len(kinds) != 3 || kinds[0] != "start" || kinds[1] != "agent_message" || kinds[2] != "done" {
		t.Fatalf("kinds = %v, want [start agent_message done]", kinds)
	}
	if runner.Busy() {
		t.Fatal("runner still busy after turn")
	}
}

func TestClaimReservesSlot(t *testing.T) {
	runner, backend, emitter := newTestRunner(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		close(started)
		<-release
		return nil
	}

	// The claim emits the start entry synchronously, before any turn
	// goroutine is scheduled, so a subscriber attaching right after the
	// claim sees a reopened stream.
	if err := runner.Claim(); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if kinds := emitter.kinds(); len(kinds) != 1 || kinds[0] != "start" {
		t.Fatalf("kinds after claim = %v, want [start]", kinds)
	}
	if err := runner.Claim(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Claim error = %v, want ErrBusy", err)
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig())
		turnDone <- err
	}()
	testutil.RequireClosed(t, started, 5*time.Second, "turn should start")

	if err := runner.Claim(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Claim while busy error = %v, want ErrBusy", err)
	}

	close(release)
	if err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should finish"); err != nil {
		t.Fatalf("turn error = %v", err)
	}

	// The claimed run must not emit a second start.
	if count := emitter.count("start"); count != 1 {
		t.Fatalf("start count = %d, want 1", count)
	}
	if err := runner.Claim(); err != nil {
		t.Fatalf("Claim after turn finished: %v", err)
	}
}

func TestUsageAndRateLimitsEnterStream(t *testing.T) {
	runner, backend, emitter := newTestRunner(t, nil)
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		backend.Feed(`{"msg":{"type":"token_count","info":{"total_token_usage":{"input_tokens":120,"output_tokens":45}},"rate_limits":{"primary":{"used_percent":40,"window_minutes":300}}}}`)
		return nil
	}

	result, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Usage == nil || result.Usage.InputTokens != 120 {
		t.Fatalf("result usage = %+v", result.Usage)
	}

	kinds := emitter.kinds()
	want := []string{"start", "usage", "rate_limits", "done"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	for _, event := range emitter.snapshot() {
		if event.kind == "usage" {
			usage := event.data.(*agent.Usage)
			if usage.OutputTokens != 45 {
				t.Fatalf("usage entry = %+v", usage)
			}
		}
	}
}

func TestRunTurnBusyConflict(t *testing.T) {
	runner, backend, _ := newTestRunner(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		close(started)
		<-release
		return nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(context.Background(), "first", workspaceConfig())
		firstDone <- err
	}()
	testutil.RequireClosed(t, started, 5*time.Second, "first turn should start")

	if !runner.Busy() {
		t.Fatal("runner not busy with turn in flight")
	}
	_, err := runner.RunTurn(context.Background(), "second", workspaceConfig())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second RunTurn error = %v, want ErrBusy", err)
	}

	close(release)
	if err := testutil.RequireReceive(t, firstDone, 5*time.Second, "first turn should finish"); err != nil {
		t.Fatalf("first turn error = %v", err)
	}
}

func TestFingerprintChangeForcesFreshSession(t *testing.T) {
	runner, backend, emitter := newTestRunner(t, nil)

	var requests []agent.TurnRequest
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		requests = append(requests, request)
		backend.Feed(`{"msg":{"type":"session_configured","session_id":"sess-1"}}`)
		return nil
	}

	config := workspaceConfig()
	if _, err := runner.RunTurn(context.Background(), "one", config); err != nil {
		t.Fatalf("first RunTurn: %v", err)
	}

	// Same config continues the harvested session.
	if _, err := runner.RunTurn(context.Background(), "two", config); err != nil {
		t.Fatalf("second RunTurn: %v", err)
	}
	if requests[1].ResumeSessionID != "sess-1" {
		t.Fatalf("second turn resume id = %q, want sess-1", requests[1].ResumeSessionID)
	}

	// A sandbox change invalidates the running session: the binding
	// is dropped and a reset progress event announces it.
	config.Sandbox = agent.SandboxReadOnly
	if _, err := runner.RunTurn(context.Background(), "three", config); err != nil {
		t.Fatalf("third RunTurn: %v", err)
	}
	if requests[2].ResumeSessionID != "" {
		t.Fatalf("third turn resume id = %q, want empty", requests[2].ResumeSessionID)
	}

	var sawReset bool
	for _, event := range emitter.snapshot() {
		if event.kind != "progress" {
			continue
		}
		if data, ok := event.data.(map[string]any); ok && data["phase"] == "session_reset" {
			sawReset = true
		}
	}
	if !sawReset {
		t.Fatal("no session_reset progress event emitted")
	}
}

func TestResetDropsBinding(t *testing.T) {
	runner, backend, _ := newTestRunner(t, nil)

	var requests []agent.TurnRequest
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		requests = append(requests, request)
		backend.Feed(`{"msg":{"type":"session_configured","session_id":"sess-9"}}`)
		return nil
	}

	config := workspaceConfig()
	if _, err := runner.RunTurn(context.Background(), "one", config); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	runner.Reset()
	if _, err := runner.RunTurn(context.Background(), "two", config); err != nil {
		t.Fatalf("RunTurn after reset: %v", err)
	}
	if requests[1].ResumeSessionID != "" {
		t.Fatalf("resume id after reset = %q, want empty", requests[1].ResumeSessionID)
	}
}

func TestAbortReturnsErrAborted(t *testing.T) {
	runner, backend, emitter := newTestRunner(t, nil)

	started := make(chan struct{})
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig())
		turnDone <- err
	}()
	testutil.RequireClosed(t, started, 5*time.Second, "turn should start")

	if err := runner.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should unblock")
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("turn error = %v, want ErrAborted", err)
	}
	if backend.Terminations() != 1 {
		t.Fatalf("terminations = %d, want 1", backend.Terminations())
	}
	if emitter.count("turn_error") != 1 {
		t.Fatalf("turn_error count = %d, want 1", emitter.count("turn_error"))
	}

	// A second abort with no turn in flight is a no-op.
	if err := runner.Abort(context.Background()); err != nil {
		t.Fatalf("idle Abort: %v", err)
	}
	if backend.Terminations() != 1 {
		t.Fatalf("idle abort terminated again: %d", backend.Terminations())
	}
}

func TestCallerCancellationTearsDownOnce(t *testing.T) {
	runner, backend, _ := newTestRunner(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	backend.TurnFunc = func(turnCtx context.Context, request agent.TurnRequest) error {
		close(started)
		<-turnCtx.Done()
		return turnCtx.Err()
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(ctx, "prompt", workspaceConfig())
		turnDone <- err
	}()
	testutil.RequireClosed(t, started, 5*time.Second, "turn should start")

	cancel()
	err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should unblock")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("turn error = %v, want context.Canceled", err)
	}
	if backend.Terminations() != 1 {
		t.Fatalf("terminations = %d, want 1", backend.Terminations())
	}
}

func TestCallerCancellationResolvesPendingApproval(t *testing.T) {
	runner, backend, _ := newTestRunner(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	requested := make(chan struct{})
	backend.TurnFunc = func(turnCtx context.Context, request agent.TurnRequest) error {
		backend.Feed(`{"msg":{"type":"exec_approval_request","call_id":"call-1","command":["rm","-rf","build"]}}`)
		close(requested)
		<-turnCtx.Done()
		return turnCtx.Err()
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(ctx, "prompt", workspaceConfig())
		turnDone <- err
	}()
	testutil.RequireClosed(t, requested, 5*time.Second, "approval request should surface")

	// Cancelling the caller must not kill the backend outright: the
	// pending approval resolves to abort first, then the backend is
	// terminated, all before RunTurn returns.
	cancel()
	err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should unblock")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("turn error = %v, want context.Canceled", err)
	}
	decision := testutil.RequireReceive(t, backend.Responded, 5*time.Second, "pending approval should resolve")
	if decision != agent.DecisionAbort {
		t.Fatalf("approval decision = %q, want abort", decision)
	}
	if backend.Terminations() != 1 {
		t.Fatalf("terminations = %d, want 1", backend.Terminations())
	}
}

func TestHeartbeatEmittedDuringSilence(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	runner, backend, emitter := newTestRunner(t, clk)

	release := make(chan struct{})
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		<-release
		return nil
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig())
		turnDone <- err
	}()

	// The heartbeat loop registers its ticker before the first tick.
	// Keep advancing until the loop has drained a tick past the quiet
	// window; ticks the loop misses between advances are dropped, so
	// a fixed advance count would race.
	clk.WaitForTimers(1)
	deadline := time.Now().Add(5 * time.Second)
	for emitter.count("progress") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat emitted during silence")
		}
		clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}

	events := emitter.snapshot()
	var heartbeat map[string]any
	for _, event := range events {
		if event.kind == "progress" {
			heartbeat = event.data.(map[string]any)
		}
	}
	if heartbeat["phase"] != "heartbeat" {
		t.Fatalf("heartbeat payload = %+v", heartbeat)
	}
	if elapsed := heartbeat["elapsed_seconds"].(int64); elapsed < 10 {
		t.Fatalf("elapsed_seconds = %d, want >= 10", elapsed)
	}
	if heartbeat["approval_pending"] != false {
		t.Fatalf("approval_pending = %v", heartbeat["approval_pending"])
	}

	close(release)
	if err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should finish"); err != nil {
		t.Fatalf("turn error = %v", err)
	}
}

func TestHeartbeatSuppressedByActivity(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	runner, backend, emitter := newTestRunner(t, clk)

	release := make(chan struct{})
	feedNow := make(chan struct{})
	fed := make(chan struct{})
	backend.TurnFunc = func(ctx context.Context, request agent.TurnRequest) error {
		for range feedNow {
			backend.Feed(`{"msg":{"type":"agent_message_delta","delta":"."}}`)
			fed <- struct{}{}
		}
		<-release
		return nil
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := runner.RunTurn(context.Background(), "prompt", workspaceConfig())
		turnDone <- err
	}()
	clk.WaitForTimers(1)

	// An event every 5 fake seconds keeps the stream alive; the
	// 10-second quiet window never fills.
	for range 6 {
		for range 5 {
			clk.Advance(time.Second)
		}
		feedNow <- struct{}{}
		<-fed
	}
	if count := emitter.count("progress"); count != 0 {
		t.Fatalf("progress count = %d, want 0 (heartbeat suppressed)", count)
	}

	close(feedNow)
	close(release)
	if err := testutil.RequireReceive(t, turnDone, 5*time.Second, "turn should finish"); err != nil {
		t.Fatalf("turn error = %v", err)
	}
}

func TestRegistryCreatesOnce(t *testing.T) {
	var created int
	registry := NewRegistry(func(key string) (*Runner, error) {
		created++
		return NewRunner(agent.NewFakeBackend(), Options{Emitter: &recordingEmitter{}}), nil
	})

	first, err := registry.Get("chat-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := registry.Get("chat-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second || created != 1 {
		t.Fatalf("created %d runners, want 1 shared instance", created)
	}

	if _, err := registry.Lookup("chat-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup error = %v, want ErrNotFound", err)
	}

	registry.Remove("chat-1")
	if _, err := registry.Lookup("chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after Remove = %v, want ErrNotFound", err)
	}
}
