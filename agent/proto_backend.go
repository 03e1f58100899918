// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tiller-agent/tiller/lib/clock"
)

// ProtoBackendConfig configures a ProtoBackend.
type ProtoBackendConfig struct {
	// Binary is the agent executable. Required.
	Binary string

	// BaseArgs are the arguments that put the agent into its
	// structured protocol mode (e.g., ["proto"]).
	BaseArgs []string

	// ExtraEnv is additional environment for the agent process, in
	// "KEY=VALUE" form.
	ExtraEnv []string

	Logger *slog.Logger
	Clock  clock.Clock
}

// ProtoBackend drives an agent over a structured notification
// protocol on a persistent bidirectional pipe: requests are written
// as JSON lines to stdin, notifications arrive as JSON lines on
// stdout. The subprocess lives across turns, so the agent's own
// session state survives between prompts.
type ProtoBackend struct {
	config  ProtoBackendConfig
	logger  *slog.Logger
	clk     clock.Clock
	handler payloadHandler

	mu             sync.Mutex
	command        *exec.Cmd
	stdin          io.WriteCloser
	exited         chan struct{}
	tail           *stderrTail
	requestCounter uint64

	// turnDone receives the in-flight turn's terminal condition
	// from the reader goroutine. Nil when no turn is running.
	turnDone chan error
}

// NewProtoBackend creates a ProtoBackend. The subprocess is spawned
// lazily on the first turn and respawned after a Terminate.
func NewProtoBackend(config ProtoBackendConfig) *ProtoBackend {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &ProtoBackend{config: config, logger: logger, clk: clk}
}

func (backend *ProtoBackend) setHandler(handler payloadHandler) {
	backend.handler = handler
}

// StartTurn submits a user_turn request and blocks until the agent
// signals turn completion, the process dies, or ctx is cancelled.
func (backend *ProtoBackend) StartTurn(ctx context.Context, request TurnRequest) error {
	if err := backend.ensureProcess(); err != nil {
		return err
	}

	done := make(chan error, 1)
	backend.mu.Lock()
	if backend.turnDone != nil {
		backend.mu.Unlock()
		return fmt.Errorf("turn already in flight")
	}
	backend.turnDone = done
	backend.requestCounter++
	requestID := fmt.Sprintf("req-%d", backend.requestCounter)
	backend.mu.Unlock()

	operation := map[string]any{
		"type":            "user_turn",
		"prompt":          request.Prompt,
		"cwd":             request.Config.Cwd,
		"sandbox":         string(request.Config.Sandbox),
		"approval_policy": string(request.Config.ApprovalPolicy),
	}
	if request.Config.Model != "" {
		operation["model"] = request.Config.Model
	}
	if request.Config.ReasoningEffort != "" {
		operation["reasoning_effort"] = string(request.Config.ReasoningEffort)
	}
	if request.ResumeSessionID != "" {
		operation["resume_session_id"] = request.ResumeSessionID
	}

	if err := backend.writeLine(map[string]any{"id": requestID, "op": operation}); err != nil {
		backend.clearTurn()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		backend.clearTurn()
		return ctx.Err()
	}
}

// RespondApproval answers a protocol approval request by id. A no-op
// when the backend supplied no correlation id.
func (backend *ProtoBackend) RespondApproval(ctx context.Context, backendID string, decision Decision) error {
	if backendID == "" {
		return nil
	}
	return backend.writeLine(map[string]any{
		"id": backendID,
		"op": map[string]any{
			"type":     "approval_decision",
			"decision": mapDecision(decision),
		},
	})
}

// Terminate tears the subprocess down: SIGTERM, then SIGKILL after
// the grace window. The next turn respawns a fresh process.
func (backend *ProtoBackend) Terminate(ctx context.Context) error {
	backend.mu.Lock()
	command := backend.command
	exited := backend.exited
	backend.command = nil
	backend.stdin = nil
	backend.mu.Unlock()
	if command == nil || command.Process == nil {
		return nil
	}

	if err := command.Process.Signal(unix.SIGTERM); err != nil {
		return nil // already gone
	}

	select {
	case <-exited:
		return nil
	case <-backend.clk.After(terminateGrace):
	case <-ctx.Done():
	}

	backend.logger.Warn("agent process did not exit after terminate, killing")
	command.Process.Signal(unix.SIGKILL)
	return nil
}

// ensureProcess spawns the protocol subprocess if none is running.
func (backend *ProtoBackend) ensureProcess() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.command != nil {
		return nil
	}

	command := exec.Command(backend.config.Binary, backend.config.BaseArgs...)
	command.Env = append(os.Environ(), backend.config.ExtraEnv...)

	tail := newStderrTail(10)
	command.Stderr = tail

	stdin, err := command.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("starting agent process: %w", err)
	}

	exited := make(chan struct{})
	backend.command = command
	backend.stdin = stdin
	backend.exited = exited
	backend.tail = tail

	go backend.readLoop(command, stdout, tail, exited)
	return nil
}

// readLoop pumps notification lines to the handler and watches for
// the in-flight turn's terminal condition. Runs until stdout closes.
func (backend *ProtoBackend) readLoop(command *exec.Cmd, stdout io.Reader, tail *stderrTail, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		backend.handler(json.RawMessage(line))

		var envelope struct {
			Msg struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"msg"`
		}
		if json.Unmarshal(line, &envelope) != nil {
			continue
		}
		switch envelope.Msg.Type {
		case "task_complete", "turn_complete":
			backend.finishTurn(nil)
		case "turn_aborted":
			backend.finishTurn(fmt.Errorf("turn aborted by agent"))
		case "error":
			backend.finishTurn(fmt.Errorf("agent reported error: %s", envelope.Msg.Message))
		}
	}

	command.Wait()
	close(exited)

	backend.mu.Lock()
	if backend.command == command {
		backend.command = nil
		backend.stdin = nil
	}
	backend.mu.Unlock()

	// A turn still in flight when the process dies fails with the
	// agent's own diagnostics.
	if diagnostics := tail.String(); diagnostics != "" {
		backend.finishTurn(fmt.Errorf("agent process exited: %s", diagnostics))
	} else {
		backend.finishTurn(fmt.Errorf("agent process exited"))
	}
}

// finishTurn delivers the turn's terminal condition, if a turn is in
// flight. Later calls for the same turn are dropped.
func (backend *ProtoBackend) finishTurn(err error) {
	backend.mu.Lock()
	done := backend.turnDone
	backend.turnDone = nil
	backend.mu.Unlock()
	if done != nil {
		done <- err
	}
}

func (backend *ProtoBackend) clearTurn() {
	backend.mu.Lock()
	backend.turnDone = nil
	backend.mu.Unlock()
}

// writeLine encodes one request as a JSON line on the agent's stdin.
func (backend *ProtoBackend) writeLine(request map[string]any) error {
	backend.mu.Lock()
	stdin := backend.stdin
	backend.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent process not running")
	}

	line, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding protocol request: %w", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing protocol request: %w", err)
	}
	return nil
}
