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
	"time"

	"golang.org/x/sys/unix"

	"github.com/tiller-agent/tiller/lib/clock"
)

// terminateGrace is how long a graceful terminate signal gets before
// escalating to SIGKILL.
const terminateGrace = 1200 * time.Millisecond

// ExecBackendConfig configures an ExecBackend.
type ExecBackendConfig struct {
	// Binary is the agent executable. Required.
	Binary string

	// BaseArgs are prepended to every invocation, before the
	// per-turn flags.
	BaseArgs []string

	// ExtraEnv is additional environment for the agent process, in
	// "KEY=VALUE" form.
	ExtraEnv []string

	Logger *slog.Logger
	Clock  clock.Clock
}

// ExecBackend drives an agent that is spawned once per turn and
// streams line-delimited JSON events on stdout. Approval responses
// are written to the process's stdin as control_response lines.
type ExecBackend struct {
	config  ExecBackendConfig
	logger  *slog.Logger
	clk     clock.Clock
	handler payloadHandler

	mu      sync.Mutex
	command *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
}

// NewExecBackend creates an ExecBackend. The returned backend spawns
// nothing until the first turn starts.
func NewExecBackend(config ExecBackendConfig) *ExecBackend {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &ExecBackend{config: config, logger: logger, clk: clk}
}

func (backend *ExecBackend) setHandler(handler payloadHandler) {
	backend.handler = handler
}

// StartTurn spawns the agent process for one turn, pumps its stdout
// lines to the handler, and waits for exit. The turn's terminal
// condition is process exit; an explicit error result line or a
// non-zero exit becomes the turn error, with the stderr tail attached
// for diagnostics.
func (backend *ExecBackend) StartTurn(ctx context.Context, request TurnRequest) error {
	arguments := append([]string(nil), backend.config.BaseArgs...)
	arguments = append(arguments,
		"--output-format", "stream-json",
		"--print",
		"--sandbox", string(request.Config.Sandbox),
		"--approval-policy", string(request.Config.ApprovalPolicy),
	)
	if request.Config.Model != "" {
		arguments = append(arguments, "--model", request.Config.Model)
	}
	if request.Config.ReasoningEffort != "" {
		arguments = append(arguments, "--reasoning-effort", string(request.Config.ReasoningEffort))
	}
	if request.ResumeSessionID != "" {
		arguments = append(arguments, "--resume", request.ResumeSessionID)
	}
	arguments = append(arguments, request.Prompt)

	command := exec.CommandContext(ctx, backend.config.Binary, arguments...)
	command.Dir = request.Config.Cwd
	command.Env = append(os.Environ(), backend.config.ExtraEnv...)

	// Context cancellation gets the same graceful stop as Terminate:
	// SIGTERM first, SIGKILL only after the grace window. The default
	// Cancel would SIGKILL immediately.
	command.Cancel = func() error {
		return command.Process.Signal(unix.SIGTERM)
	}
	command.WaitDelay = terminateGrace

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
	backend.mu.Lock()
	backend.command = command
	backend.stdin = stdin
	backend.exited = exited
	backend.mu.Unlock()

	turnError := backend.pumpLines(ctx, stdout)

	waitError := command.Wait()
	close(exited)

	backend.mu.Lock()
	backend.command = nil
	backend.stdin = nil
	backend.mu.Unlock()
	stdin.Close()

	if turnError != nil {
		return turnError
	}
	if waitError != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if diagnostics := tail.String(); diagnostics != "" {
			return fmt.Errorf("agent process exited: %v: %s", waitError, diagnostics)
		}
		return fmt.Errorf("agent process exited: %w", waitError)
	}
	return nil
}

// pumpLines reads stdout line by line, delivering each to the
// handler. An explicit error result line is remembered and becomes
// the turn error once the stream ends.
func (backend *ExecBackend) pumpLines(ctx context.Context, stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	// Agents produce long lines (tool results with large file contents).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var resultError error
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var result struct {
			Type    string `json:"type"`
			IsError bool   `json:"is_error"`
			Result  string `json:"result"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(line, &result) == nil && result.Type == "result" && result.IsError {
			message := firstNonEmpty(result.Error, result.Result)
			resultError = fmt.Errorf("agent reported error: %s", message)
		}

		backend.handler(json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading agent stdout: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return resultError
}

// RespondApproval writes a control_response line to the agent's
// stdin. A no-op when the backend supplied no correlation id or no
// process is running.
func (backend *ExecBackend) RespondApproval(ctx context.Context, backendID string, decision Decision) error {
	if backendID == "" {
		return nil
	}
	backend.mu.Lock()
	stdin := backend.stdin
	backend.mu.Unlock()
	if stdin == nil {
		return nil
	}

	response := map[string]any{
		"type":       "control_response",
		"request_id": backendID,
		"response":   map[string]any{"decision": mapDecision(decision)},
	}
	line, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encoding approval response: %w", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing approval response: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM to the in-flight turn's process and
// escalates to SIGKILL when it has not exited within the grace
// window. A no-op when no process is running.
func (backend *ExecBackend) Terminate(ctx context.Context) error {
	backend.mu.Lock()
	command := backend.command
	exited := backend.exited
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
