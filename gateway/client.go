// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/lib/clock"
	"github.com/tiller-agent/tiller/lib/codec"
	"github.com/tiller-agent/tiller/stream"
	"github.com/tiller-agent/tiller/turn"
)

// ErrGatewayUnavailable reports that the daemon could not be reached,
// including after the client's one respawn attempt.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// respawnDeadline bounds how long the client waits for a freshly
// spawned daemon to answer health checks.
const respawnDeadline = 5 * time.Second

// respawnPollInterval is how often the client re-checks health while
// waiting for a spawned daemon to come up.
const respawnPollInterval = 100 * time.Millisecond

// ClientConfig configures a gateway Client.
type ClientConfig struct {
	// SocketPath is the daemon's Unix socket.
	SocketPath string

	// SpawnCommand, when non-empty, is the argv used to start the
	// daemon if the socket cannot be dialed. The spawned process is
	// detached; the client only waits for its socket to answer.
	SpawnCommand []string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Client is a typed gateway client. Each request dials the socket,
// exchanges one request/response pair, and closes; the daemon holds
// no per-client state, so there is no connection to keep alive.
//
// When a request cannot reach the daemon the client makes exactly one
// recovery attempt: spawn the daemon (when configured), wait for
// health under a bounded deadline, and retry the request. A second
// failure surfaces ErrGatewayUnavailable.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	clk    clock.Clock
}

// NewClient creates a gateway Client.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Client{config: config, logger: logger, clk: clk}
}

// exchange performs one request/response pair over a fresh connection.
func (client *Client) exchange(ctx context.Context, request Request) (Response, error) {
	dialer := net.Dialer{}
	connection, err := dialer.DialContext(ctx, "unix", client.config.SocketPath)
	if err != nil {
		return Response{}, fmt.Errorf("dialing gateway: %w", err)
	}
	defer connection.Close()

	if deadline, ok := ctx.Deadline(); ok {
		connection.SetDeadline(deadline)
	}

	frame, err := codec.Marshal(request)
	if err != nil {
		return Response{}, fmt.Errorf("encoding gateway request: %w", err)
	}
	if _, err := connection.Write(frame); err != nil {
		return Response{}, fmt.Errorf("writing gateway request: %w", err)
	}
	var response Response
	if err := codec.NewDecoder(connection).Decode(&response); err != nil {
		return Response{}, fmt.Errorf("decoding gateway response: %w", err)
	}
	return response, nil
}

// do runs a request with the one-shot respawn-and-retry recovery.
func (client *Client) do(ctx context.Context, request Request) (Response, error) {
	response, err := client.exchange(ctx, request)
	if err == nil {
		return client.check(response)
	}

	client.logger.Warn("gateway request failed, attempting recovery", "error", err)
	if recoveryError := client.recover(ctx); recoveryError != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, recoveryError)
	}

	response, err = client.exchange(ctx, request)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return client.check(response)
}

// check maps a daemon-side failure response onto caller-facing errors.
func (client *Client) check(response Response) (Response, error) {
	if response.OK {
		return response, nil
	}
	switch response.ErrorCode {
	case ErrorCodeBusy:
		return response, fmt.Errorf("%w: %s", turn.ErrBusy, response.Error)
	case ErrorCodeNotFound:
		return response, fmt.Errorf("%w: %s", turn.ErrNotFound, response.Error)
	default:
		return response, errors.New(response.Error)
	}
}

// recover spawns the daemon (when configured) and waits for it to
// answer a health check.
func (client *Client) recover(ctx context.Context) error {
	if len(client.config.SpawnCommand) > 0 {
		command := exec.Command(client.config.SpawnCommand[0], client.config.SpawnCommand[1:]...)
		command.Stdout = nil
		command.Stderr = nil
		if err := command.Start(); err != nil {
			return fmt.Errorf("spawning gateway daemon: %w", err)
		}
		// The daemon is intentionally orphaned; reap it in the
		// background so it never becomes a zombie of this process.
		go command.Wait()
		client.logger.Info("spawned gateway daemon", "pid", command.Process.Pid)
	}

	deadline := client.clk.Now().Add(respawnDeadline)
	for {
		healthCtx, cancel := context.WithTimeout(ctx, respawnPollInterval)
		response, err := client.exchange(healthCtx, Request{Action: ActionHealth})
		cancel()
		if err == nil && response.OK {
			return nil
		}
		if client.clk.Now().After(deadline) {
			return fmt.Errorf("gateway did not become healthy: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.clk.After(respawnPollInterval):
		}
	}
}

// Health checks daemon liveness, with the usual recovery attempt.
func (client *Client) Health(ctx context.Context) error {
	_, err := client.do(ctx, Request{Action: ActionHealth})
	return err
}

// Start begins a turn for the conversation. The daemon acknowledges
// acceptance; events flow through EventsSince. Fails with
// turn.ErrBusy when a turn is already running.
func (client *Client) Start(ctx context.Context, chatKey, prompt string, config agent.TurnConfig) error {
	_, err := client.do(ctx, Request{
		Action:  ActionStart,
		ChatKey: chatKey,
		Prompt:  prompt,
		Config:  &config,
	})
	return err
}

// EventsSince returns the buffered entries after the cursor, plus the
// buffer's newest id for reset detection.
func (client *Client) EventsSince(ctx context.Context, chatKey string, after uint64) ([]stream.Entry, uint64, error) {
	response, err := client.do(ctx, Request{Action: ActionEventsSince, ChatKey: chatKey, After: after})
	if err != nil {
		return nil, 0, err
	}
	return response.Entries, response.LastEventID, nil
}

// RuntimeStatus reports the conversation's stream state, whether a
// turn is in flight, the newest buffered event id, and the last
// activity time.
func (client *Client) RuntimeStatus(ctx context.Context, chatKey string) (RuntimeStatus, error) {
	response, err := client.do(ctx, Request{Action: ActionRuntimeStatus, ChatKey: chatKey})
	if err != nil {
		return RuntimeStatus{}, err
	}
	return RuntimeStatus{
		State:       response.State,
		Busy:        response.Busy,
		LastEventID: response.LastEventID,
		UpdatedAt:   response.UpdatedAt,
	}, nil
}

// Approve resolves a pending approval request.
func (client *Client) Approve(ctx context.Context, chatKey, approvalID string, decision agent.Decision) error {
	_, err := client.do(ctx, Request{
		Action:     ActionApprove,
		ChatKey:    chatKey,
		ApprovalID: approvalID,
		Decision:   string(decision),
	})
	return err
}

// Abort tears down the conversation's in-flight turn.
func (client *Client) Abort(ctx context.Context, chatKey string) error {
	_, err := client.do(ctx, Request{Action: ActionAbort, ChatKey: chatKey})
	return err
}

// Reset drops the conversation's buffer and session binding.
func (client *Client) Reset(ctx context.Context, chatKey string) error {
	_, err := client.do(ctx, Request{Action: ActionReset, ChatKey: chatKey})
	return err
}

// Usage returns the conversation's last harvested token usage.
func (client *Client) Usage(ctx context.Context, chatKey string) (*agent.Usage, error) {
	response, err := client.do(ctx, Request{Action: ActionUsage, ChatKey: chatKey})
	if err != nil {
		return nil, err
	}
	return response.Usage, nil
}

// RateLimits returns the conversation's last harvested rate limits.
func (client *Client) RateLimits(ctx context.Context, chatKey string) (*agent.RateLimits, error) {
	response, err := client.do(ctx, Request{Action: ActionRateLimits, ChatKey: chatKey})
	if err != nil {
		return nil, err
	}
	return response.RateLimits, nil
}

// SessionState returns the harvested backend session binding and the
// stream state.
func (client *Client) SessionState(ctx context.Context, chatKey string) (sessionID, state string, err error) {
	response, err := client.do(ctx, Request{Action: ActionSessionState, ChatKey: chatKey})
	if err != nil {
		return "", "", err
	}
	return response.SessionID, response.State, nil
}
