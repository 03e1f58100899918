// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/lib/clock"
	"github.com/tiller-agent/tiller/lib/codec"
	"github.com/tiller-agent/tiller/stream"
	"github.com/tiller-agent/tiller/turn"
)

// ServerConfig configures a gateway daemon.
type ServerConfig struct {
	// SocketPath is where the Unix listening socket is created. Any
	// stale socket file is removed first.
	SocketPath string

	// NewBackend builds the agent backend for a new conversation.
	// Required.
	NewBackend func(chatKey string) agent.Backend

	// BufferCapacity bounds each conversation's event buffer; zero
	// means stream.DefaultCapacity.
	BufferCapacity int

	// SessionLogDirectory, when non-empty, enables per-conversation
	// session logs under this directory.
	SessionLogDirectory string

	Logger *slog.Logger
	Clock  clock.Clock
}

// conversation is the daemon-side state for one chat: its runner, its
// buffer, and the stream state machine idle → running → done/error.
type conversation struct {
	runner *turn.Runner
	buffer *stream.Buffer

	mu           sync.Mutex
	state        string
	lastActivity time.Time
}

func (conv *conversation) setState(state string, now time.Time) {
	conv.mu.Lock()
	conv.state = state
	conv.lastActivity = now
	conv.mu.Unlock()
}

func (conv *conversation) snapshot() (state string, lastActivity time.Time) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.state, conv.lastActivity
}

// Server is the gateway daemon. It accepts CBOR request/response
// connections on a Unix socket and runs each conversation's turns in
// its own goroutine.
type Server struct {
	config ServerConfig
	logger *slog.Logger
	clk    clock.Clock

	mu            sync.Mutex
	conversations map[string]*conversation
	listener      net.Listener
}

// NewServer creates a gateway daemon. Call Serve to start it.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Server{
		config:        config,
		logger:        logger,
		clk:           clk,
		conversations: make(map[string]*conversation),
	}
}

// Serve listens on the configured socket and handles connections until
// ctx is cancelled. The sweeper (see sweep.go) runs alongside.
func (server *Server) Serve(ctx context.Context) error {
	if err := os.Remove(server.config.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", server.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", server.config.SocketPath, err)
	}
	server.mu.Lock()
	server.listener = listener
	server.mu.Unlock()

	go server.runSweeper(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	server.logger.Info("gateway listening", "socket", server.config.SocketPath)
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting gateway connection: %w", err)
		}
		go server.handleConnection(ctx, connection)
	}
}

// handleConnection serves CBOR request/response pairs until the peer
// disconnects.
func (server *Server) handleConnection(ctx context.Context, connection net.Conn) {
	defer connection.Close()
	decoder := codec.NewDecoder(connection)
	encoder := codec.NewEncoder(connection)

	for {
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				server.logger.Warn("reading gateway request", "error", err)
			}
			return
		}
		var request Request
		if err := codec.Unmarshal(raw, &request); err != nil {
			// Log the undecodable frame in diagnostic notation so the
			// misbehaving peer can be identified from the daemon log.
			diagnostic, diagErr := codec.Diagnose(raw)
			if diagErr != nil {
				diagnostic = fmt.Sprintf("%x", []byte(raw))
			}
			server.logger.Warn("decoding gateway request", "error", err, "frame", diagnostic)
			return
		}
		response := server.handle(ctx, request)
		if err := encoder.Encode(response); err != nil {
			server.logger.Warn("encoding gateway response", "error", err)
			return
		}
	}
}

func failure(code, format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...), ErrorCode: code}
}

// handle dispatches one request.
func (server *Server) handle(ctx context.Context, request Request) Response {
	if request.Action == ActionHealth {
		return Response{OK: true}
	}
	if request.ChatKey == "" {
		return failure("", "missing chat_key for action %q", request.Action)
	}

	switch request.Action {
	case ActionStart:
		return server.handleStart(ctx, request)

	case ActionEventsSince:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return failure(ErrorCodeNotFound, "unknown conversation %q", request.ChatKey)
		}
		return Response{
			OK:          true,
			Entries:     conv.buffer.Since(request.After),
			LastEventID: conv.buffer.LastID(),
		}

	case ActionRuntimeStatus:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			// An unknown conversation is simply idle; the daemon may
			// have restarted since the client last saw it.
			return Response{OK: true, State: StateIdle}
		}
		state, lastActivity := conv.snapshot()
		return Response{
			OK:          true,
			State:       state,
			Busy:        conv.runner.Busy(),
			LastEventID: conv.buffer.LastID(),
			UpdatedAt:   lastActivity,
		}

	case ActionApprove:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return failure(ErrorCodeNotFound, "unknown conversation %q", request.ChatKey)
		}
		if !conv.runner.ResolveApproval(request.ApprovalID, agent.Decision(request.Decision)) {
			return failure(ErrorCodeNotFound, "no pending approval %q", request.ApprovalID)
		}
		conv.mu.Lock()
		conv.lastActivity = server.clk.Now()
		conv.mu.Unlock()
		return Response{OK: true}

	case ActionAbort:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return failure(ErrorCodeNotFound, "unknown conversation %q", request.ChatKey)
		}
		if err := conv.runner.Abort(ctx); err != nil {
			return failure("", "aborting turn: %v", err)
		}
		return Response{OK: true}

	case ActionReset:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return Response{OK: true, State: StateIdle}
		}
		conv.runner.Abort(ctx)
		conv.runner.Reset()
		conv.buffer.Reset()
		conv.setState(StateIdle, server.clk.Now())
		return Response{OK: true, State: StateIdle}

	case ActionUsage:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return failure(ErrorCodeNotFound, "unknown conversation %q", request.ChatKey)
		}
		return Response{OK: true, Usage: conv.runner.Usage()}

	case ActionRateLimits:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return failure(ErrorCodeNotFound, "unknown conversation %q", request.ChatKey)
		}
		return Response{OK: true, RateLimits: conv.runner.RateLimits()}

	case ActionSessionState:
		conv, ok := server.lookup(request.ChatKey)
		if !ok {
			return Response{OK: true, State: StateIdle}
		}
		state, _ := conv.snapshot()
		return Response{OK: true, State: state, SessionID: conv.runner.SessionBinding()}

	default:
		return failure("", "unknown action %q", request.Action)
	}
}

// handleStart begins a turn asynchronously: the response acknowledges
// acceptance and the events flow through the buffer.
func (server *Server) handleStart(ctx context.Context, request Request) Response {
	if request.Config == nil {
		return failure("", "start requires a config")
	}
	conv := server.conversation(request.ChatKey)

	// Claiming the runner slot appends the turn's start entry before
	// the acknowledgement goes out, so a subscriber attaching right
	// after the response never sees the previous turn's terminal entry
	// as the stream's tail.
	if err := conv.runner.Claim(); err != nil {
		return failure(ErrorCodeBusy, "turn already running for %q", request.ChatKey)
	}
	conv.setState(StateRunning, server.clk.Now())

	prompt, config := request.Prompt, *request.Config
	go func() {
		// The turn outlives the request connection on purpose; only
		// daemon shutdown cancels it.
		_, err := conv.runner.RunTurn(context.WithoutCancel(ctx), prompt, config)
		now := server.clk.Now()
		if err != nil {
			server.logger.Warn("turn failed", "chat_key", request.ChatKey, "error", err)
			conv.setState(StateError, now)
			return
		}
		conv.setState(StateDone, now)
	}()
	return Response{OK: true, State: StateRunning}
}

// conversation returns the conversation for chatKey, creating it on
// first use.
func (server *Server) conversation(chatKey string) *conversation {
	server.mu.Lock()
	defer server.mu.Unlock()
	if conv, ok := server.conversations[chatKey]; ok {
		return conv
	}

	buffer := stream.NewBuffer(server.config.BufferCapacity)
	conv := &conversation{
		buffer:       buffer,
		state:        StateIdle,
		lastActivity: server.clk.Now(),
	}
	conv.runner = turn.NewRunner(server.config.NewBackend(chatKey), turn.Options{
		Emitter: turn.EmitterFunc(func(kind string, data any) {
			buffer.Append(kind, data)
			conv.mu.Lock()
			conv.lastActivity = server.clk.Now()
			conv.mu.Unlock()
		}),
		Logger:     server.logger.With("chat_key", chatKey),
		Clock:      server.clk,
		SessionLog: server.openSessionLog(chatKey),
	})
	server.conversations[chatKey] = conv
	return conv
}

// openSessionLog opens the conversation's session log, or returns nil
// when logging is disabled or the file cannot be created. A broken
// log never blocks the conversation.
func (server *Server) openSessionLog(chatKey string) *agent.SessionLogWriter {
	directory := server.config.SessionLogDirectory
	if directory == "" {
		return nil
	}
	path := filepath.Join(directory, chatKey+".jsonl.zst")
	writer, err := agent.NewSessionLogWriter(path)
	if err != nil {
		server.logger.Warn("opening session log", "path", path, "error", err)
		return nil
	}
	return writer
}

// lookup returns the conversation for chatKey without creating one.
func (server *Server) lookup(chatKey string) (*conversation, bool) {
	server.mu.Lock()
	defer server.mu.Unlock()
	conv, ok := server.conversations[chatKey]
	return conv, ok
}
