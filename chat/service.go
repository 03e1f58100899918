// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat composes the conversation machinery behind the web
// API. Each conversation key owns exactly one event buffer and, in
// local mode, one turn runner; in remote mode the turns execute in
// the gateway daemon and a bridge mirrors the stream into the local
// buffer. The Service routes start/approve/abort to whichever side
// owns the turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/bridge"
	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/lib/clock"
	"github.com/tiller-agent/tiller/lib/config"
	"github.com/tiller-agent/tiller/lib/profile"
	"github.com/tiller-agent/tiller/stream"
	"github.com/tiller-agent/tiller/turn"
)

// Gateway is the slice of the gateway client the Service needs in
// remote mode. *gateway.Client satisfies it.
type Gateway interface {
	Health(ctx context.Context) error
	Start(ctx context.Context, chatKey, prompt string, config agent.TurnConfig) error
	EventsSince(ctx context.Context, chatKey string, after uint64) ([]stream.Entry, uint64, error)
	RuntimeStatus(ctx context.Context, chatKey string) (gateway.RuntimeStatus, error)
	Approve(ctx context.Context, chatKey, approvalID string, decision agent.Decision) error
	Abort(ctx context.Context, chatKey string) error
	Reset(ctx context.Context, chatKey string) error
	Usage(ctx context.Context, chatKey string) (*agent.Usage, error)
	RateLimits(ctx context.Context, chatKey string) (*agent.RateLimits, error)
	SessionState(ctx context.Context, chatKey string) (sessionID, state string, err error)
}

// Options configures a Service.
type Options struct {
	// Mode is config.ModeLocal or config.ModeRemote.
	Mode string

	// NewBackend builds the per-conversation agent backend. Required
	// in local mode.
	NewBackend func(chatKey string) agent.Backend

	// Remote is the gateway client. Required in remote mode.
	Remote Gateway

	// BufferCapacity bounds each conversation's buffer; zero means
	// the stream package default.
	BufferCapacity int

	// SessionLogDirectory, when non-empty, enables per-conversation
	// session logs. Local mode only; in remote mode the daemon owns
	// the logs.
	SessionLogDirectory string

	// Profiles are the named turn-configuration presets, may be nil.
	Profiles profile.Set

	Logger *slog.Logger
	Clock  clock.Clock
}

// TurnRequest is one start-turn request as the web API receives it.
// Config wins over Profile when both are present.
type TurnRequest struct {
	Prompt  string            `json:"prompt"`
	Profile string            `json:"profile,omitempty"`
	Config  *agent.TurnConfig `json:"config,omitempty"`
}

// Status is a point-in-time snapshot of one conversation.
type Status struct {
	Busy        bool              `json:"busy"`
	State       string            `json:"state,omitempty"`
	LastEventID uint64            `json:"last_event_id"`
	UpdatedAt   time.Time         `json:"updated_at"`
	SessionID   string            `json:"session_id,omitempty"`
	Usage       *agent.Usage      `json:"usage,omitempty"`
	RateLimits  *agent.RateLimits `json:"rate_limits,omitempty"`
}

// conversation bundles what one key owns. runner is nil in remote
// mode; the handler is shared by every SSE subscriber of the key.
type conversation struct {
	buffer  *stream.Buffer
	runner  *turn.Runner
	handler *stream.Handler

	mu           sync.Mutex
	lastActivity time.Time
}

func (conv *conversation) touch(now time.Time) {
	conv.mu.Lock()
	conv.lastActivity = now
	conv.mu.Unlock()
}

func (conv *conversation) touched() time.Time {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.lastActivity
}

// Service owns all conversations of one web server process.
type Service struct {
	options Options
	logger  *slog.Logger
	clk     clock.Clock

	// background outlives individual requests; bridges and
	// daemon-bound turns run under it until Close.
	background context.Context
	stop       context.CancelFunc

	mu            sync.Mutex
	conversations map[string]*conversation
}

// NewService creates a Service. Fails when the mode's required
// collaborator is missing.
func NewService(options Options) (*Service, error) {
	switch options.Mode {
	case config.ModeLocal:
		if options.NewBackend == nil {
			return nil, fmt.Errorf("local mode requires a backend factory")
		}
	case config.ModeRemote:
		if options.Remote == nil {
			return nil, fmt.Errorf("remote mode requires a gateway client")
		}
	default:
		return nil, fmt.Errorf("invalid mode %q", options.Mode)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	background, stop := context.WithCancel(context.Background())
	return &Service{
		options:       options,
		logger:        logger,
		clk:           clk,
		background:    background,
		stop:          stop,
		conversations: make(map[string]*conversation),
	}, nil
}

// Close stops all bridges and abandons daemon-bound turns. Local
// in-flight turns are aborted so agent subprocesses do not outlive
// the server.
func (service *Service) Close() {
	service.stop()
	service.mu.Lock()
	conversations := make([]*conversation, 0, len(service.conversations))
	for _, conv := range service.conversations {
		conversations = append(conversations, conv)
	}
	service.mu.Unlock()

	for _, conv := range conversations {
		if conv.runner != nil {
			if err := conv.runner.Abort(context.Background()); err != nil {
				service.logger.Warn("aborting turn during shutdown", "error", err)
			}
		}
	}
}

// NewChatKey mints a fresh conversation key.
func (service *Service) NewChatKey() string {
	return uuid.NewString()
}

// Keys returns the keys of all live conversations.
func (service *Service) Keys() []string {
	service.mu.Lock()
	defer service.mu.Unlock()
	keys := make([]string, 0, len(service.conversations))
	for key := range service.conversations {
		keys = append(keys, key)
	}
	return keys
}

// conversation returns the key's conversation, creating it on first
// use.
func (service *Service) conversation(key string) *conversation {
	service.mu.Lock()
	defer service.mu.Unlock()
	if conv, ok := service.conversations[key]; ok {
		return conv
	}

	buffer := stream.NewBuffer(service.options.BufferCapacity)
	conv := &conversation{buffer: buffer, lastActivity: service.clk.Now()}

	handlerOptions := stream.HandlerOptions{Logger: service.logger, Clock: service.clk}
	if service.options.Mode == config.ModeRemote {
		handlerOptions.RemoteBusy = func(ctx context.Context) (bool, error) {
			status, err := service.options.Remote.RuntimeStatus(ctx, key)
			return status.Busy, err
		}
		mirror := bridge.New(key, service.options.Remote, buffer, bridge.Options{
			Logger: service.logger,
			Clock:  service.clk,
		})
		go mirror.Run(service.background)
	} else {
		conv.runner = turn.NewRunner(service.options.NewBackend(key), turn.Options{
			Emitter: turn.EmitterFunc(func(kind string, data any) {
				buffer.Append(kind, data)
				conv.touch(service.clk.Now())
			}),
			Logger:     service.logger,
			Clock:      service.clk,
			SessionLog: service.openSessionLog(key),
		})
	}
	conv.handler = stream.NewHandler(buffer, handlerOptions)

	service.conversations[key] = conv
	return conv
}

// lookup returns the key's conversation without creating one.
func (service *Service) lookup(key string) (*conversation, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if conv, ok := service.conversations[key]; ok {
		return conv, nil
	}
	return nil, fmt.Errorf("%w: %q", turn.ErrNotFound, key)
}

// openSessionLog opens the conversation's session log, or returns nil
// when logging is disabled or the file cannot be created. A broken
// log never blocks the conversation.
func (service *Service) openSessionLog(key string) *agent.SessionLogWriter {
	directory := service.options.SessionLogDirectory
	if directory == "" {
		return nil
	}
	path := filepath.Join(directory, key+".jsonl.zst")
	writer, err := agent.NewSessionLogWriter(path)
	if err != nil {
		service.logger.Warn("opening session log", "path", path, "error", err)
		return nil
	}
	return writer
}

// ErrInvalidRequest marks caller mistakes the HTTP layer reports as
// bad requests rather than server failures.
var ErrInvalidRequest = errors.New("invalid request")

// resolveConfig turns the request's profile-or-config choice into a
// validated TurnConfig.
func (service *Service) resolveConfig(request TurnRequest) (agent.TurnConfig, error) {
	if request.Config != nil {
		if err := request.Config.Validate(); err != nil {
			return agent.TurnConfig{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return *request.Config, nil
	}
	if request.Profile != "" {
		turnConfig, err := service.options.Profiles.Resolve(request.Profile)
		if err != nil {
			return agent.TurnConfig{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return turnConfig, nil
	}
	return agent.TurnConfig{}, fmt.Errorf("%w: turn request needs a profile or an explicit config", ErrInvalidRequest)
}

// StartTurn begins a turn for the conversation, creating it on first
// use. The turn runs asynchronously; events flow through the key's
// stream. Fails with turn.ErrBusy when a turn is already in flight.
func (service *Service) StartTurn(ctx context.Context, key string, request TurnRequest) error {
	turnConfig, err := service.resolveConfig(request)
	if err != nil {
		return err
	}

	conv := service.conversation(key)
	if service.options.Mode == config.ModeRemote {
		return service.options.Remote.Start(ctx, key, request.Prompt, turnConfig)
	}

	// Claiming the slot before acknowledging makes the conflict check
	// atomic: two concurrent starts cannot both be told their turn was
	// accepted.
	if err := conv.runner.Claim(); err != nil {
		return err
	}
	// The turn belongs to the conversation, not to the HTTP request
	// that started it; detach from the request's cancellation.
	turnCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := conv.runner.RunTurn(turnCtx, request.Prompt, turnConfig); err != nil {
			service.logger.Info("turn finished with error", "chat_key", key, "error", err)
		}
	}()
	return nil
}

// Approve resolves a pending approval. Fails with turn.ErrNotFound
// when the conversation or the approval does not exist.
func (service *Service) Approve(ctx context.Context, key, approvalID string, decision agent.Decision) error {
	if service.options.Mode == config.ModeRemote {
		return service.options.Remote.Approve(ctx, key, approvalID, decision)
	}
	conv, err := service.lookup(key)
	if err != nil {
		return err
	}
	if !conv.runner.ResolveApproval(approvalID, decision) {
		return fmt.Errorf("%w: approval %q", turn.ErrNotFound, approvalID)
	}
	return nil
}

// Abort tears down the conversation's in-flight turn.
func (service *Service) Abort(ctx context.Context, key string) error {
	if service.options.Mode == config.ModeRemote {
		return service.options.Remote.Abort(ctx, key)
	}
	conv, err := service.lookup(key)
	if err != nil {
		return err
	}
	return conv.runner.Abort(ctx)
}

// Reset drops the conversation's buffer and session binding so the
// next turn starts a fresh agent session with a fresh stream.
func (service *Service) Reset(ctx context.Context, key string) error {
	if service.options.Mode == config.ModeRemote {
		// The bridge notices the remote reset on its next pass and
		// rebuilds the mirror.
		return service.options.Remote.Reset(ctx, key)
	}
	conv, err := service.lookup(key)
	if err != nil {
		return err
	}
	conv.runner.Reset()
	conv.buffer.Reset()
	return nil
}

// Status reports the conversation's runtime status.
func (service *Service) Status(ctx context.Context, key string) (Status, error) {
	if service.options.Mode == config.ModeRemote {
		return service.remoteStatus(ctx, key)
	}
	conv, err := service.lookup(key)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Busy:        conv.runner.Busy(),
		LastEventID: conv.buffer.LastID(),
		UpdatedAt:   conv.touched(),
		SessionID:   conv.runner.SessionBinding(),
		Usage:       conv.runner.Usage(),
		RateLimits:  conv.runner.RateLimits(),
	}, nil
}

func (service *Service) remoteStatus(ctx context.Context, key string) (Status, error) {
	remote := service.options.Remote
	runtimeStatus, err := remote.RuntimeStatus(ctx, key)
	if err != nil {
		return Status{}, err
	}
	sessionID, _, err := remote.SessionState(ctx, key)
	if err != nil {
		return Status{}, err
	}
	usage, err := remote.Usage(ctx, key)
	if err != nil {
		return Status{}, err
	}
	rateLimits, err := remote.RateLimits(ctx, key)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Busy:        runtimeStatus.Busy,
		State:       runtimeStatus.State,
		LastEventID: runtimeStatus.LastEventID,
		UpdatedAt:   runtimeStatus.UpdatedAt,
		SessionID:   sessionID,
		Usage:       usage,
		RateLimits:  rateLimits,
	}, nil
}

// Transcript folds the conversation's buffered events into messages.
func (service *Service) Transcript(key string) ([]bridge.Message, error) {
	conv, err := service.lookup(key)
	if err != nil {
		return nil, err
	}
	var transcript bridge.Transcript
	transcript.ApplyAll(conv.buffer.Since(0))
	return transcript.Messages(), nil
}

// EventsHandler returns the conversation's SSE handler, creating the
// conversation on first subscription.
func (service *Service) EventsHandler(key string) *stream.Handler {
	return service.conversation(key).handler
}

// Healthy reports end-to-end liveness: always true in local mode, a
// gateway health round-trip in remote mode.
func (service *Service) Healthy(ctx context.Context) error {
	if service.options.Mode == config.ModeRemote {
		return service.options.Remote.Health(ctx)
	}
	return nil
}
