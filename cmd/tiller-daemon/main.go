// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Tiller-daemon is the gateway daemon: it owns agent turns so they
// survive web server restarts. The web server talks to it over a CBOR
// request/response protocol on a Unix socket; browsers never connect
// here directly.
//
// The daemon is usually spawned on demand by the web server (see the
// daemon_autostart config key), but can be run standalone:
//
//	tiller-daemon --config /etc/tiller/tiller.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tiller-daemon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var socketPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("tiller-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the tiller YAML configuration (built-in defaults when empty)")
	flagSet.StringVar(&socketPath, "socket", "", "unix socket path, overriding the configuration file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		configuration.GatewaySocket = socketPath
	}
	if configuration.Agent.Binary == "" {
		return fmt.Errorf("agent.binary must be configured")
	}
	if configuration.SessionLogDirectory != "" {
		if err := os.MkdirAll(configuration.SessionLogDirectory, 0o755); err != nil {
			return fmt.Errorf("creating session log directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := gateway.NewServer(gateway.ServerConfig{
		SocketPath:          configuration.GatewaySocket,
		NewBackend:          backendFactory(configuration.Agent, logger),
		BufferCapacity:      configuration.BufferCapacity,
		SessionLogDirectory: configuration.SessionLogDirectory,
		Logger:              logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return nil
	})
	return group.Wait()
}

// backendFactory builds the per-conversation agent backend from the
// configured protocol.
func backendFactory(agentConfig config.AgentConfig, logger *slog.Logger) func(chatKey string) agent.Backend {
	return func(chatKey string) agent.Backend {
		backendLogger := logger.With("chat_key", chatKey)
		switch agentConfig.Protocol {
		case config.ProtocolProto:
			return agent.NewProtoBackend(agent.ProtoBackendConfig{
				Binary:   agentConfig.Binary,
				BaseArgs: agentConfig.BaseArgs,
				ExtraEnv: agentConfig.ExtraEnv,
				Logger:   backendLogger,
			})
		default:
			return agent.NewExecBackend(agent.ExecBackendConfig{
				Binary:   agentConfig.Binary,
				BaseArgs: agentConfig.BaseArgs,
				ExtraEnv: agentConfig.ExtraEnv,
				Logger:   backendLogger,
			})
		}
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
