// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Tiller-web is the browser-facing server. It exposes the chat API
// (start turns, resolve approvals, abort, server-sent event streams)
// and either runs agent turns in-process (local mode) or hands them to
// the tiller-daemon gateway and mirrors the streams back (remote
// mode).
//
//	tiller-web --config /etc/tiller/tiller.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tiller-agent/tiller/agent"
	"github.com/tiller-agent/tiller/chat"
	"github.com/tiller-agent/tiller/gateway"
	"github.com/tiller-agent/tiller/lib/config"
	"github.com/tiller-agent/tiller/lib/profile"
)

// shutdownGrace bounds how long in-flight HTTP requests get to finish
// after a termination signal. SSE streams are cut; clients resume
// with Last-Event-ID.
const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tiller-web: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddress string
	var logLevel string

	flagSet := pflag.NewFlagSet("tiller-web", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the tiller YAML configuration (built-in defaults when empty)")
	flagSet.StringVar(&listenAddress, "listen", "", "HTTP listen address, overriding the configuration file")
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
	if listenAddress != "" {
		configuration.ListenAddress = listenAddress
	}

	service, err := buildService(configuration, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    configuration.ListenAddress,
		Handler: chat.NewAPI(service, logger),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("web server listening", "address", configuration.ListenAddress, "mode", configuration.Mode)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// buildService assembles the chat service for the configured
// deployment mode.
func buildService(configuration config.Config, logger *slog.Logger) (*chat.Service, error) {
	options := chat.Options{
		Mode:           configuration.Mode,
		BufferCapacity: configuration.BufferCapacity,
		Logger:         logger,
	}

	if configuration.ProfilePath != "" {
		profiles, err := profile.Load(configuration.ProfilePath)
		if err != nil {
			return nil, err
		}
		options.Profiles = profiles
	}

	if configuration.Mode == config.ModeRemote {
		options.Remote = gateway.NewClient(gateway.ClientConfig{
			SocketPath:   configuration.GatewaySocket,
			SpawnCommand: configuration.DaemonAutostart,
			Logger:       logger,
		})
		return chat.NewService(options)
	}

	if configuration.Agent.Binary == "" {
		return nil, fmt.Errorf("agent.binary must be configured in local mode")
	}
	if configuration.SessionLogDirectory != "" {
		if err := os.MkdirAll(configuration.SessionLogDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("creating session log directory: %w", err)
		}
		options.SessionLogDirectory = configuration.SessionLogDirectory
	}
	options.NewBackend = backendFactory(configuration.Agent, logger)
	return chat.NewService(options)
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
