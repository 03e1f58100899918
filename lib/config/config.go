// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the tiller
// binaries. One file configures both: the web server reads everything,
// the daemon reads the gateway and agent sections.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Deployment modes.
const (
	// ModeLocal runs turns inside the web server process.
	ModeLocal = "local"

	// ModeRemote runs turns in the gateway daemon; the web server
	// mirrors streams through the bridge.
	ModeRemote = "remote"
)

// Agent protocols.
const (
	// ProtocolExec spawns the agent binary once per turn and reads
	// line-delimited JSON from its stdout.
	ProtocolExec = "exec"

	// ProtocolProto keeps one agent subprocess alive across turns,
	// speaking a bidirectional JSON-line protocol.
	ProtocolProto = "proto"
)

// AgentConfig selects and configures the wrapped agent binary.
type AgentConfig struct {
	// Binary is the agent executable path. Required.
	Binary string `yaml:"binary"`

	// Protocol is ProtocolExec or ProtocolProto.
	Protocol string `yaml:"protocol"`

	// BaseArgs are prepended to every invocation.
	BaseArgs []string `yaml:"base_args"`

	// ExtraEnv is additional subprocess environment, KEY=VALUE.
	ExtraEnv []string `yaml:"extra_env"`
}

// Config is the root configuration.
type Config struct {
	// ListenAddress is the web server's HTTP listen address.
	ListenAddress string `yaml:"listen_address"`

	// Mode is ModeLocal or ModeRemote.
	Mode string `yaml:"mode"`

	// GatewaySocket is the daemon's Unix socket path.
	GatewaySocket string `yaml:"gateway_socket"`

	// DaemonAutostart, when non-empty, is the argv the web server
	// uses to spawn the daemon on demand in remote mode.
	DaemonAutostart []string `yaml:"daemon_autostart"`

	// BufferCapacity bounds each conversation's event buffer; zero
	// means the built-in default.
	BufferCapacity int `yaml:"buffer_capacity"`

	// SessionLogDirectory, when non-empty, enables per-conversation
	// session logs under this directory. Paths ending in .zst are
	// compressed.
	SessionLogDirectory string `yaml:"session_log_dir"`

	// ProfilePath, when non-empty, points at the JSONC profile
	// presets file.
	ProfilePath string `yaml:"profile_path"`

	Agent AgentConfig `yaml:"agent"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddress: "127.0.0.1:8777",
		Mode:          ModeLocal,
		GatewaySocket: "/tmp/tiller-gateway.sock",
		Agent: AgentConfig{
			Protocol: ProtocolExec,
		},
	}
}

// Load reads and validates the configuration file at path, layered
// over Default. Unknown fields are rejected so typos fail loudly. An
// empty path applies only the defaults and environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		configuration := Default()
		configuration.applyEnvironment()
		if err := configuration.Validate(); err != nil {
			return Config{}, err
		}
		return configuration, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes, layered over Default. Environment
// variables win over the file so deployment scripts can relocate
// sockets without editing it: TILLER_LISTEN_ADDRESS,
// TILLER_GATEWAY_SOCKET, TILLER_SESSION_LOG_DIR.
func Parse(data []byte) (Config, error) {
	configuration := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&configuration); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	configuration.applyEnvironment()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func (configuration *Config) applyEnvironment() {
	if value := os.Getenv("TILLER_LISTEN_ADDRESS"); value != "" {
		configuration.ListenAddress = value
	}
	if value := os.Getenv("TILLER_GATEWAY_SOCKET"); value != "" {
		configuration.GatewaySocket = value
	}
	if value := os.Getenv("TILLER_SESSION_LOG_DIR"); value != "" {
		configuration.SessionLogDirectory = value
	}
}

// Validate checks cross-field consistency.
func (configuration Config) Validate() error {
	switch configuration.Mode {
	case ModeLocal, ModeRemote:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", configuration.Mode, ModeLocal, ModeRemote)
	}
	switch configuration.Agent.Protocol {
	case ProtocolExec, ProtocolProto:
	default:
		return fmt.Errorf("invalid agent protocol %q (want %q or %q)",
			configuration.Agent.Protocol, ProtocolExec, ProtocolProto)
	}
	if configuration.Mode == ModeRemote && configuration.GatewaySocket == "" {
		return fmt.Errorf("remote mode requires gateway_socket")
	}
	if configuration.BufferCapacity < 0 {
		return fmt.Errorf("buffer_capacity must not be negative")
	}
	return nil
}
