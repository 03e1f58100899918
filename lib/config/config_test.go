// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLayersOverDefaults(t *testing.T) {
	configuration, err := Parse([]byte(`
mode: remote
gateway_socket: /run/tiller/gw.sock
agent:
  binary: /usr/bin/coder
  protocol: proto
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if configuration.Mode != ModeRemote {
		t.Fatalf("mode = %q", configuration.Mode)
	}
	if configuration.GatewaySocket != "/run/tiller/gw.sock" {
		t.Fatalf("gateway socket = %q", configuration.GatewaySocket)
	}
	// Untouched fields keep their defaults.
	if configuration.ListenAddress != Default().ListenAddress {
		t.Fatalf("listen address = %q, want default", configuration.ListenAddress)
	}
	if configuration.Agent.Protocol != ProtocolProto {
		t.Fatalf("protocol = %q", configuration.Agent.Protocol)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("listne_address: oops\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsInvalidMode(t *testing.T) {
	_, err := Parse([]byte("mode: clustered\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid mode") {
		t.Fatalf("error = %v, want invalid mode", err)
	}
}

func TestParseRejectsRemoteWithoutSocket(t *testing.T) {
	_, err := Parse([]byte("mode: remote\ngateway_socket: \"\"\n"))
	if err == nil || !strings.Contains(err.Error(), "gateway_socket") {
		t.Fatalf("error = %v, want gateway_socket requirement", err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("TILLER_GATEWAY_SOCKET", "/run/tiller/env.sock")

	configuration, err := Parse([]byte("gateway_socket: /tmp/file.sock\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if configuration.GatewaySocket != "/run/tiller/env.sock" {
		t.Fatalf("gateway socket = %q, want environment override", configuration.GatewaySocket)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiller.yaml")
	content := "listen_address: 0.0.0.0:9999\nbuffer_capacity: 500\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	configuration, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if configuration.ListenAddress != "0.0.0.0:9999" || configuration.BufferCapacity != 500 {
		t.Fatalf("configuration = %+v", configuration)
	}
}
