// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/tiller-agent/tiller/agent"
)

// ConfigFingerprint is a stable digest of the execution-relevant turn
// configuration. Two configs with the same fingerprint can safely share
// a live agent session; a fingerprint change means the running
// subprocess was launched with the wrong settings and must be
// replaced.
type ConfigFingerprint string

// FingerprintConfig digests the canonicalized config fields. Field
// values are length-prefix-free but separated by NUL, which cannot
// appear in any of them.
func FingerprintConfig(config agent.TurnConfig) ConfigFingerprint {
	hasher := blake3.New()
	for _, field := range []string{
		config.Cwd,
		string(config.Sandbox),
		string(config.ApprovalPolicy),
		config.Model,
		string(config.ReasoningEffort),
	} {
		hasher.WriteString(field)
		hasher.Write([]byte{0})
	}
	return ConfigFingerprint(hex.EncodeToString(hasher.Sum(nil)))
}
