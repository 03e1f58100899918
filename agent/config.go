// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "fmt"

// SandboxMode controls the filesystem/network policy the wrapped agent
// runs under. The policy is forwarded to the agent subprocess, which
// implements the actual enforcement.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxDangerFull     SandboxMode = "danger-full-access"
)

// ApprovalPolicy controls when the agent pauses for an approval
// decision before running a command.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalNever     ApprovalPolicy = "never"
)

// ReasoningEffort selects how much reasoning the model spends per
// request. Empty means the backend default.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
	EffortXHigh  ReasoningEffort = "xhigh"
)

// TurnConfig is the execution configuration for one turn. The wrapped
// agent protocol cannot change any of these mid-session; a change
// between turns forces a fresh agent session.
type TurnConfig struct {
	// Cwd is the working directory for the agent process. Empty
	// means the current directory of the owning process.
	Cwd string `json:"cwd,omitempty"`

	Sandbox        SandboxMode    `json:"sandbox"`
	ApprovalPolicy ApprovalPolicy `json:"approval_policy"`

	// Model is the backend model identifier. Empty means the
	// backend default.
	Model string `json:"model,omitempty"`

	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
}

// Validate checks enum fields, tolerating empty optional ones.
func (config TurnConfig) Validate() error {
	switch config.Sandbox {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFull:
	default:
		return fmt.Errorf("invalid sandbox mode %q", config.Sandbox)
	}
	switch config.ApprovalPolicy {
	case ApprovalUntrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
	default:
		return fmt.Errorf("invalid approval policy %q", config.ApprovalPolicy)
	}
	switch config.ReasoningEffort {
	case "", EffortLow, EffortMedium, EffortHigh, EffortXHigh:
	default:
		return fmt.Errorf("invalid reasoning effort %q", config.ReasoningEffort)
	}
	return nil
}
