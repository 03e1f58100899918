// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent wraps one spawned coding-agent subprocess and
// normalizes its native event protocol into a canonical stream.
//
//   - Adapter: owns the subprocess for one conversation. It runs turns
//     (StartSession, ContinueSession), correlates approval requests to
//     decisions, harvests session identifiers and usage/rate-limit data
//     from arbitrary nested payloads, and emits canonical events to a
//     registered Sink.
//
//   - Backend: the abstraction boundary between the adapter and
//     agent-specific process management. Two implementations exist:
//     NewProtoBackend drives a structured notification protocol over a
//     persistent bidirectional pipe to a long-lived subprocess;
//     NewExecBackend spawns a process per turn and parses a
//     line-delimited JSON stream from its stdout. Backend selection is
//     a constructor-time choice.
//
//   - SessionLogWriter: optional JSONL writer (zstd-compressed when the
//     path ends in .zst) recording every canonical event with an
//     aggregated summary.
//
// The central correctness rule is delta deduplication: backends may
// emit the same assistant text through an incremental delta channel, a
// duplicate content-delta channel, and a final full-message event. The
// adapter emits assistant text exactly once per turn. See
// Adapter.handlePayload.
//
// Payload shapes are treated as opaque and best-effort parsed. A
// payload the adapter does not recognize is never an error; it passes
// through as a raw event so new backend event kinds survive the trip
// to the UI.
package agent
