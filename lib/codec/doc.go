// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Tiller's standard CBOR encoding configuration.
//
// Tiller uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the web server's HTTP API, the SSE
//     event stream, session log files, and the wrapped agents' native
//     line protocols.
//   - CBOR for internal protocols: the web-server↔daemon gateway socket
//     and any on-disk daemon state.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Tiller package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (state files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the gateway socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON. Examples: gateway request/response
//     envelopes.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: buffered stream
//     entries, usage and rate-limit reports, which travel over the
//     gateway socket and are also served as JSON.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
