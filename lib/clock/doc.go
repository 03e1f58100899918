// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Tests inject
// [Fake] and drive timer-based behavior deterministically with
// [FakeClock.Advance]; production wiring passes [Real].
//
// Every recurring timer in this repo (the turn heartbeat, the gateway
// self-heal sweep, the stream endpoint's completion polling, the bridge
// poll loop) runs off an injected Clock so its behavior is testable
// without wall-clock sleeps.
package clock
