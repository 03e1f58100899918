// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"testing"
	"time"
)

func decodePayload(t *testing.T, payload string) map[string]any {
	t.Helper()
	var root map[string]any
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	return root
}

func TestExtractUsageSpellings(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Usage
	}{
		{
			name:    "snake case",
			payload: `{"usage":{"input_tokens":100,"cached_input_tokens":80,"output_tokens":25,"total_tokens":125}}`,
			want:    Usage{InputTokens: 100, CachedInputTokens: 80, OutputTokens: 25, TotalTokens: 125},
		},
		{
			name:    "camel case nested",
			payload: `{"msg":{"type":"token_count","tokenUsage":{"inputTokens":7,"outputTokens":3}}}`,
			want:    Usage{InputTokens: 7, OutputTokens: 3},
		},
		{
			name:    "openai style names",
			payload: `{"usage":{"prompt_tokens":50,"completion_tokens":10}}`,
			want:    Usage{InputTokens: 50, OutputTokens: 10},
		},
		{
			name:    "cumulative totals",
			payload: `{"msg":{"info":{"total_token_usage":{"input_tokens":9000,"output_tokens":400}}}}`,
			want:    Usage{InputTokens: 9000, OutputTokens: 400},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			usage := extractUsage(decodePayload(t, test.payload))
			if usage == nil {
				t.Fatal("extractUsage returned nil")
			}
			if *usage != test.want {
				t.Fatalf("usage = %+v, want %+v", *usage, test.want)
			}
		})
	}
}

func TestExtractUsageAbsent(t *testing.T) {
	root := decodePayload(t, `{"msg":{"type":"agent_message","message":"hi"}}`)
	if usage := extractUsage(root); usage != nil {
		t.Fatalf("extractUsage = %+v, want nil", usage)
	}
}

// The three equivalent spellings of a 40% consumed window all
// normalize to the same canonical figure.
func TestNormalizeUsedPercentEquivalence(t *testing.T) {
	now := time.Now()
	payloads := []string{
		`{"used_percent":40}`,
		`{"remaining_percent":60}`,
		`{"used":40,"limit":100}`,
	}
	for _, payload := range payloads {
		window := normalizeRateLimitWindow(decodePayload(t, payload), now)
		if window == nil {
			t.Fatalf("window %s normalized to nil", payload)
		}
		if window.UsedPercent != 40 {
			t.Fatalf("window %s used_percent = %v, want 40", payload, window.UsedPercent)
		}
	}
}

func TestNormalizeWindowMinutes(t *testing.T) {
	now := time.Now()
	tests := []struct {
		payload string
		want    int64
	}{
		{`{"used_percent":1,"window_minutes":300}`, 300},
		{`{"used_percent":1,"window_seconds":18000}`, 300},
		{`{"used_percent":1,"window":"5h"}`, 300},
		{`{"used_percent":1,"window":"30m"}`, 30},
		{`{"used_percent":1,"label":"7d"}`, 7 * 24 * 60},
		{`{"used_percent":1,"window":"weekly"}`, 7 * 24 * 60},
		{`{"used_percent":1,"window":"sometime"}`, 0},
		{`{"used_percent":1}`, 0},
	}
	for _, test := range tests {
		window := normalizeRateLimitWindow(decodePayload(t, test.payload), now)
		if window == nil {
			t.Fatalf("window %s normalized to nil", test.payload)
		}
		if window.WindowMinutes != test.want {
			t.Fatalf("window %s minutes = %d, want %d", test.payload, window.WindowMinutes, test.want)
		}
	}
}

func TestNormalizeResetTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Explicit relative field.
	window := normalizeRateLimitWindow(decodePayload(t, `{"used_percent":1,"resets_in_seconds":120}`), now)
	if want := now.Add(2 * time.Minute).UnixMilli(); window.ResetsAt != want {
		t.Fatalf("relative reset = %d, want %d", window.ResetsAt, want)
	}

	// A small bare number is a relative offset.
	window = normalizeRateLimitWindow(decodePayload(t, `{"used_percent":1,"resets_at":3600}`), now)
	if want := now.Add(time.Hour).UnixMilli(); window.ResetsAt != want {
		t.Fatalf("small reset = %d, want %d", window.ResetsAt, want)
	}

	// Epoch seconds scale to milliseconds.
	window = normalizeRateLimitWindow(decodePayload(t, `{"used_percent":1,"resets_at":1770000000}`), now)
	if want := int64(1770000000) * 1000; window.ResetsAt != want {
		t.Fatalf("epoch-seconds reset = %d, want %d", window.ResetsAt, want)
	}

	// Epoch milliseconds pass through.
	window = normalizeRateLimitWindow(decodePayload(t, `{"used_percent":1,"resets_at":1770000000000}`), now)
	if want := int64(1770000000000); window.ResetsAt != want {
		t.Fatalf("epoch-ms reset = %d, want %d", window.ResetsAt, want)
	}
}

func TestNormalizeWindowWithoutUsage(t *testing.T) {
	now := time.Now()
	if window := normalizeRateLimitWindow(decodePayload(t, `{"window_minutes":300}`), now); window != nil {
		t.Fatalf("window without usage = %+v, want nil", window)
	}
	// A used figure with no limit is not a usable ratio.
	if window := normalizeRateLimitWindow(decodePayload(t, `{"used":40}`), now); window != nil {
		t.Fatalf("used-without-limit window = %+v, want nil", window)
	}
}

func TestExtractRateLimitsShapes(t *testing.T) {
	now := time.Now()

	// Named primary and secondary sub-windows.
	limits := extractRateLimits(decodePayload(t, `{"rate_limits":{"primary":{"used_percent":40},"secondary":{"remaining_percent":10}}}`), now)
	if limits == nil || limits.Primary == nil || limits.Secondary == nil {
		t.Fatalf("limits = %+v", limits)
	}
	if limits.Primary.UsedPercent != 40 || limits.Secondary.UsedPercent != 90 {
		t.Fatalf("windows = %+v / %+v", limits.Primary, limits.Secondary)
	}

	// A bare window becomes the primary.
	limits = extractRateLimits(decodePayload(t, `{"rateLimits":{"used_percent":12.5}}`), now)
	if limits == nil || limits.Primary == nil || limits.Primary.UsedPercent != 12.5 {
		t.Fatalf("bare-window limits = %+v", limits)
	}
	if limits.Secondary != nil {
		t.Fatalf("unexpected secondary: %+v", limits.Secondary)
	}

	// Nothing recognizable.
	if limits := extractRateLimits(decodePayload(t, `{"msg":{"type":"agent_message"}}`), now); limits != nil {
		t.Fatalf("limits = %+v, want nil", limits)
	}
}

func TestSearchDepthBound(t *testing.T) {
	// Bury the usage object below the depth bound; the search must
	// give up rather than find it.
	deep := map[string]any{"usage": map[string]any{"input_tokens": float64(1)}}
	for range maxSearchDepth + 1 {
		deep = map[string]any{"wrap": deep}
	}
	if usage := extractUsage(deep); usage != nil {
		t.Fatalf("found usage below depth bound: %+v", usage)
	}
}

func TestSearchCycleGuard(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	// Must terminate without finding anything.
	if usage := extractUsage(cyclic); usage != nil {
		t.Fatalf("usage = %+v, want nil", usage)
	}
}
