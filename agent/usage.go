// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Usage is normalized token usage harvested from backend payloads.
type Usage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int64 `json:"total_tokens,omitempty"`
}

// RateLimitWindow is one normalized rate-limit window.
type RateLimitWindow struct {
	// UsedPercent is how much of the window has been consumed,
	// 0 to 100.
	UsedPercent float64 `json:"used_percent"`

	// WindowMinutes is the window length. Zero when the backend
	// reported no recognizable window size.
	WindowMinutes int64 `json:"window_minutes,omitempty"`

	// ResetsAt is the absolute reset time in Unix milliseconds.
	// Zero when the backend reported no recognizable reset time.
	ResetsAt int64 `json:"resets_at,omitempty"`
}

// RateLimits holds the windows a backend reports. Backends that
// report a single unnamed window populate Primary.
type RateLimits struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
}

// maxSearchDepth bounds the recursive payload search. Usage and
// rate-limit objects sit near the top of real payloads; six levels is
// generous and keeps pathological inputs cheap.
const maxSearchDepth = 6

var usageKeys = []string{"usage", "token_usage", "tokenUsage", "total_token_usage", "last_token_usage"}

var rateLimitKeys = []string{"rate_limits", "rateLimits", "rate_limit_windows", "rateLimitWindows"}

// extractUsage searches a payload for a token-usage object and
// normalizes it. Returns nil when nothing recognizable is found.
func extractUsage(root map[string]any) *Usage {
	found := searchKeyed(root, usageKeys, looksLikeUsage, 0, newSeenSet())
	if found == nil {
		return nil
	}
	return &Usage{
		InputTokens:           int64Field(found, "input_tokens", "inputTokens", "prompt_tokens"),
		CachedInputTokens:     int64Field(found, "cached_input_tokens", "cachedInputTokens", "cache_read_input_tokens"),
		OutputTokens:          int64Field(found, "output_tokens", "outputTokens", "completion_tokens"),
		ReasoningOutputTokens: int64Field(found, "reasoning_output_tokens", "reasoningOutputTokens"),
		TotalTokens:           int64Field(found, "total_tokens", "totalTokens"),
	}
}

// extractRateLimits searches a payload for a rate-limits object and
// normalizes its windows against the given reference time. Returns
// nil when nothing recognizable is found.
func extractRateLimits(root map[string]any, now time.Time) *RateLimits {
	found := searchKeyed(root, rateLimitKeys, looksLikeRateLimits, 0, newSeenSet())
	if found == nil {
		return nil
	}

	limits := &RateLimits{}
	if window, ok := found["primary"].(map[string]any); ok {
		limits.Primary = normalizeRateLimitWindow(window, now)
	}
	if window, ok := found["secondary"].(map[string]any); ok {
		limits.Secondary = normalizeRateLimitWindow(window, now)
	}
	// A rate-limits object that is itself a window (no named
	// sub-windows) becomes the primary.
	if limits.Primary == nil && limits.Secondary == nil {
		limits.Primary = normalizeRateLimitWindow(found, now)
	}
	if limits.Primary == nil && limits.Secondary == nil {
		return nil
	}
	return limits
}

// searchKeyed walks the payload tree looking for a map stored under
// one of the given keys (snake_case and camelCase spellings included
// in the key list) whose shape passes the accept check. Depth-bounded
// and cycle-guarded: payloads are opaque and occasionally shared
// between events in process.
func searchKeyed(object map[string]any, keys []string, accept func(map[string]any) bool, depth int, seen seenSet) map[string]any {
	if depth > maxSearchDepth || !seen.add(object) {
		return nil
	}
	for _, key := range keys {
		if candidate, ok := object[key].(map[string]any); ok && accept(candidate) {
			return candidate
		}
	}
	for _, value := range object {
		child, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if found := searchKeyed(child, keys, accept, depth+1, seen); found != nil {
			return found
		}
	}
	return nil
}

// seenSet guards the recursive search against cyclic map structures.
type seenSet map[uintptr]struct{}

func newSeenSet() seenSet { return make(seenSet) }

// add records the map's pointer identity; returns false when the map
// was already visited.
func (seen seenSet) add(object map[string]any) bool {
	pointer := reflect.ValueOf(object).Pointer()
	if _, visited := seen[pointer]; visited {
		return false
	}
	seen[pointer] = struct{}{}
	return true
}

func looksLikeUsage(candidate map[string]any) bool {
	_, hasInput := numberField(candidate, "input_tokens", "inputTokens", "prompt_tokens")
	_, hasOutput := numberField(candidate, "output_tokens", "outputTokens", "completion_tokens")
	_, hasTotal := numberField(candidate, "total_tokens", "totalTokens")
	return hasInput || hasOutput || hasTotal
}

func looksLikeRateLimits(candidate map[string]any) bool {
	if _, ok := candidate["primary"].(map[string]any); ok {
		return true
	}
	if _, ok := candidate["secondary"].(map[string]any); ok {
		return true
	}
	return looksLikeWindow(candidate)
}

func looksLikeWindow(candidate map[string]any) bool {
	_, hasUsed := numberField(candidate, "used_percent", "usedPercent")
	_, hasRemaining := numberField(candidate, "remaining_percent", "remainingPercent")
	_, hasPair := numberField(candidate, "used")
	return hasUsed || hasRemaining || hasPair
}

// normalizeRateLimitWindow derives the canonical window fields from
// whichever spellings the backend used. The fallback order is
// deterministic:
//
//   - used_percent: used_percent > remaining_percent (inverted) >
//     used/limit pair.
//   - window_minutes: window_minutes > window_seconds (divided) >
//     window/label string ("5h", "7d", "weekly", ...).
//   - resets_at: resets_in_seconds (relative) > resets_at, where a
//     bare number within ~5 days' worth of seconds is treated as a
//     relative offset from now, anything larger as an absolute epoch
//     timestamp (seconds scaled to milliseconds; values already in
//     milliseconds pass through).
//
// Returns nil when no usage figure of any spelling is present.
func normalizeRateLimitWindow(window map[string]any, now time.Time) *RateLimitWindow {
	normalized := &RateLimitWindow{}

	if used, ok := numberField(window, "used_percent", "usedPercent"); ok {
		normalized.UsedPercent = used
	} else if remaining, ok := numberField(window, "remaining_percent", "remainingPercent"); ok {
		normalized.UsedPercent = 100 - remaining
	} else if used, ok := numberField(window, "used"); ok {
		limit, hasLimit := numberField(window, "limit")
		if !hasLimit || limit <= 0 {
			return nil
		}
		normalized.UsedPercent = used / limit * 100
	} else {
		return nil
	}

	if minutes, ok := numberField(window, "window_minutes", "windowMinutes"); ok {
		normalized.WindowMinutes = int64(minutes)
	} else if seconds, ok := numberField(window, "window_seconds", "windowSeconds"); ok {
		normalized.WindowMinutes = int64(seconds / 60)
	} else if label := firstNonEmpty(stringField(window, "window"), stringField(window, "label")); label != "" {
		normalized.WindowMinutes = windowLabelMinutes(label)
	}

	if seconds, ok := numberField(window, "resets_in_seconds", "resetsInSeconds", "reset_after_seconds"); ok {
		normalized.ResetsAt = now.Add(time.Duration(seconds) * time.Second).UnixMilli()
	} else if value, ok := numberField(window, "resets_at", "resetsAt", "reset_at"); ok {
		normalized.ResetsAt = normalizeResetTimestamp(value, now)
	}

	return normalized
}

// relativeResetCutoff is the largest value treated as a relative
// offset in seconds. Five days: no observed backend reports a
// rate-limit window longer than a week, and no epoch timestamp of
// interest is this small.
const relativeResetCutoff = 5 * 24 * 60 * 60

// millisecondCutoff separates epoch seconds from epoch milliseconds.
// 1e11 seconds is year 5138; 1e11 milliseconds is 1973.
const millisecondCutoff = 1e11

func normalizeResetTimestamp(value float64, now time.Time) int64 {
	switch {
	case value <= relativeResetCutoff:
		return now.Add(time.Duration(value) * time.Second).UnixMilli()
	case value < millisecondCutoff:
		return int64(value * 1000)
	default:
		return int64(value)
	}
}

// windowLabelMinutes parses window labels like "30m", "5h", "7d",
// "hourly", "daily", "weekly". Returns 0 for anything unrecognized.
func windowLabelMinutes(label string) int64 {
	switch strings.ToLower(label) {
	case "hourly":
		return 60
	case "daily":
		return 24 * 60
	case "weekly":
		return 7 * 24 * 60
	}
	if len(label) < 2 {
		return 0
	}
	value, err := strconv.ParseInt(label[:len(label)-1], 10, 64)
	if err != nil || value <= 0 {
		return 0
	}
	switch label[len(label)-1] {
	case 'm':
		return value
	case 'h':
		return value * 60
	case 'd':
		return value * 24 * 60
	}
	return 0
}

func numberField(object map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch value := object[key].(type) {
		case float64:
			return value, true
		case int:
			return float64(value), true
		case int64:
			return float64(value), true
		}
	}
	return 0, false
}

func int64Field(object map[string]any, keys ...string) int64 {
	value, _ := numberField(object, keys...)
	return int64(value)
}
