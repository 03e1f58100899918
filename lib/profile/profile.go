// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile loads named turn-configuration presets from a JSONC
// file. Presets let the web UI offer "read-only exploration" or "full
// access" choices without spelling out sandbox and approval settings
// per request. Comments are allowed in the file; unknown fields are
// not.
package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/tiller-agent/tiller/agent"
)

// Set maps profile names to turn configurations.
type Set map[string]agent.TurnConfig

// Load reads and validates a JSONC profile file.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles %q: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing profiles %q: %w", path, err)
	}
	return set, nil
}

// Parse decodes JSONC profile bytes.
func Parse(data []byte) (Set, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()

	var set Set
	if err := decoder.Decode(&set); err != nil {
		return nil, err
	}
	for name, configuration := range set {
		if err := configuration.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return set, nil
}

// Resolve returns the named profile's configuration.
func (set Set) Resolve(name string) (agent.TurnConfig, error) {
	configuration, ok := set[name]
	if !ok {
		return agent.TurnConfig{}, fmt.Errorf("unknown profile %q (have %v)", name, set.Names())
	}
	return configuration, nil
}

// Names returns the profile names, sorted.
func (set Set) Names() []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
