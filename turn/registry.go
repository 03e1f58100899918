// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"fmt"
	"sync"
)

// Registry maps conversation keys to runners, creating each runner on
// first use. Safe for concurrent use; exactly one runner ever exists
// per key.
type Registry struct {
	factory func(key string) (*Runner, error)

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewRegistry creates a Registry using the given factory to build
// runners on demand.
func NewRegistry(factory func(key string) (*Runner, error)) *Registry {
	return &Registry{
		factory: factory,
		runners: make(map[string]*Runner),
	}
}

// Get returns the runner for key, creating it on first use.
func (registry *Registry) Get(key string) (*Runner, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if runner, ok := registry.runners[key]; ok {
		return runner, nil
	}
	runner, err := registry.factory(key)
	if err != nil {
		return nil, fmt.Errorf("creating runner for %q: %w", key, err)
	}
	registry.runners[key] = runner
	return runner, nil
}

// Lookup returns the runner for key, or ErrNotFound when none has been
// created.
func (registry *Registry) Lookup(key string) (*Runner, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if runner, ok := registry.runners[key]; ok {
		return runner, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
}

// Remove drops the runner for key. The caller is responsible for
// aborting any in-flight turn first.
func (registry *Registry) Remove(key string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.runners, key)
}

// Keys returns the keys of all live runners.
func (registry *Registry) Keys() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	keys := make([]string, 0, len(registry.runners))
	for key := range registry.runners {
		keys = append(keys, key)
	}
	return keys
}
