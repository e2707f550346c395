// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps action names to action instances.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at
// startup, but the lock keeps late registration (tests, plugins) safe.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: map[string]Action{}}
}

// Register binds name to action, replacing any previous binding.
func (r *Registry) Register(name string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
}

// Get returns the action bound to name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	return a, nil
}

// Names returns the registered action names as a set, for the
// validator's allowlist.
func (r *Registry) Names() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.actions))
	for name := range r.actions {
		out[name] = struct{}{}
	}
	return out
}

// SortedNames returns the registered action names in lexical order,
// for listings and error messages.
func (r *Registry) SortedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
