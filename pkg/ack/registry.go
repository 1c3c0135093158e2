// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ack correlates outbound frames with client acknowledgments and
// answers, after a fixed delay, which recipients confirmed a message.
package ack

import "sync"

// Registry holds the pending acknowledgment callbacks of one connection.
// Ids grow monotonically for the lifetime of the connection and are never
// reused, not even after Reset.
type Registry struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[int64]func())}
}

// Register stores a one-shot callback and returns its id.
func (r *Registry) Register(cb func()) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.pending[id] = cb
	return id
}

// Fire runs and forgets the callback registered under id. It reports whether
// a callback was pending. The callback runs outside the registry lock.
func (r *Registry) Fire(id int64) bool {
	r.mu.Lock()
	cb, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	cb()
	return true
}

// Reset drops every pending callback. The id counter is kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[int64]func())
}

// Pending returns the number of callbacks waiting for an ack.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
