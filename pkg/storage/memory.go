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

package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const memSubscriptionBuffer = 256

type memEntry struct {
	value   string
	expires time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemStore is an in-memory implementation of Backend.
// It uses a map to store key-value pairs and a RWMutex to ensure thread safety,
// making it safe for concurrent use. Several gateways sharing one MemStore
// behave like several nodes sharing one Redis.
type MemStore struct {
	data   map[string]memEntry
	subs   map[string]map[*memSubscription]struct{}
	closed bool
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]memEntry),
		subs: make(map[string]map[*memSubscription]struct{}),
		now:  time.Now,
	}
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes values from the in-memory store.
func (s *MemStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// Exists reports whether an unexpired key is present.
func (s *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	switch err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Keys returns all unexpired keys that start with prefix. Expired entries
// found on the way are purged.
func (s *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := s.now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds unless the store is closed.
func (s *MemStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Publish delivers payload to every subscriber of channel. A subscriber whose
// buffer is full blocks the publisher until ctx is done.
func (s *MemStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memSubscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		msg := append([]byte(nil), payload...)
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscriber for channel.
func (s *MemStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub := &memSubscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, memSubscriptionBuffer),
		done:    make(chan struct{}),
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memSubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close drops all data and ends every subscription.
func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memSubscription
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[*memSubscription]struct{})
	s.data = make(map[string]memEntry)
	s.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
	return nil
}

func (s *MemStore) unsubscribe(sub *memSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subs[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subs, sub.channel)
		}
	}
}

type memSubscription struct {
	store   *MemStore
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
}

func (m *memSubscription) Messages() <-chan []byte {
	return m.ch
}

func (m *memSubscription) Close() error {
	m.store.unsubscribe(m)
	m.shutdown()
	return nil
}

func (m *memSubscription) shutdown() {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		close(m.ch)
		m.mu.Unlock()
	})
}

func (m *memSubscription) deliver(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	default:
	}
	select {
	case m.ch <- payload:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
