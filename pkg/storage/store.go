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

// package storage provides the shared key-value and publish/subscribe
// boundary that every gateway node talks to. Two implementations exist: an
// in-memory one for tests and single-node deployments, and a Redis one for
// clusters.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by operations on a store that has been closed.
	ErrClosed = errors.New("store closed")
)

// Store defines the key-value operations shared by all nodes.
// Each call is independently atomic; there are no multi-key transactions.
type Store interface {
	// Get retrieves a value by key. It returns ErrNotFound if the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (string, error)
	// Set adds or updates a value. A ttl of zero means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns every key that starts with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Subscription is a live subscription to a pub/sub channel.
type Subscription interface {
	// Messages returns the channel on which payloads are delivered. It is
	// closed when the subscription ends.
	Messages() <-chan []byte
	// Close ends the subscription.
	Close() error
}

// PubSub is the broadcast primitive used by the control bus.
type PubSub interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving payloads published to channel. The
	// subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Backend is a store that also provides pub/sub, as Redis does.
type Backend interface {
	Store
	PubSub
	Close() error
}
