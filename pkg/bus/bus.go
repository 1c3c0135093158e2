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

// Package bus is the control bus shared by every gateway node. Each node
// publishes directives on one pub/sub channel per namespace and applies the
// directives of the other nodes to its own connections.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/storage"
	"go.uber.org/zap"
)

// Kind names what a directive asks the receiving connections to do.
type Kind string

const (
	// KindFrame delivers a pre-encoded application frame.
	KindFrame Kind = "frame"
	// KindDuplicateLogin evicts the connection that lost ownership of a uid.
	KindDuplicateLogin Kind = "duplicate_login"
	// KindRoomChange joins and leaves tags.
	KindRoomChange Kind = "room_change"
)

// Directive is the unit of traffic on the bus.
type Directive struct {
	Origin    string `json:"origin"`
	Namespace string `json:"namespace"`
	Kind      Kind   `json:"kind"`
	// Rooms selects the target connections; empty means all of them.
	Rooms []string `json:"rooms,omitempty"`
	// Except lists connection ids left out even when they joined Rooms.
	Except []string `json:"except,omitempty"`
	// Frame is set for KindFrame.
	Frame string `json:"frame,omitempty"`
	// Payload carries kind-specific arguments, see RoomChange.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomChange is the payload of a KindRoomChange directive. Both fields hold
// tag names joined with the configured separator.
type RoomChange struct {
	Joins  string `json:"joins,omitempty"`
	Leaves string `json:"leaves,omitempty"`
}

// Dispatcher applies a directive to local connections.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *Directive)
}

// ErrNotStarted is returned by Close on a bus that was never started.
var ErrNotStarted = errors.New("bus: not started")

// Config identifies the node on the bus.
type Config struct {
	NodeID    string
	Namespace string
	// Channel is the full pub/sub channel name, see ChannelName.
	Channel string
}

// ChannelName builds the bus channel for a namespace.
func ChannelName(prefix, channel, namespace string) string {
	return prefix + channel + "#" + namespace
}

// Bus publishes directives and feeds the ones from other nodes to a
// Dispatcher.
type Bus struct {
	cfg        Config
	ps         storage.PubSub
	dispatcher Dispatcher
	logger     *zap.Logger

	mu   sync.Mutex
	sub  storage.Subscription
	done chan struct{}
}

// New creates a Bus. It does not subscribe until Start.
func New(ps storage.PubSub, cfg Config, dispatcher Dispatcher, logger *zap.Logger) *Bus {
	return &Bus{
		cfg:        cfg,
		ps:         ps,
		dispatcher: dispatcher,
		logger:     logger.Named("bus").With(zap.String("node", cfg.NodeID)),
	}
}

// Publish stamps the directive with this node's origin and namespace and
// sends it to every other node.
func (b *Bus) Publish(ctx context.Context, d Directive) error {
	d.Origin = b.cfg.NodeID
	d.Namespace = b.cfg.Namespace
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode directive: %w", err)
	}
	if err := b.ps.Publish(ctx, b.cfg.Channel, payload); err != nil {
		metrics.BusDirectivesTotal.WithLabelValues(string(d.Kind), "publish_error").Inc()
		return fmt.Errorf("publish directive: %w", err)
	}
	metrics.BusDirectivesTotal.WithLabelValues(string(d.Kind), "published").Inc()
	return nil
}

// Start subscribes to the bus channel and processes directives in a new
// goroutine until ctx is done or Close is called. The subscription is active
// when Start returns.
func (b *Bus) Start(ctx context.Context) error {
	sub, err := b.ps.Subscribe(ctx, b.cfg.Channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.Channel, err)
	}
	done := make(chan struct{})

	b.mu.Lock()
	b.sub, b.done = sub, done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.loop(ctx, sub)
	}()
	b.logger.Info("Control bus subscribed", zap.String("channel", b.cfg.Channel))
	return nil
}

// Close unsubscribes and waits for the processing goroutine to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	sub, done := b.sub, b.done
	b.mu.Unlock()
	if sub == nil {
		return ErrNotStarted
	}
	err := sub.Close()
	<-done
	return err
}

func (b *Bus) loop(ctx context.Context, sub storage.Subscription) {
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			b.handle(ctx, payload)
		}
	}
}

// handle decodes one bus message and hands it to the dispatcher unless it is
// this node's own echo or belongs to another namespace.
func (b *Bus) handle(ctx context.Context, payload []byte) {
	var d Directive
	if err := json.Unmarshal(payload, &d); err != nil {
		metrics.BusDirectivesTotal.WithLabelValues("unknown", "malformed").Inc()
		b.logger.Warn("Dropped undecodable directive", zap.Error(err))
		return
	}
	kind := string(d.Kind)
	if d.Origin == b.cfg.NodeID {
		metrics.BusDirectivesTotal.WithLabelValues(kind, "self").Inc()
		return
	}
	if d.Namespace != b.cfg.Namespace {
		metrics.BusDirectivesTotal.WithLabelValues(kind, "foreign_namespace").Inc()
		return
	}
	metrics.BusDirectivesTotal.WithLabelValues(kind, "applied").Inc()
	b.dispatcher.Dispatch(ctx, &d)
}
