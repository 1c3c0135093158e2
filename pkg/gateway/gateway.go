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

// Package gateway ties the node together. It owns the sessions of the local
// connections, applies control bus directives to them and exposes the fanout
// operations used by the administrative API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/pushgate/pkg/ack"
	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/bus"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/mutation"
	"github.com/turtacn/pushgate/pkg/presence"
	"github.com/turtacn/pushgate/pkg/protocol/frame"
	"github.com/turtacn/pushgate/pkg/session"
	"github.com/turtacn/pushgate/pkg/storage"
	"github.com/turtacn/pushgate/pkg/supervisor"
	"github.com/turtacn/pushgate/pkg/transport"
	"go.uber.org/zap"
)

// Config holds the gateway settings.
type Config struct {
	NodeID    string
	Namespace string
	// BusChannel is the full control bus channel name.
	BusChannel string
	// Separator splits tag lists carried in room change directives.
	Separator      string
	ConfirmDelay   time.Duration
	StoreTimeout   time.Duration
	MailboxSize    int
	RestartBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = frame.RootNamespace
	}
	if c.BusChannel == "" {
		c.BusChannel = bus.ChannelName("", "pushgate", c.Namespace)
	}
	if c.Separator == "" {
		c.Separator = ","
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 3 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	return c
}

type entry struct {
	sess *session.Session
	mb   *actor.Mailbox
	stop context.CancelFunc
}

// Gateway is one node of the cluster.
type Gateway struct {
	cfg       Config
	hub       *transport.Hub
	presence  presence.Store
	bus       *bus.Bus
	confirmer *ack.Confirmer
	mutator   mutation.Mutator
	sup       *supervisor.OneForOneSupervisor
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New creates a Gateway. ps carries the control bus; store holds presence.
func New(cfg Config, store presence.Store, ps storage.PubSub, mutator mutation.Mutator, logger *zap.Logger) *Gateway {
	cfg = cfg.withDefaults()
	logger = logger.Named("gateway").With(zap.String("node", cfg.NodeID))
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg,
		hub:       transport.NewHub(),
		presence:  store,
		confirmer: ack.NewConfirmer(store, cfg.ConfirmDelay, logger),
		mutator:   mutator,
		sup:       supervisor.NewOneForOneSupervisor(logger, cfg.RestartBackoff),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*entry),
	}
	g.bus = bus.New(ps, bus.Config{
		NodeID:    cfg.NodeID,
		Namespace: cfg.Namespace,
		Channel:   cfg.BusChannel,
	}, g, logger)
	return g
}

// Start subscribes to the control bus. Directives are processed until Stop.
func (g *Gateway) Start() error {
	if err := g.bus.Start(g.ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	g.logger.Info("Gateway started", zap.String("namespace", g.cfg.Namespace))
	return nil
}

// Stop closes every local session, leaves the bus and waits for the session
// actors to exit.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	open := make([]*entry, 0, len(g.sessions))
	for id, e := range g.sessions {
		open = append(open, e)
		delete(g.sessions, id)
	}
	g.mu.Unlock()

	for _, e := range open {
		e.stop()
		e.sess.Close(ctx)
		metrics.ConnectionsActive.Dec()
	}
	err := g.bus.Close()
	g.cancel()
	g.sup.Wait()
	g.logger.Info("Gateway stopped", zap.Int("closed_sessions", len(open)))
	return err
}

// NodeID returns the node id.
func (g *Gateway) NodeID() string {
	return g.cfg.NodeID
}

// Hub returns the local room membership.
func (g *Gateway) Hub() *transport.Hub {
	return g.hub
}

// Session returns the local session of a connection.
func (g *Gateway) Session(connID string) (*session.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.sessions[connID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Sessions returns the number of local sessions.
func (g *Gateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Open implements transport.Handler.
func (g *Gateway) Open(c transport.Conn) {
	sess := session.New(c, session.Deps{
		Hub:          g.hub,
		Presence:     g.presence,
		Mutator:      g.mutator,
		Evictor:      g,
		Namespace:    g.cfg.Namespace,
		StoreTimeout: g.cfg.StoreTimeout,
		Logger:       g.logger,
	})
	mb := actor.NewMailbox(g.cfg.MailboxSize)
	actorCtx, stop := context.WithCancel(g.ctx)

	g.mu.Lock()
	g.sessions[c.ID()] = &entry{sess: sess, mb: mb, stop: stop}
	g.mu.Unlock()

	g.sup.StartChild(actorCtx, supervisor.Spec{
		ID:      "session-" + c.ID(),
		Actor:   sess,
		Restart: supervisor.RestartTransient,
		Mailbox: mb,
	})
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	g.logger.Debug("Connection opened", zap.String("conn", c.ID()), zap.String("remote", c.RemoteAddr()))
}

// Receive implements transport.Handler. It queues the frame for the session
// actor, blocking the connection's reader while the mailbox is full.
func (g *Gateway) Receive(c transport.Conn, raw string) {
	g.post(g.ctx, c.ID(), session.Inbound(raw))
}

// Close implements transport.Handler. The session is logged out before
// Close returns.
func (g *Gateway) Close(c transport.Conn) {
	g.mu.Lock()
	e, ok := g.sessions[c.ID()]
	delete(g.sessions, c.ID())
	g.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	e.stop()
	e.sess.Close(ctx)
	metrics.ConnectionsActive.Dec()
	g.logger.Debug("Connection closed", zap.String("conn", c.ID()))
}

// post queues msg for the actor of connID, waiting for room in its mailbox.
// Unknown connections are ignored.
func (g *Gateway) post(ctx context.Context, connID string, msg any) {
	e, ok := g.entry(connID)
	if !ok {
		return
	}
	if err := e.mb.Send(ctx, msg); err != nil {
		g.logger.Warn("Dropped mailbox message", zap.String("conn", connID), zap.Error(err))
	}
}

// offer queues a directive for the actor of connID without waiting. A full
// mailbox drops the directive.
func (g *Gateway) offer(kind bus.Kind, connID string, msg any) {
	e, ok := g.entry(connID)
	if !ok {
		return
	}
	if err := e.mb.TrySend(msg); err != nil {
		metrics.MailboxDropsTotal.WithLabelValues(string(kind)).Inc()
		g.logger.Warn("Dropped directive for busy session",
			zap.String("conn", connID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (g *Gateway) entry(connID string) (*entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.sessions[connID]
	return e, ok
}

// Dispatch implements bus.Dispatcher. It resolves the directive's rooms to
// local connections and applies the directive to each of them. It never
// waits on a session.
func (g *Gateway) Dispatch(ctx context.Context, d *bus.Directive) {
	members := g.hub.Members(d.Rooms, d.Except)
	if len(members) == 0 {
		return
	}

	switch d.Kind {
	case bus.KindFrame:
		for _, m := range members {
			m.Deliver(d.Frame)
		}
	case bus.KindDuplicateLogin:
		for _, m := range members {
			g.offer(d.Kind, m.ID(), session.EvictRequest{})
		}
	case bus.KindRoomChange:
		var rc bus.RoomChange
		if err := json.Unmarshal(d.Payload, &rc); err != nil {
			g.logger.Warn("Dropped room change with bad payload", zap.Error(err))
			return
		}
		req := session.RoomChangeRequest{
			Joins:  g.split(rc.Joins),
			Leaves: g.split(rc.Leaves),
		}
		for _, m := range members {
			g.offer(d.Kind, m.ID(), req)
		}
	default:
		g.logger.Warn("Dropped directive of unknown kind", zap.String("kind", string(d.Kind)))
	}
}

// DuplicateLogin implements session.Evictor.
func (g *Gateway) DuplicateLogin(ctx context.Context, uid, ownerConnID, connID string) error {
	return g.emit(ctx, bus.Directive{
		Kind:   bus.KindDuplicateLogin,
		Rooms:  []string{ownerConnID},
		Except: []string{connID},
	})
}

// emit applies a directive locally and publishes it for the other nodes.
func (g *Gateway) emit(ctx context.Context, d bus.Directive) error {
	d.Origin = g.cfg.NodeID
	d.Namespace = g.cfg.Namespace
	g.Dispatch(ctx, &d)
	return g.bus.Publish(ctx, d)
}

func (g *Gateway) split(list string) []string {
	if list == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(list, g.cfg.Separator) {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
