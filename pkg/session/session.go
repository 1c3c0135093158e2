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

// package session provides the per-connection lifecycle: identity binding,
// channel membership, durable tags and the outbound delivery hook.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/pushgate/pkg/ack"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/mutation"
	"github.com/turtacn/pushgate/pkg/presence"
	"github.com/turtacn/pushgate/pkg/protocol/frame"
	"github.com/turtacn/pushgate/pkg/transport"
	"go.uber.org/zap"
)

// ErrClosed is returned by lifecycle operations on a closed session.
var ErrClosed = errors.New("session closed")

// RepeatEvent is the event name of the notice sent to an evicted connection.
const RepeatEvent = "repeat"

// State is the lifecycle state of a session.
type State int32

const (
	Anonymous State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Evictor tells the current owner of uid, wherever it lives, that another
// connection logged in with the same uid.
type Evictor interface {
	// DuplicateLogin evicts ownerConnID. connID is the connection taking
	// over and is never evicted.
	DuplicateLogin(ctx context.Context, uid, ownerConnID, connID string) error
}

// Deps are the collaborators shared by every session of a gateway.
type Deps struct {
	Hub       *transport.Hub
	Presence  presence.Store
	Mutator   mutation.Mutator
	Evictor   Evictor
	Namespace string
	// StoreTimeout bounds the store write made when a client acks.
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// Session is one client connection. Lifecycle operations are serialized;
// Deliver may run concurrently with them.
type Session struct {
	conn   transport.Conn
	deps   Deps
	logger *zap.Logger
	acks   *ack.Registry

	// opMu serializes Login, Logout, Evict, ChangeRoom and Close.
	opMu    sync.Mutex
	closing atomic.Bool

	mu    sync.RWMutex
	uid   string
	tags  map[string]struct{}
	state State
}

// New creates an anonymous session for conn and registers it with the hub,
// joining its private connection-id channel.
func New(conn transport.Conn, deps Deps) *Session {
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 5 * time.Second
	}
	if deps.Namespace == "" {
		deps.Namespace = frame.RootNamespace
	}
	s := &Session{
		conn:   conn,
		deps:   deps,
		logger: deps.Logger.With(zap.String("conn", conn.ID())),
		acks:   ack.NewRegistry(),
		tags:   make(map[string]struct{}),
	}
	deps.Hub.Add(s)
	deps.Hub.Join(conn.ID(), conn.ID())
	return s
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.conn.ID()
}

// UID returns the bound identity, or "".
func (s *Session) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tags returns the tags this connection joined, sorted.
func (s *Session) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.tags)
}

// PendingAcks returns the number of deliveries waiting for an ack.
func (s *Session) PendingAcks() int {
	return s.acks.Pending()
}

// Login binds uid to the connection. Logging in again with the same uid does
// nothing; a different uid logs the previous one out first. When ownership
// cannot be recorded the connection is left anonymous.
func (s *Session) Login(ctx context.Context, uid string) error {
	if uid == "" || strings.ContainsRune(uid, '@') {
		return fmt.Errorf("login: invalid uid %q", uid)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state, current := s.state, s.uid
	s.mu.RUnlock()
	switch {
	case state == Closed:
		return ErrClosed
	case current == uid:
		return nil
	case current != "":
		s.logoutLocked(ctx)
	}

	s.mu.Lock()
	s.uid = uid
	s.tags = make(map[string]struct{})
	s.state = Authenticated
	s.mu.Unlock()

	hub, store := s.deps.Hub, s.deps.Presence
	hub.Join(s.ID(), s.ID())
	hub.Join(s.ID(), uid)

	tags, err := store.TagsForUID(ctx, uid)
	if err != nil {
		s.logger.Warn("Failed to restore tags", zap.String("uid", uid), zap.Error(err))
	}
	for _, tag := range tags {
		hub.Join(s.ID(), tag)
		s.mu.Lock()
		s.tags[tag] = struct{}{}
		s.mu.Unlock()
		if err := store.TrackTag(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to track tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
	}

	owner, err := store.Owner(ctx, uid)
	if err != nil {
		s.logger.Warn("Failed to read owner", zap.String("uid", uid), zap.Error(err))
	}
	if owner != "" && owner != s.ID() {
		metrics.DuplicateLoginsTotal.Inc()
		s.logger.Info("Duplicate login", zap.String("uid", uid), zap.String("previous", owner))
		if err := s.deps.Evictor.DuplicateLogin(ctx, uid, owner, s.ID()); err != nil {
			s.logger.Warn("Failed to notify previous owner", zap.String("uid", uid), zap.Error(err))
		}
	}

	if s.closing.Load() {
		s.abortLogin(ctx)
		return ErrClosed
	}
	if err := store.SetOwner(ctx, uid, s.ID()); err != nil {
		s.abortLogin(ctx)
		return fmt.Errorf("set owner of %s: %w", uid, err)
	}
	metrics.LoginsTotal.Inc()
	s.logger.Debug("Logged in", zap.String("uid", uid), zap.Strings("tags", tags))
	return nil
}

// Logout drops the identity. Ownership is cleared only while the store still
// names this connection, so a newer login elsewhere is left alone.
func (s *Session) Logout(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.logoutLocked(ctx)
}

func (s *Session) logoutLocked(ctx context.Context) {
	uid, tags, ok := s.dropIdentity()
	if !ok {
		return
	}

	store := s.deps.Presence
	owner, err := store.Owner(ctx, uid)
	if err != nil {
		s.logger.Warn("Failed to read owner", zap.String("uid", uid), zap.Error(err))
		return
	}
	if owner != s.ID() {
		return
	}
	if err := store.ClearOwner(ctx, uid); err != nil {
		s.logger.Warn("Failed to clear owner", zap.String("uid", uid), zap.Error(err))
	}
	for _, tag := range tags {
		if err := store.UntrackTag(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to untrack tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
	}
	s.logger.Debug("Logged out", zap.String("uid", uid))
}

// abortLogin undoes a login that never took ownership: the identity is
// dropped and the restored tags are untracked. Ownership is left alone.
func (s *Session) abortLogin(ctx context.Context) {
	uid, tags, ok := s.dropIdentity()
	if !ok {
		return
	}
	for _, tag := range tags {
		if err := s.deps.Presence.UntrackTag(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to untrack tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
	}
	s.logger.Debug("Login aborted", zap.String("uid", uid))
}

// dropIdentity resets the in-memory identity, pending acks and channel
// membership. It reports false when there was no identity.
func (s *Session) dropIdentity() (uid string, tags []string, ok bool) {
	s.mu.Lock()
	if s.state != Authenticated {
		s.mu.Unlock()
		return "", nil, false
	}
	uid, tags = s.uid, sortedKeys(s.tags)
	s.uid = ""
	s.tags = make(map[string]struct{})
	s.state = Anonymous
	s.mu.Unlock()

	s.acks.Reset()
	s.deps.Hub.LeaveAll(s.ID())
	return uid, tags, true
}

// Evict is the forced logout of a connection displaced by a newer login. The
// client gets a repeat notice; the store is not touched because the new owner
// already wrote it.
func (s *Session) Evict() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	uid := s.UID()
	if uid == "" {
		return
	}
	s.notify(RepeatEvent, "-1", fmt.Sprintf("user %s logged in elsewhere", uid))
	s.dropIdentity()
	s.logger.Info("Evicted by duplicate login", zap.String("uid", uid))
}

// ChangeRoom joins and leaves tag channels. Only real membership changes
// touch the store; without an identity nothing happens.
func (s *Session) ChangeRoom(ctx context.Context, joins, leaves []string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	uid := s.UID()
	if uid == "" {
		return
	}
	store, hub := s.deps.Presence, s.deps.Hub

	for _, tag := range joins {
		if tag == "" || s.hasTag(tag) {
			continue
		}
		hub.Join(s.ID(), tag)
		s.mu.Lock()
		s.tags[tag] = struct{}{}
		s.mu.Unlock()
		if err := store.SetTagMarker(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to persist tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
		if err := store.TrackTag(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to track tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
	}

	for _, tag := range leaves {
		if tag == "" || !s.hasTag(tag) {
			continue
		}
		hub.Leave(s.ID(), tag)
		s.mu.Lock()
		delete(s.tags, tag)
		s.mu.Unlock()
		if err := store.ClearTagMarker(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to clear tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
		if err := store.UntrackTag(ctx, tag, uid); err != nil {
			s.logger.Warn("Failed to untrack tag", zap.String("uid", uid), zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (s *Session) hasTag(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[tag]
	return ok
}

// Close logs out and marks the session closed. Later operations are ignored.
func (s *Session) Close(ctx context.Context) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.logoutLocked(ctx)
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.deps.Hub.Remove(s.ID())
}

// Deliver sends an application frame to the client after passing it through
// the mutation layer. It implements transport.Member.
func (s *Session) Deliver(raw string) {
	if s.closing.Load() {
		return
	}
	out := s.deps.Mutator.Mutate(raw, s)
	if err := s.conn.Send(out); err != nil {
		s.logger.Debug("Dropped outbound frame", zap.Error(err))
	}
}

// AllocateAck registers an ack for messageID on behalf of the bound uid. It
// implements mutation.AckAllocator.
func (s *Session) AllocateAck(messageID string) (int64, bool) {
	uid := s.UID()
	if uid == "" {
		return 0, false
	}
	id := s.acks.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.StoreTimeout)
		defer cancel()
		if err := s.deps.Presence.MarkDelivered(ctx, messageID, uid); err != nil {
			s.logger.Warn("Failed to mark delivered",
				zap.String("msg_id", messageID), zap.String("uid", uid), zap.Error(err))
		}
	})
	return id, true
}

// notify sends an event that bypasses the mutation layer.
func (s *Session) notify(event string, args ...any) {
	p, err := frame.NewEvent(s.deps.Namespace, event, args...)
	if err != nil {
		s.logger.Error("Failed to build notice", zap.String("event", event), zap.Error(err))
		return
	}
	out, err := frame.Encode(p)
	if err != nil {
		s.logger.Error("Failed to encode notice", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.conn.Send(out); err != nil {
		s.logger.Debug("Dropped notice", zap.String("event", event), zap.Error(err))
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
