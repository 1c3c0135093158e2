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

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/mutation"
	"github.com/turtacn/pushgate/pkg/presence"
	"github.com/turtacn/pushgate/pkg/storage"
	"github.com/turtacn/pushgate/pkg/transport"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []string
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "pipe" }
func (c *fakeConn) Close() error       { return nil }

func (c *fakeConn) Send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

type evictCall struct{ uid, owner, by string }

type fakeEvictor struct {
	mu    sync.Mutex
	calls []evictCall
}

func (e *fakeEvictor) DuplicateLogin(_ context.Context, uid, owner, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, evictCall{uid, owner, by})
	return nil
}

// countingStore counts durable tag marker writes. SetOwner fails with
// ownerErr when it is set.
type countingStore struct {
	presence.Store
	sets, clears atomic.Int32
	ownerErr     error
}

func (c *countingStore) SetOwner(ctx context.Context, uid, connID string) error {
	if c.ownerErr != nil {
		return c.ownerErr
	}
	return c.Store.SetOwner(ctx, uid, connID)
}

func (c *countingStore) SetTagMarker(ctx context.Context, tag, uid string) error {
	c.sets.Add(1)
	return c.Store.SetTagMarker(ctx, tag, uid)
}

func (c *countingStore) ClearTagMarker(ctx context.Context, tag, uid string) error {
	c.clears.Add(1)
	return c.Store.ClearTagMarker(ctx, tag, uid)
}

type fixture struct {
	hub     *transport.Hub
	store   *countingStore
	evictor *fakeEvictor
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemStore()
	t.Cleanup(func() { _ = mem.Close() })
	m, err := mutation.New(mutation.StrategyTextual, mutation.Options{})
	require.NoError(t, err)

	f := &fixture{
		hub:     transport.NewHub(),
		store:   &countingStore{Store: presence.New(mem, "", time.Minute)},
		evictor: &fakeEvictor{},
	}
	f.deps = Deps{
		Hub:       f.hub,
		Presence:  f.store,
		Mutator:   m,
		Evictor:   f.evictor,
		Namespace: "/",
		Logger:    zaptest.NewLogger(t),
	}
	return f
}

// joined returns the candidate rooms id is a member of, in candidate order.
func joined(h *transport.Hub, id string, candidates ...string) []string {
	var out []string
	for _, room := range candidates {
		if h.InRoom(id, room) {
			out = append(out, room)
		}
	}
	return out
}

func (f *fixture) session(id string) (*Session, *fakeConn) {
	c := &fakeConn{id: id}
	return New(c, f.deps), c
}

func TestSession_NewJoinsPrivateChannel(t *testing.T) {
	f := newFixture(t)
	s, _ := f.session("c1")
	assert.Equal(t, Anonymous, s.State())
	assert.Equal(t, []string{"c1"}, joined(f.hub, "c1", "c1", "alice"))
	got := f.hub.Members([]string{"c1"}, nil)
	require.Len(t, got, 1)
	assert.Same(t, s, got[0])
}

func TestSession_Login(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetTagMarker(ctx, "sports", "alice"))
	require.NoError(t, f.store.SetTagMarker(ctx, "news", "alice"))

	s, _ := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))

	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, "alice", s.UID())
	assert.Equal(t, []string{"news", "sports"}, s.Tags())
	assert.Equal(t, []string{"alice", "c1", "news", "sports"}, joined(f.hub, "c1", "alice", "c1", "news", "sports", "bob"))

	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", owner)

	members, err := f.store.TagMembers(ctx, "sports")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
	assert.Empty(t, f.evictor.calls)
}

func TestSession_LoginFailureLeavesAnonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetTagMarker(ctx, "sports", "alice"))
	f.store.ownerErr = errors.New("store unavailable")

	s, _ := f.session("c1")
	err := s.Login(ctx, "alice")
	assert.ErrorIs(t, err, f.store.ownerErr)

	assert.Equal(t, Anonymous, s.State())
	assert.Empty(t, s.UID())
	assert.Empty(t, s.Tags())
	assert.Empty(t, joined(f.hub, "c1", "alice", "sports"))
	members, err := f.store.TagMembers(ctx, "sports")
	require.NoError(t, err)
	assert.Empty(t, members, "restored tags are untracked again")
	_, ok := s.AllocateAck("m1")
	assert.False(t, ok, "no acks without an identity")

	f.store.ownerErr = nil
	require.NoError(t, s.Login(ctx, "alice"))
	assert.Equal(t, []string{"sports"}, s.Tags())
	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", owner)
}

func TestSession_LoginInvalidUID(t *testing.T) {
	f := newFixture(t)
	s, _ := f.session("c1")
	assert.Error(t, s.Login(context.Background(), ""))
	assert.Error(t, s.Login(context.Background(), "a@b"))
	assert.Equal(t, Anonymous, s.State())
}

func TestSession_LoginSameUIDIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))
	id, ok := s.AllocateAck("m1")
	require.True(t, ok)

	require.NoError(t, s.Login(ctx, "alice"))
	assert.Equal(t, 1, s.PendingAcks(), "re-login with the same uid keeps pending acks")
	next, _ := s.AllocateAck("m2")
	assert.Greater(t, next, id)
}

func TestSession_LoginDifferentUIDLogsOutFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))
	require.NoError(t, s.Login(ctx, "bob"))

	assert.Equal(t, "bob", s.UID())
	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.False(t, f.hub.InRoom("c1", "alice"))
	assert.True(t, f.hub.InRoom("c1", "bob"))
}

func TestSession_DuplicateLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, _ := f.session("c1")
	second, _ := f.session("c2")

	require.NoError(t, first.Login(ctx, "alice"))
	require.NoError(t, second.Login(ctx, "alice"))

	assert.Equal(t, []evictCall{{uid: "alice", owner: "c1", by: "c2"}}, f.evictor.calls)
	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c2", owner, "last writer wins")

	// The displaced connection logging out must not clear the new owner.
	first.Logout(ctx)
	owner, err = f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c2", owner)
}

func TestSession_Logout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetTagMarker(ctx, "sports", "alice"))
	s, _ := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))
	_, ok := s.AllocateAck("m1")
	require.True(t, ok)

	s.Logout(ctx)
	assert.Equal(t, Anonymous, s.State())
	assert.Empty(t, s.UID())
	assert.Empty(t, joined(f.hub, "c1", "c1", "alice", "sports"))
	assert.Zero(t, s.PendingAcks())

	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, owner)
	members, err := f.store.TagMembers(ctx, "sports")
	require.NoError(t, err)
	assert.Empty(t, members)

	tags, err := f.store.TagsForUID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, tags, "durable markers survive logout")

	s.Logout(ctx)
	assert.Equal(t, Anonymous, s.State())
}

func TestSession_Evict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, conn := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))

	s.Evict()
	assert.Equal(t, Anonymous, s.State())
	assert.Empty(t, joined(f.hub, "c1", "c1", "alice", "sports"))
	assert.Equal(t, []string{`2["repeat","-1","user alice logged in elsewhere"]`}, conn.sent())

	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", owner, "eviction performs no store writes")

	s.Evict()
	assert.Len(t, conn.sent(), 1, "evicting an anonymous connection does nothing")
}

func TestSession_ChangeRoomIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.session("c1")

	s.ChangeRoom(ctx, []string{"sports"}, nil)
	assert.Empty(t, s.Tags(), "no identity, no change")
	assert.Zero(t, f.store.sets.Load())

	require.NoError(t, s.Login(ctx, "alice"))
	s.ChangeRoom(ctx, []string{"sports", "news", ""}, nil)
	s.ChangeRoom(ctx, []string{"sports"}, nil)
	assert.Equal(t, []string{"news", "sports"}, s.Tags())
	assert.Equal(t, int32(2), f.store.sets.Load(), "joining a tag twice writes one marker")

	s.ChangeRoom(ctx, nil, []string{"weather"})
	assert.Zero(t, f.store.clears.Load(), "leaving a tag not joined is a no-op")

	s.ChangeRoom(ctx, nil, []string{"news"})
	s.ChangeRoom(ctx, nil, []string{"news"})
	assert.Equal(t, int32(1), f.store.clears.Load())
	assert.Equal(t, []string{"sports"}, s.Tags())
	assert.False(t, f.hub.InRoom("c1", "news"))

	tags, err := f.store.TagsForUID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, tags)
}

func TestSession_TagsRestoredOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))
	s.ChangeRoom(ctx, []string{"sports"}, nil)
	s.Close(ctx)

	again, _ := f.session("c2")
	require.NoError(t, again.Login(ctx, "alice"))
	assert.Equal(t, []string{"sports"}, again.Tags())
	assert.True(t, f.hub.InRoom("c2", "sports"))
}

func TestSession_DeliverAndAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, conn := f.session("c1")

	s.Deliver(`2["true","m0",{"a":1}]`)
	assert.Equal(t, []string{`2["message","m0",{"a":1}]`}, conn.sent(), "anonymous recipients get no ack id")

	require.NoError(t, s.Login(ctx, "alice"))
	s.Deliver(`2["true","m1",{"a":1}]`)
	s.Deliver(`2["false","m2",{"a":2}]`)
	assert.Equal(t, []string{
		`2["message","m0",{"a":1}]`,
		`20["message","m1",{"a":1}]`,
		`2["message","m2",{"a":2}]`,
	}, conn.sent())
	assert.Equal(t, 1, s.PendingAcks())

	s.Handle(ctx, `30[]`)
	assert.Zero(t, s.PendingAcks())
	ok, err := f.store.IsDelivered(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	s.Handle(ctx, `30[]`)
	s.Handle(ctx, `3/other,1[]`)
	s.Handle(ctx, `garbage`)
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, conn := f.session("c1")
	require.NoError(t, s.Login(ctx, "alice"))

	s.Close(ctx)
	s.Close(ctx)
	assert.Equal(t, Closed, s.State())
	assert.Empty(t, f.hub.Members([]string{"c1"}, nil))
	assert.Zero(t, f.hub.Size())

	owner, err := f.store.Owner(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, owner)

	assert.ErrorIs(t, s.Login(ctx, "bob"), ErrClosed)
	s.Deliver(`2["true","m1",{}]`)
	assert.Empty(t, conn.sent())
}

func TestSession_HandleEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.session("c1")

	s.Handle(ctx, `2/other,["login","mallory"]`)
	assert.Empty(t, s.UID(), "frames for another namespace are ignored")

	s.Handle(ctx, `2["login"]`)
	s.Handle(ctx, `2["login",42]`)
	assert.Empty(t, s.UID())

	s.Handle(ctx, `2["login","alice"]`)
	assert.Equal(t, "alice", s.UID())

	s.Handle(ctx, `2["logout"]`)
	assert.Equal(t, Anonymous, s.State())
}

func TestSession_ActorLoop(t *testing.T) {
	f := newFixture(t)
	s, conn := f.session("c1")
	mb := actor.NewMailbox(8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, mb) }()

	require.NoError(t, mb.Send(ctx, Inbound(`2["login","alice"]`)))
	require.NoError(t, mb.Send(ctx, RoomChangeRequest{Joins: []string{"sports"}}))
	require.NoError(t, mb.Send(ctx, EvictRequest{}))
	require.NoError(t, mb.Send(ctx, "unexpected"))

	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Anonymous, s.State())

	tags, err := f.store.TagsForUID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, tags, "messages apply in order")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("actor did not stop")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "anonymous", Anonymous.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
