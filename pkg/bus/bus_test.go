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

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushgate/pkg/storage"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu   sync.Mutex
	got  []Directive
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 16)}
}

func (r *recorder) Dispatch(_ context.Context, d *Directive) {
	r.mu.Lock()
	r.got = append(r.got, *d)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) directives() []Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Directive(nil), r.got...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("directive was not dispatched")
	}
}

const channel = "pushgate:bus#/push"

func startBus(t *testing.T, ps storage.PubSub, node, namespace string) (*Bus, *recorder) {
	t.Helper()
	rec := newRecorder()
	b := New(ps, Config{NodeID: node, Namespace: namespace, Channel: channel}, rec, zaptest.NewLogger(t))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b, rec
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "pushgate:bus#/push", ChannelName("pushgate:", "bus", "/push"))
}

func TestBus_SelfFiltering(t *testing.T) {
	mem := storage.NewMemStore()
	defer mem.Close()

	a, recA := startBus(t, mem, "node-a", "/push")
	_, recB := startBus(t, mem, "node-b", "/push")

	payload, err := json.Marshal(RoomChange{Joins: "sports,news"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(context.Background(), Directive{
		Kind:    KindRoomChange,
		Rooms:   []string{"alice"},
		Payload: payload,
	}))

	recB.wait(t)
	got := recB.directives()
	require.Len(t, got, 1)
	assert.Equal(t, "node-a", got[0].Origin)
	assert.Equal(t, "/push", got[0].Namespace)
	assert.Equal(t, KindRoomChange, got[0].Kind)
	assert.Equal(t, []string{"alice"}, got[0].Rooms)

	var rc RoomChange
	require.NoError(t, json.Unmarshal(got[0].Payload, &rc))
	assert.Equal(t, "sports,news", rc.Joins)

	// Publish a marker from b; once a sees it, a's own earlier directive
	// has been processed too, and it must have been dropped.
	require.NoError(t, a.ps.Publish(context.Background(), channel, mustJSON(t, Directive{
		Origin: "node-b", Namespace: "/push", Kind: KindFrame, Frame: "2[]",
	})))
	recA.wait(t)
	gotA := recA.directives()
	require.Len(t, gotA, 1, "a node never applies its own directives")
	assert.Equal(t, "node-b", gotA[0].Origin)
}

func TestBus_DropsForeignNamespaceAndGarbage(t *testing.T) {
	mem := storage.NewMemStore()
	defer mem.Close()
	_, rec := startBus(t, mem, "node-b", "/push")
	ctx := context.Background()

	require.NoError(t, mem.Publish(ctx, channel, []byte("not json")))
	require.NoError(t, mem.Publish(ctx, channel, mustJSON(t, Directive{
		Origin: "node-a", Namespace: "/chat", Kind: KindFrame, Frame: "2/chat,[]",
	})))
	require.NoError(t, mem.Publish(ctx, channel, mustJSON(t, Directive{
		Origin: "node-a", Namespace: "/push", Kind: KindDuplicateLogin, Rooms: []string{"conn-1"},
	})))

	rec.wait(t)
	got := rec.directives()
	require.Len(t, got, 1)
	assert.Equal(t, KindDuplicateLogin, got[0].Kind)
}

func TestBus_CloseAndErrors(t *testing.T) {
	mem := storage.NewMemStore()
	rec := newRecorder()
	b := New(mem, Config{NodeID: "n", Namespace: "/", Channel: channel}, rec, zaptest.NewLogger(t))
	assert.ErrorIs(t, b.Close(), ErrNotStarted)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())

	require.NoError(t, mem.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), Directive{Kind: KindFrame}), storage.ErrClosed)
	assert.ErrorIs(t, b.Start(context.Background()), storage.ErrClosed)
}

func TestBus_StopsOnContext(t *testing.T) {
	mem := storage.NewMemStore()
	defer mem.Close()
	b := New(mem, Config{NodeID: "n", Namespace: "/", Channel: channel}, newRecorder(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	cancel()
	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("bus loop did not stop")
	}
}

func TestBus_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storage.DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	storeA, err := storage.NewRedisStore(cfg)
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := storage.NewRedisStore(cfg)
	require.NoError(t, err)
	defer storeB.Close()

	a, _ := startBus(t, storeA, "node-a", "/push")
	_, recB := startBus(t, storeB, "node-b", "/push")

	require.NoError(t, a.Publish(context.Background(), Directive{
		Kind:   KindFrame,
		Rooms:  []string{"sports"},
		Except: []string{"conn-9"},
		Frame:  `2/push,["false","m1",{"a":1}]`,
	}))
	recB.wait(t)
	got := recB.directives()
	require.Len(t, got, 1)
	assert.Equal(t, `2/push,["false","m1",{"a":1}]`, got[0].Frame)
	assert.Equal(t, []string{"conn-9"}, got[0].Except)
}

func mustJSON(t *testing.T, d Directive) []byte {
	t.Helper()
	b, err := json.Marshal(d)
	require.NoError(t, err)
	return b
}
