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

package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames []string
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Deliver(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
}

func ids(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID())
	}
	return out
}

func TestHub_JoinLeave(t *testing.T) {
	h := NewHub()
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}
	h.Add(a)
	h.Add(b)
	assert.Equal(t, 2, h.Size())

	assert.True(t, h.Join("a", "sports"))
	assert.False(t, h.Join("a", "sports"), "second join is a no-op")
	assert.True(t, h.Join("b", "sports"))
	assert.True(t, h.Join("b", "news"))
	assert.False(t, h.Join("ghost", "sports"), "unknown members cannot join")

	assert.Equal(t, []string{"a", "b"}, ids(h.Members([]string{"sports"}, nil)))
	assert.True(t, h.InRoom("b", "news"))
	assert.True(t, h.InRoom("a", "sports"))
	assert.False(t, h.InRoom("a", "news"))

	assert.True(t, h.Leave("a", "sports"))
	assert.False(t, h.Leave("a", "sports"))
	assert.False(t, h.InRoom("a", "sports"))
	assert.Equal(t, []string{"b"}, ids(h.Members([]string{"sports"}, nil)))
}

func TestHub_Members(t *testing.T) {
	h := NewHub()
	for _, id := range []string{"c", "a", "b"} {
		h.Add(&fakeMember{id: id})
	}
	h.Join("a", "x")
	h.Join("b", "x")
	h.Join("b", "y")
	h.Join("c", "y")
	h.Join("c", "muted")

	tests := []struct {
		name   string
		rooms  []string
		except []string
		want   []string
	}{
		{name: "single room", rooms: []string{"x"}, want: []string{"a", "b"}},
		{name: "union without duplicates", rooms: []string{"x", "y"}, want: []string{"a", "b", "c"}},
		{name: "no rooms means everybody", want: []string{"a", "b", "c"}},
		{name: "except member", rooms: []string{"y"}, except: []string{"c"}, want: []string{"b"}},
		{name: "everybody except", except: []string{"a", "b"}, want: []string{"c"}},
		{name: "except names a room, not a member", rooms: []string{"y"}, except: []string{"muted"}, want: []string{"b", "c"}},
		{name: "except unknown member", rooms: []string{"x"}, except: []string{"ghost"}, want: []string{"a", "b"}},
		{name: "unknown room", rooms: []string{"nope"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(h.Members(tt.rooms, tt.except)))
		})
	}
}

func TestHub_LeaveAllAndRemove(t *testing.T) {
	h := NewHub()
	h.Add(&fakeMember{id: "a"})
	h.Join("a", "r2")
	h.Join("a", "r1")

	assert.Equal(t, []string{"r1", "r2"}, h.LeaveAll("a"))
	assert.False(t, h.InRoom("a", "r1"))
	assert.False(t, h.InRoom("a", "r2"))
	assert.Nil(t, h.LeaveAll("a"))

	assert.True(t, h.Join("a", "r1"), "member can rejoin after leaving everything")
	h.Remove("a")
	assert.Empty(t, h.Members(nil, nil))
	assert.Zero(t, h.Size())
	assert.Empty(t, h.Members([]string{"r1"}, nil))
}

func TestHub_AddKeepsRooms(t *testing.T) {
	h := NewHub()
	h.Add(&fakeMember{id: "a"})
	h.Join("a", "r")
	replacement := &fakeMember{id: "a"}
	h.Add(replacement)

	got := h.Members([]string{"r"}, nil)
	require.Len(t, got, 1)
	assert.Same(t, replacement, got[0])
	assert.Equal(t, 1, h.Size())
}

func TestHub_Concurrent(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			h.Add(&fakeMember{id: id})
			h.Join(id, "room")
			_ = h.Members([]string{"room"}, nil)
			if i%2 == 0 {
				h.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, h.Size())
	assert.Len(t, h.Members([]string{"room"}, nil), 25)
}
