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
	"sort"
	"sync"
)

// Member is anything the hub can route a frame to.
type Member interface {
	ID() string
	// Deliver hands an application frame to the member. It must not block.
	Deliver(frame string)
}

// Hub provides a thread-safe, in-memory mapping of room names to the local
// members that joined them. Room names match exactly; there are no wildcards.
type Hub struct {
	mu      sync.RWMutex
	members map[string]Member
	rooms   map[string]map[string]struct{} // room -> member ids
	joined  map[string]map[string]struct{} // member id -> rooms
}

// NewHub creates and initializes a new, empty Hub.
func NewHub() *Hub {
	return &Hub{
		members: make(map[string]Member),
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Add registers a connected member. Adding an id twice replaces the member
// but keeps its rooms.
func (h *Hub) Add(m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[m.ID()] = m
	if _, ok := h.joined[m.ID()]; !ok {
		h.joined[m.ID()] = make(map[string]struct{})
	}
}

// Remove forgets a member and every room it joined.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(id)
	delete(h.members, id)
	delete(h.joined, id)
}

// Join adds the member to room. It reports whether membership changed; an
// unknown member or an existing membership yields false.
func (h *Hub) Join(id, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[id]
	if !ok {
		return false
	}
	if _, in := rooms[room]; in {
		return false
	}
	rooms[room] = struct{}{}
	ids, ok := h.rooms[room]
	if !ok {
		ids = make(map[string]struct{})
		h.rooms[room] = ids
	}
	ids[id] = struct{}{}
	return true
}

// Leave removes the member from room and reports whether it was there.
func (h *Hub) Leave(id, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[id]
	if !ok {
		return false
	}
	if _, in := rooms[room]; !in {
		return false
	}
	delete(rooms, room)
	h.dropFromRoomLocked(id, room)
	return true
}

// LeaveAll removes the member from every room and returns the rooms it left,
// sorted.
func (h *Hub) LeaveAll(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(id)
}

func (h *Hub) leaveAllLocked(id string) []string {
	rooms := h.joined[id]
	if len(rooms) == 0 {
		return nil
	}
	left := make([]string, 0, len(rooms))
	for room := range rooms {
		h.dropFromRoomLocked(id, room)
		left = append(left, room)
	}
	h.joined[id] = make(map[string]struct{})
	sort.Strings(left)
	return left
}

func (h *Hub) dropFromRoomLocked(id, room string) {
	ids := h.rooms[room]
	delete(ids, id)
	if len(ids) == 0 {
		delete(h.rooms, room)
	}
}

// Members resolves rooms to the distinct members in any of them, minus the
// members whose id is listed in except. No rooms means every member. The
// result is ordered by member id.
func (h *Hub) Members(rooms, except []string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make(map[string]struct{})
	if len(rooms) == 0 {
		for id := range h.members {
			ids[id] = struct{}{}
		}
	} else {
		for _, room := range rooms {
			for id := range h.rooms[room] {
				ids[id] = struct{}{}
			}
		}
	}
	for _, id := range except {
		delete(ids, id)
	}

	out := make([]Member, 0, len(ids))
	for id := range ids {
		if m, ok := h.members[id]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// InRoom reports whether the member joined room.
func (h *Hub) InRoom(id, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[id][room]
	return ok
}

// Size returns the number of registered members.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
