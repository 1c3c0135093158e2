// Copyright 2022 The emqx-go Authors
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

package actor

import (
	"context"
	"errors"
)

// ErrMailboxFull is returned by TrySend when the buffer has no room left.
var ErrMailboxFull = errors.New("actor: mailbox full")

// Actor defines the interface for an actor process.
// An actor owns its state and processes the messages of its mailbox one at a
// time, so no other goroutine needs to lock that state.
type Actor interface {
	// Start is called when the actor is started. The context controls the
	// lifecycle of the actor. The method blocks until the actor terminates
	// and returns nil on a clean stop.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor.
// It outlives restarts of the actor that reads it, so messages queued while
// an actor is being restarted are not lost.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full
// until there is room or ctx is done.
func (mb *Mailbox) Send(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// TrySend puts a message into the mailbox without blocking.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled, in which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}
