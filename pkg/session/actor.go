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

	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/protocol/frame"
	"go.uber.org/zap"
)

// Client event names.
const (
	LoginEvent  = "login"
	LogoutEvent = "logout"
)

// Inbound is a raw frame read from the client.
type Inbound string

// EvictRequest asks the session to run the duplicate-login eviction.
type EvictRequest struct{}

// RoomChangeRequest asks the session to join and leave tags.
type RoomChangeRequest struct {
	Joins  []string
	Leaves []string
}

// Start is the main loop for the Session actor. Client frames and bus
// directives queue in the same mailbox, so they apply in arrival order.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}
		switch m := msg.(type) {
		case Inbound:
			s.Handle(ctx, string(m))
		case EvictRequest:
			s.Evict()
		case RoomChangeRequest:
			s.ChangeRoom(ctx, m.Joins, m.Leaves)
		default:
			s.logger.Warn("Unknown mailbox message", zap.Any("message", msg))
		}
	}
}

// Handle processes one client frame. Malformed frames and frames for another
// namespace are dropped.
func (s *Session) Handle(ctx context.Context, raw string) {
	p, err := frame.Decode(raw)
	if err != nil {
		s.logger.Debug("Dropped malformed frame", zap.Error(err))
		return
	}
	if p.Namespace != s.deps.Namespace {
		return
	}

	switch p.Type {
	case frame.TypeAck:
		if !p.HasID {
			return
		}
		if s.acks.Fire(p.ID) {
			metrics.AcksTotal.WithLabelValues("fired").Inc()
		} else {
			metrics.AcksTotal.WithLabelValues("unknown").Inc()
		}
	case frame.TypeEvent:
		switch p.Event() {
		case LoginEvent:
			uid, ok := p.StringArg(1)
			if !ok || uid == "" {
				s.logger.Debug("Login without uid")
				return
			}
			if err := s.Login(ctx, uid); err != nil {
				s.logger.Warn("Login failed", zap.String("uid", uid), zap.Error(err))
			}
		case LogoutEvent:
			s.Logout(ctx)
		}
	}
}
