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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/turtacn/pushgate/pkg/bus"
	"github.com/turtacn/pushgate/pkg/protocol/frame"
	"go.uber.org/zap"
)

// ErrInvalidArgument is returned when a required field is missing. Nothing
// has been sent when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

// Ack tokens carried as the first element of an upstream frame.
const (
	ackRequested    = "true"
	ackNotRequested = "false"
)

// OfflineMessage is one entry of PushOfflineMessages.
type OfflineMessage struct {
	ID      string          `json:"msgId"`
	Message json.RawMessage `json:"message"`
}

// PushToDevice delivers message to the connection of uid, wherever it is.
// With ack set it waits the confirmation delay and returns the uids that
// acknowledged; otherwise it returns nil right away.
func (g *Gateway) PushToDevice(ctx context.Context, uid, messageID string, message any, ack bool) ([]string, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidArgument)
	}
	return g.PushToDevices(ctx, []string{uid}, messageID, message, ack)
}

// PushToDevices delivers message to every uid. Confirmation is evaluated once
// for the shared message id.
func (g *Gateway) PushToDevices(ctx context.Context, uids []string, messageID string, message any, ack bool) ([]string, error) {
	targets := nonEmpty(uids)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one uid is required", ErrInvalidArgument)
	}
	return g.push(ctx, targets, messageID, message, ack)
}

// PushToRooms delivers message to every connection that joined any of tags.
func (g *Gateway) PushToRooms(ctx context.Context, tags []string, messageID string, message any, ack bool) ([]string, error) {
	targets := nonEmpty(tags)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", ErrInvalidArgument)
	}
	return g.push(ctx, targets, messageID, message, ack)
}

// PushToAll delivers message to every connection of the namespace. Broadcasts
// are never acknowledged.
func (g *Gateway) PushToAll(ctx context.Context, messageID string, message any) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidArgument)
	}
	raw, err := g.upstream(messageID, message, false)
	if err != nil {
		return err
	}
	return g.emit(ctx, bus.Directive{Kind: bus.KindFrame, Frame: raw})
}

// PushOfflineMessages delivers each message to uid with an ack request and
// returns, in input order, the ids uid acknowledged within the delay.
func (g *Gateway) PushOfflineMessages(ctx context.Context, uid string, messages []OfflineMessage) ([]string, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidArgument)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrInvalidArgument)
	}
	frames := make([]string, 0, len(messages))
	ids := make([]string, 0, len(messages))
	for i, m := range messages {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: message %d has no id", ErrInvalidArgument, i)
		}
		body := m.Message
		if len(body) == 0 {
			body = json.RawMessage("null")
		}
		raw, err := g.upstream(m.ID, body, true)
		if err != nil {
			return nil, err
		}
		frames = append(frames, raw)
		ids = append(ids, m.ID)
	}

	for _, raw := range frames {
		if err := g.emit(ctx, bus.Directive{Kind: bus.KindFrame, Rooms: []string{uid}, Frame: raw}); err != nil {
			return nil, err
		}
	}
	return g.confirmer.ConfirmOfflineDelivery(ctx, uid, ids)
}

// RequestRoomChange asks the connections of uids to join and leave tags. It
// does not wait for the change to apply.
func (g *Gateway) RequestRoomChange(ctx context.Context, uids, joins, leaves []string) error {
	targets := nonEmpty(uids)
	if len(targets) == 0 {
		return fmt.Errorf("%w: at least one uid is required", ErrInvalidArgument)
	}
	for _, tag := range append(append([]string(nil), joins...), leaves...) {
		if strings.Contains(tag, g.cfg.Separator) {
			return fmt.Errorf("%w: tag %q contains the separator", ErrInvalidArgument, tag)
		}
	}
	payload, err := json.Marshal(bus.RoomChange{
		Joins:  strings.Join(nonEmpty(joins), g.cfg.Separator),
		Leaves: strings.Join(nonEmpty(leaves), g.cfg.Separator),
	})
	if err != nil {
		return fmt.Errorf("encode room change: %w", err)
	}
	return g.emit(ctx, bus.Directive{Kind: bus.KindRoomChange, Rooms: targets, Payload: payload})
}

// TagMembers returns the uids currently online in tag, cluster wide.
func (g *Gateway) TagMembers(ctx context.Context, tag string) ([]string, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: tag is required", ErrInvalidArgument)
	}
	return g.presence.TagMembers(ctx, tag)
}

// Owner returns the connection id that owns uid, or "".
func (g *Gateway) Owner(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: uid is required", ErrInvalidArgument)
	}
	return g.presence.Owner(ctx, uid)
}

func (g *Gateway) push(ctx context.Context, rooms []string, messageID string, message any, ack bool) ([]string, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidArgument)
	}
	raw, err := g.upstream(messageID, message, ack)
	if err != nil {
		return nil, err
	}
	if err := g.emit(ctx, bus.Directive{Kind: bus.KindFrame, Rooms: rooms, Frame: raw}); err != nil {
		g.logger.Warn("Fanout only reached local connections", zap.String("msg_id", messageID), zap.Error(err))
		return nil, err
	}
	if !ack {
		return nil, nil
	}
	return g.confirmer.ConfirmDelivery(ctx, messageID)
}

// upstream encodes the frame shared by every recipient of a fanout:
// ["<true|false>","<mid>",<message>].
func (g *Gateway) upstream(messageID string, message any, ack bool) (string, error) {
	token := ackNotRequested
	if ack {
		token = ackRequested
	}
	p, err := frame.NewEvent(g.cfg.Namespace, token, messageID, message)
	if err != nil {
		return "", fmt.Errorf("%w: message is not encodable: %v", ErrInvalidArgument, err)
	}
	raw, err := frame.Encode(p)
	if err != nil {
		return "", fmt.Errorf("%w: message is not encodable: %v", ErrInvalidArgument, err)
	}
	return raw, nil
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
