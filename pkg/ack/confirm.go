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

package ack

import (
	"context"
	"time"

	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/presence"
	"go.uber.org/zap"
)

// Confirmer reports delivery after a fixed delay by reading the delivered
// markers that ack callbacks wrote into the presence store. It never waits on
// the recipients themselves.
type Confirmer struct {
	store  presence.Store
	delay  time.Duration
	logger *zap.Logger
}

// NewConfirmer creates a Confirmer that waits delay before every check.
func NewConfirmer(store presence.Store, delay time.Duration, logger *zap.Logger) *Confirmer {
	return &Confirmer{store: store, delay: delay, logger: logger.Named("confirm")}
}

func (c *Confirmer) wait(ctx context.Context) error {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConfirmDelivery waits the delay and returns the uids that acknowledged
// messageID in the meantime, clearing their markers. Store errors are logged
// and yield an empty result. The only error returned is ctx's.
func (c *Confirmer) ConfirmDelivery(ctx context.Context, messageID string) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	uids, err := c.store.ListDelivered(ctx, messageID)
	if err != nil {
		c.logger.Warn("Failed to list delivered markers", zap.String("msg_id", messageID), zap.Error(err))
		metrics.ConfirmationsTotal.WithLabelValues("online", "error").Inc()
		return []string{}, nil
	}

	confirmed := make([]string, 0, len(uids))
	for _, uid := range uids {
		if err := c.store.ClearDelivered(ctx, messageID, uid); err != nil {
			c.logger.Warn("Failed to clear delivered marker",
				zap.String("msg_id", messageID), zap.String("uid", uid), zap.Error(err))
		}
		confirmed = append(confirmed, uid)
	}

	result := "confirmed"
	if len(confirmed) == 0 {
		result = "unconfirmed"
	}
	metrics.ConfirmationsTotal.WithLabelValues("online", result).Inc()
	return confirmed, nil
}

// ConfirmOfflineDelivery waits the delay once and then checks every message
// id independently, returning the ids uid acknowledged in their input order.
// The input slice is never modified.
func (c *Confirmer) ConfirmOfflineDelivery(ctx context.Context, uid string, messageIDs []string) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	confirmed := make([]string, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		ok, err := c.store.IsDelivered(ctx, messageID, uid)
		if err != nil {
			c.logger.Warn("Failed to check delivered marker",
				zap.String("msg_id", messageID), zap.String("uid", uid), zap.Error(err))
			metrics.ConfirmationsTotal.WithLabelValues("offline", "error").Inc()
			continue
		}
		if !ok {
			metrics.ConfirmationsTotal.WithLabelValues("offline", "unconfirmed").Inc()
			continue
		}
		if err := c.store.ClearDelivered(ctx, messageID, uid); err != nil {
			c.logger.Warn("Failed to clear delivered marker",
				zap.String("msg_id", messageID), zap.String("uid", uid), zap.Error(err))
		}
		metrics.ConfirmationsTotal.WithLabelValues("offline", "confirmed").Inc()
		confirmed = append(confirmed, messageID)
	}
	return confirmed, nil
}
