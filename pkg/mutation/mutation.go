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

// Package mutation rewrites pre-encoded delivery frames per recipient.
//
// Fanout encodes a delivery once for every recipient as
//
//	2<nsp>,["<true|false>","<message id>",<json body>]
//
// where the first element says whether the sender asked for an
// acknowledgment. Before a recipient's copy reaches the wire it is rewritten
// to the canonical event name "message" and, when an acknowledgment was
// requested and the recipient can be credited with it, an ack id is stamped
// into the frame envelope:
//
//	2<nsp>,<ack id>["message","<message id>",<json body>[,<server ms>]]
//
// Frames that do not follow the delivery grammar pass through unchanged.
package mutation

import (
	"fmt"
	"time"

	"github.com/turtacn/pushgate/pkg/metrics"
)

// DeliveryEvent is the canonical outbound event name for deliveries.
const DeliveryEvent = "message"

const (
	tokenAck   = "true"
	tokenNoAck = "false"
)

// Strategy names accepted by New.
const (
	StrategyTextual    = "textual"
	StrategyStructural = "structural"
)

// AckAllocator hands out ack ids for a recipient. AllocateAck returns false
// when the recipient cannot acknowledge, e.g. because it carries no identity.
type AckAllocator interface {
	AllocateAck(messageID string) (int64, bool)
}

// Mutator rewrites one recipient's copy of a frame.
type Mutator interface {
	Mutate(frame string, acks AckAllocator) string
	Name() string
}

// Options tune both strategies identically.
type Options struct {
	// ServerTimestamp appends the send time in milliseconds to frames that
	// received an ack id, for latency measurement on the client.
	ServerTimestamp bool
	// Now is the clock used for the timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() int64 {
	if o.Now != nil {
		return o.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// New returns the mutator selected by strategy.
func New(strategy string, opts Options) (Mutator, error) {
	switch strategy {
	case StrategyTextual, "":
		return &Textual{opts: opts}, nil
	case StrategyStructural:
		return &Structural{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown mutation strategy %q", strategy)
	}
}

func countMutation(strategy string, stamped bool) {
	result := "renamed"
	if stamped {
		result = "stamped"
	}
	metrics.FramesMutatedTotal.WithLabelValues(strategy, result).Inc()
}
