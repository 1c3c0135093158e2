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

package mutation

import (
	"encoding/json"
	"strconv"

	"github.com/turtacn/pushgate/pkg/protocol/frame"
)

// Structural rewrites frames by decoding them into a frame.Packet, editing
// the packet and encoding it again. It pays a full decode/encode per
// recipient.
type Structural struct {
	opts Options
}

// Name implements Mutator.
func (m *Structural) Name() string { return StrategyStructural }

// Mutate implements Mutator.
func (m *Structural) Mutate(raw string, acks AckAllocator) string {
	p, err := frame.Decode(raw)
	if err != nil || p.Type != frame.TypeEvent || p.HasID || len(p.Data) != 3 {
		return raw
	}
	token := p.Event()
	if token != tokenAck && token != tokenNoAck {
		return raw
	}
	messageID, ok := p.StringArg(1)
	if !ok {
		return raw
	}

	var stamped bool
	if token == tokenAck && acks != nil {
		p.ID, stamped = acks.AllocateAck(messageID)
		p.HasID = stamped
	}
	p.Data[0] = json.RawMessage(strconv.Quote(DeliveryEvent))
	if stamped && m.opts.ServerTimestamp {
		p.Data = append(p.Data, json.RawMessage(strconv.FormatInt(m.opts.now(), 10)))
	}

	out, err := frame.Encode(p)
	if err != nil {
		return raw
	}
	countMutation(StrategyStructural, stamped)
	return out
}
