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
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Parsed is the result of matching a frame against the delivery grammar.
// When Matched is false no other field is meaningful.
type Parsed struct {
	Matched      bool
	AckRequested bool
	MessageID    string

	// header is everything before the JSON array ("2/push,"), rawID is the
	// message id as it appears between its quotes, body is the raw JSON body
	// without the closing bracket of the array.
	header string
	rawID  string
	body   string
}

// NoMatch is the Parsed value for frames outside the delivery grammar.
var NoMatch = Parsed{}

// Parse matches frame against
//
//	2[<nsp>,]["<true|false>","<message id>",<json body>]
//
// without decoding the body. The frame must be an event without an id, both
// strings must be valid JSON strings and the body must be valid JSON.
func Parse(frame string) Parsed {
	if len(frame) < 2 || frame[0] != '2' {
		return NoMatch
	}
	open := strings.IndexByte(frame, '[')
	if open < 0 {
		return NoMatch
	}
	header := frame[:open]
	if len(header) > 1 {
		// Only a namespace may sit between the type digit and the array;
		// a trailing id means the frame was already stamped.
		if header[1] != '/' || header[len(header)-1] != ',' {
			return NoMatch
		}
	}

	rest := frame[open:]
	if !strings.HasPrefix(rest, `["`) {
		return NoMatch
	}
	rest = rest[2:]
	token, _, rest, ok := cutString(rest)
	if !ok {
		return NoMatch
	}
	if token != tokenAck && token != tokenNoAck {
		return NoMatch
	}
	if !strings.HasPrefix(rest, `,"`) {
		return NoMatch
	}
	rest = rest[2:]
	messageID, rawID, rest, ok := cutString(rest)
	if !ok {
		return NoMatch
	}
	if !strings.HasPrefix(rest, ",") || !strings.HasSuffix(rest, "]") {
		return NoMatch
	}
	body := rest[1 : len(rest)-1]
	if !gjson.Valid(body) {
		return NoMatch
	}
	return Parsed{
		Matched:      true,
		AckRequested: token == tokenAck,
		MessageID:    messageID,
		header:       header,
		rawID:        rawID,
		body:         body,
	}
}

// cutString reads a JSON string whose opening quote is already consumed. It
// returns the decoded value, the bytes between the quotes and what follows
// the closing quote.
func cutString(s string) (value, raw, rest string, ok bool) {
	escaped := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			quoted := `"` + s[:i+1]
			if !gjson.Valid(quoted) {
				return "", "", "", false
			}
			return gjson.Parse(quoted).String(), s[:i], s[i+1:], true
		}
	}
	return "", "", "", false
}

// Textual rewrites frames by splicing strings. The JSON body is copied
// byte for byte and never decoded.
type Textual struct {
	opts Options
}

// Name implements Mutator.
func (m *Textual) Name() string { return StrategyTextual }

// Mutate implements Mutator.
func (m *Textual) Mutate(frame string, acks AckAllocator) string {
	p := Parse(frame)
	if !p.Matched {
		return frame
	}

	var (
		id      int64
		stamped bool
	)
	if p.AckRequested && acks != nil {
		id, stamped = acks.AllocateAck(p.MessageID)
	}

	var b strings.Builder
	b.Grow(len(frame) + 32)
	b.WriteString(p.header)
	if stamped {
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteString(`["` + DeliveryEvent + `","`)
	b.WriteString(p.rawID)
	b.WriteString(`",`)
	b.WriteString(p.body)
	if stamped && m.opts.ServerTimestamp {
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(m.opts.now(), 10))
	}
	b.WriteByte(']')

	countMutation(StrategyTextual, stamped)
	return b.String()
}
