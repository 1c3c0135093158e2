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

// Package frame implements the text wire format spoken with clients:
//
//	<type digit>[<namespace>,][<id>][<json array>]
//
// The namespace is omitted for the root namespace "/". Event packets carry
// their event name as the first element of the array; acknowledgment packets
// carry the id of the event they acknowledge.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is the packet type digit.
type Type byte

const (
	TypeConnect    Type = 0
	TypeDisconnect Type = 1
	TypeEvent      Type = 2
	TypeAck        Type = 3
	TypeError      Type = 4
)

// RootNamespace is the namespace that is never written on the wire.
const RootNamespace = "/"

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Packet is a decoded frame.
type Packet struct {
	Type      Type
	Namespace string
	// ID is meaningful only when HasID is set.
	ID    int64
	HasID bool
	Data  []json.RawMessage
}

// Event returns the event name of an event packet, or "" when the first
// element is missing or not a string.
func (p *Packet) Event() string {
	if len(p.Data) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(p.Data[0], &name); err != nil {
		return ""
	}
	return name
}

// StringArg returns the i-th element (0 is the event name) as a string.
func (p *Packet) StringArg(i int) (string, bool) {
	if i >= len(p.Data) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p.Data[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// NewEvent builds an event packet from an event name and arguments. Arguments
// that are already json.RawMessage are embedded verbatim.
func NewEvent(namespace, event string, args ...any) (*Packet, error) {
	data := make([]json.RawMessage, 0, len(args)+1)
	name, err := marshal(event)
	if err != nil {
		return nil, err
	}
	data = append(data, name)
	for _, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			data = append(data, raw)
			continue
		}
		b, err := marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode event argument: %w", err)
		}
		data = append(data, b)
	}
	return &Packet{Type: TypeEvent, Namespace: namespace, Data: data}, nil
}

// Encode serializes p. HTML characters are not escaped so that embedded raw
// JSON bodies keep their bytes.
func Encode(p *Packet) (string, error) {
	var b strings.Builder
	b.WriteByte('0' + byte(p.Type))
	if p.Namespace != "" && p.Namespace != RootNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasID {
		b.WriteString(strconv.FormatInt(p.ID, 10))
	}
	if p.Data != nil {
		body, err := marshal(p.Data)
		if err != nil {
			return "", fmt.Errorf("encode frame data: %w", err)
		}
		b.Write(body)
	}
	return b.String(), nil
}

// Header returns the frame prefix that precedes the id: the type digit plus
// the namespace segment, if any.
func Header(t Type, namespace string) string {
	if namespace == "" || namespace == RootNamespace {
		return string('0' + byte(t))
	}
	return string('0'+byte(t)) + namespace + ","
}

// Decode parses a frame.
func Decode(s string) (*Packet, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	t := s[0]
	if t < '0' || t > '4' {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, t)
	}
	p := &Packet{Type: Type(t - '0'), Namespace: RootNamespace}
	i := 1

	if i < len(s) && s[i] == '/' {
		end := strings.IndexByte(s[i:], ',')
		if end < 0 {
			// "0/chat" is a bare connect to a namespace.
			p.Namespace = s[i:]
			return p, nil
		}
		p.Namespace = s[i : i+end]
		i += end + 1
	}

	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad id: %v", ErrMalformed, err)
		}
		p.ID = id
		p.HasID = true
	}

	if i < len(s) {
		if err := json.Unmarshal([]byte(s[i:]), &p.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.Data == nil {
			return nil, fmt.Errorf("%w: data is not an array", ErrMalformed)
		}
	}
	return p, nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
