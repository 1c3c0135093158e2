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

package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		typ       Type
		namespace string
		id        int64
		hasID     bool
		event     string
		args      int
	}{
		{name: "connect root", in: "0", typ: TypeConnect, namespace: "/"},
		{name: "connect namespace", in: "0/push", typ: TypeConnect, namespace: "/push"},
		{name: "event root", in: `2["login","u1"]`, typ: TypeEvent, namespace: "/", event: "login", args: 2},
		{name: "event namespace", in: `2/push,["logout"]`, typ: TypeEvent, namespace: "/push", event: "logout", args: 1},
		{name: "event with id", in: `2/push,12["message","m1",{"a":1}]`, typ: TypeEvent, namespace: "/push", id: 12, hasID: true, event: "message", args: 3},
		{name: "ack", in: `3/push,7[]`, typ: TypeAck, namespace: "/push", id: 7, hasID: true},
		{name: "ack root", in: `35`, typ: TypeAck, namespace: "/", id: 5, hasID: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.namespace, p.Namespace)
			assert.Equal(t, tt.hasID, p.HasID)
			assert.Equal(t, tt.id, p.ID)
			assert.Equal(t, tt.event, p.Event())
			assert.Len(t, p.Data, tt.args)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{"", "9", "x[]", `2["unterminated`, `2{"a":1}`, `2null`, "2/push"} {
		t.Run(in, func(t *testing.T) {
			if in == "2/push" {
				// A bare namespace without data is a valid, empty packet.
				_, err := Decode(in)
				assert.NoError(t, err)
				return
			}
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := `2/push,3["message","m1",{"html":"<b>&</b>","n":[1,2]},1700000000000]`
	p, err := Decode(in)
	require.NoError(t, err)
	out, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, in, out, "compact frames survive a decode/encode cycle byte for byte")
}

func TestNewEvent(t *testing.T) {
	p, err := NewEvent("/push", "true", "m1", json.RawMessage(`{"text":"hi <3"}`))
	require.NoError(t, err)
	out, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `2/push,["true","m1",{"text":"hi <3"}]`, out)

	p, err = NewEvent(RootNamespace, "repeat", "-1", "user u1 logged in elsewhere")
	require.NoError(t, err)
	out, err = Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `2["repeat","-1","user u1 logged in elsewhere"]`, out)

	arg, ok := p.StringArg(2)
	assert.True(t, ok)
	assert.Equal(t, "user u1 logged in elsewhere", arg)
	_, ok = p.StringArg(5)
	assert.False(t, ok)
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "2", Header(TypeEvent, "/"))
	assert.Equal(t, "2", Header(TypeEvent, ""))
	assert.Equal(t, "3/push,", Header(TypeAck, "/push"))
}
