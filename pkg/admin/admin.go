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

// Package admin provides the HTTP endpoints backend services use to push
// messages and manage rooms. Every endpoint maps onto one fanout operation.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/turtacn/pushgate/pkg/gateway"
	"go.uber.org/zap"
)

// Envelope codes.
const (
	CodeOK           = 0
	CodeMissingParam = 1
	CodeInternal     = 2
)

const maxBodySize = 1 << 20

// Fanout is the set of gateway operations exposed over HTTP.
type Fanout interface {
	PushToDevice(ctx context.Context, uid, messageID string, message any, ack bool) ([]string, error)
	PushToDevices(ctx context.Context, uids []string, messageID string, message any, ack bool) ([]string, error)
	PushToRooms(ctx context.Context, tags []string, messageID string, message any, ack bool) ([]string, error)
	PushToAll(ctx context.Context, messageID string, message any) error
	PushOfflineMessages(ctx context.Context, uid string, messages []gateway.OfflineMessage) ([]string, error)
	RequestRoomChange(ctx context.Context, uids, joins, leaves []string) error
	TagMembers(ctx context.Context, tag string) ([]string, error)
	Owner(ctx context.Context, uid string) (string, error)
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Confirmation is returned by pushes that requested an ack.
type Confirmation struct {
	Confirmed []string `json:"confirmed"`
}

// APIServer serves the administrative endpoints.
type APIServer struct {
	fanout    Fanout
	separator string
	logger    *zap.Logger
}

// NewAPIServer creates a server. separator splits list parameters sent as
// plain strings.
func NewAPIServer(fanout Fanout, separator string, logger *zap.Logger) *APIServer {
	if separator == "" {
		separator = ","
	}
	return &APIServer{fanout: fanout, separator: separator, logger: logger.Named("admin")}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/pushMsgToSingleDevice", s.post(s.handlePushToDevice))
	mux.HandleFunc("/pushBatchUniMsg", s.post(s.handlePushBatch))
	mux.HandleFunc("/pushMsgToRoom", s.post(s.handlePushToRoom))
	mux.HandleFunc("/pushMsgToAll", s.post(s.handlePushToAll))
	mux.HandleFunc("/pushOffLineMsg", s.post(s.handlePushOffline))
	mux.HandleFunc("/changeRoom", s.post(s.handleChangeRoom))
	mux.HandleFunc("/tagMembers", s.get(s.handleTagMembers))
	mux.HandleFunc("/owner", s.get(s.handleOwner))
}

type handlerFunc func(r *http.Request, p *params) (any, error)

func (s *APIServer) post(h handlerFunc) http.HandlerFunc {
	return s.wrap(http.MethodPost, h)
}

func (s *APIServer) get(h handlerFunc) http.HandlerFunc {
	return s.wrap(http.MethodGet, h)
}

func (s *APIServer) wrap(method string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.writeJSON(w, http.StatusMethodNotAllowed, APIResponse{Code: CodeMissingParam, Msg: "method not allowed"})
			return
		}
		p, err := parseParams(w, r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		data, err := h(r, p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, APIResponse{Code: CodeOK, Msg: "ok", Data: data})
	}
}

func (s *APIServer) handlePushToDevice(r *http.Request, p *params) (any, error) {
	uid, mid, msg, err := p.require3("useraccount", "msgId", "message")
	if err != nil {
		return nil, err
	}
	return confirmation(s.fanout.PushToDevice(r.Context(), uid, mid, msg, p.flag("ack", true)))
}

func (s *APIServer) handlePushBatch(r *http.Request, p *params) (any, error) {
	uids := p.list("useraccounts", s.separator)
	if len(uids) == 0 {
		return nil, missing("useraccounts")
	}
	mid, msg, err := p.require2("msgId", "message")
	if err != nil {
		return nil, err
	}
	return confirmation(s.fanout.PushToDevices(r.Context(), uids, mid, msg, p.flag("ack", true)))
}

func (s *APIServer) handlePushToRoom(r *http.Request, p *params) (any, error) {
	tags := p.list("tags", s.separator)
	if len(tags) == 0 {
		return nil, missing("tags")
	}
	mid, msg, err := p.require2("msgId", "message")
	if err != nil {
		return nil, err
	}
	return confirmation(s.fanout.PushToRooms(r.Context(), tags, mid, msg, p.flag("ack", true)))
}

func (s *APIServer) handlePushToAll(r *http.Request, p *params) (any, error) {
	mid, msg, err := p.require2("msgId", "message")
	if err != nil {
		return nil, err
	}
	return nil, s.fanout.PushToAll(r.Context(), mid, msg)
}

func (s *APIServer) handlePushOffline(r *http.Request, p *params) (any, error) {
	uid, ok := p.str("useraccount")
	if !ok {
		return nil, missing("useraccount")
	}
	list, ok := p.result("msglist")
	if !ok {
		return nil, missing("msglist")
	}
	if list.Type == gjson.String {
		if !gjson.Valid(list.Str) {
			return nil, fmt.Errorf("%w: msglist is not valid JSON", gateway.ErrInvalidArgument)
		}
		list = gjson.Parse(list.Str)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: msglist must be an array", gateway.ErrInvalidArgument)
	}

	var messages []gateway.OfflineMessage
	list.ForEach(func(_, item gjson.Result) bool {
		m := gateway.OfflineMessage{ID: item.Get("msgId").String()}
		if body := item.Get("message"); body.Exists() {
			m.Message = json.RawMessage(body.Raw)
		}
		messages = append(messages, m)
		return true
	})
	return confirmation(s.fanout.PushOfflineMessages(r.Context(), uid, messages))
}

func (s *APIServer) handleChangeRoom(r *http.Request, p *params) (any, error) {
	uids := p.list("useraccounts", s.separator)
	if len(uids) == 0 {
		return nil, missing("useraccounts")
	}
	joins, leaves := p.list("joins", s.separator), p.list("leaves", s.separator)
	if len(joins) == 0 && len(leaves) == 0 {
		return nil, nil
	}
	return nil, s.fanout.RequestRoomChange(r.Context(), uids, joins, leaves)
}

func (s *APIServer) handleTagMembers(r *http.Request, p *params) (any, error) {
	tag, ok := p.str("tag")
	if !ok {
		return nil, missing("tag")
	}
	uids, err := s.fanout.TagMembers(r.Context(), tag)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag, "useraccounts": uids}, nil
}

func (s *APIServer) handleOwner(r *http.Request, p *params) (any, error) {
	uid, ok := p.str("useraccount")
	if !ok {
		return nil, missing("useraccount")
	}
	conn, err := s.fanout.Owner(r.Context(), uid)
	if err != nil {
		return nil, err
	}
	return map[string]any{"useraccount": uid, "online": conn != "", "conn": conn}, nil
}

func confirmation(confirmed []string, err error) (any, error) {
	if err != nil || confirmed == nil {
		return nil, err
	}
	return Confirmation{Confirmed: confirmed}, nil
}

func missing(name string) error {
	return fmt.Errorf("%w: missing parameter %s", gateway.ErrInvalidArgument, name)
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrInvalidArgument) {
		s.writeJSON(w, http.StatusBadRequest, APIResponse{Code: CodeMissingParam, Msg: err.Error()})
		return
	}
	s.logger.Error("Request failed", zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, APIResponse{Code: CodeInternal, Msg: err.Error()})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// params reads request parameters from a JSON body or from the form and
// query string.
type params struct {
	body gjson.Result
	form url.Values
}

func parseParams(w http.ResponseWriter, r *http.Request) (*params, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", gateway.ErrInvalidArgument, err)
		}
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("%w: body is not valid JSON", gateway.ErrInvalidArgument)
		}
		return &params{body: gjson.ParseBytes(data), form: r.URL.Query()}, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: parse form: %v", gateway.ErrInvalidArgument, err)
	}
	return &params{form: r.Form}, nil
}

// result returns the raw parameter. Form values come back as strings.
func (p *params) result(name string) (gjson.Result, bool) {
	if p.body.IsObject() {
		if v := p.body.Get(name); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	if vs, ok := p.form[name]; ok && len(vs) > 0 {
		return gjson.Result{Type: gjson.String, Str: vs[0]}, true
	}
	return gjson.Result{}, false
}

func (p *params) str(name string) (string, bool) {
	v, ok := p.result(name)
	if !ok || v.String() == "" {
		return "", false
	}
	return v.String(), true
}

// list accepts a JSON array or a separator-joined string.
func (p *params) list(name, sep string) []string {
	v, ok := p.result(name)
	if !ok {
		return nil
	}
	var items []string
	if v.IsArray() {
		for _, item := range v.Array() {
			items = append(items, item.String())
		}
	} else {
		items = strings.Split(v.String(), sep)
	}
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// message returns the message body. JSON bodies keep their JSON type; form
// values are strings.
func (p *params) message(name string) (any, bool) {
	v, ok := p.result(name)
	if !ok {
		return nil, false
	}
	if v.Raw != "" {
		return json.RawMessage(v.Raw), true
	}
	return v.Str, true
}

// flag reads a boolean parameter. Absent or unparsable values yield def.
func (p *params) flag(name string, def bool) bool {
	v, ok := p.result(name)
	if !ok {
		return def
	}
	if v.Type == gjson.True || v.Type == gjson.False {
		return v.Bool()
	}
	b, err := strconv.ParseBool(v.String())
	if err != nil {
		return def
	}
	return b
}

func (p *params) require2(id, body string) (string, any, error) {
	mid, ok := p.str(id)
	if !ok {
		return "", nil, missing(id)
	}
	msg, ok := p.message(body)
	if !ok {
		return "", nil, missing(body)
	}
	return mid, msg, nil
}

func (p *params) require3(target, id, body string) (string, string, any, error) {
	t, ok := p.str(target)
	if !ok {
		return "", "", nil, missing(target)
	}
	mid, msg, err := p.require2(id, body)
	return t, mid, msg, err
}
