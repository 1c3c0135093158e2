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

// package transport is responsible for the client-facing network layer of the
// gateway. It upgrades HTTP requests to WebSocket connections, pumps text
// frames in both directions and keeps track of which connections joined
// which rooms.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/turtacn/pushgate/pkg/protocol/frame"
	"go.uber.org/zap"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrSendBufferFull is returned when a slow client cannot keep up.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Conn is one client connection as seen by the handler.
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send queues a text frame for the write pump. It never blocks.
	Send(frame string) error
	Close() error
}

// Handler receives connection events. Receive is called from the connection's
// read loop, so frames of one connection arrive in order.
type Handler interface {
	Open(c Conn)
	Receive(c Conn, frame string)
	Close(c Conn)
}

// Options tunes the WebSocket server.
type Options struct {
	// Path is the HTTP path clients connect to.
	Path string
	// Namespace is announced in the connect packet sent on open.
	Namespace      string
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Path:           "/ws",
		Namespace:      frame.RootNamespace,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.Namespace == "" {
		o.Namespace = d.Namespace
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Server accepts WebSocket connections and hands them to a Handler.
type Server struct {
	opts     Options
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewServer creates and returns a new transport Server.
func NewServer(opts Options, handler Handler, logger *zap.Logger) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:    opts,
		handler: handler,
		logger:  logger.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[string]*wsConn),
	}
}

// Start begins listening for new connections on the specified network address.
// It serves in a new goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server failed", zap.Error(err))
		}
	}()

	s.logger.Info("WebSocket server started", zap.String("addr", ln.Addr().String()), zap.String("path", s.opts.Path))
	return nil
}

// Stop stops accepting connections, closes every open connection and waits
// for their handlers to finish.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	open := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}

	s.wg.Wait()
	s.logger.Info("WebSocket server stopped")
	return err
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		conn:   ws,
		send:   make(chan string, s.opts.SendBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump(c)
	}()

	_ = c.Send(connectFrame(s.opts.Namespace))
	s.handler.Open(c)
	s.readPump(c)
	s.handler.Close(c)
	_ = c.Close()
	<-pumpDone
}

// readPump reads frames until the peer goes away or the connection is closed.
func (s *Server) readPump(c *wsConn) {
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("WebSocket read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		if kind != websocket.TextMessage {
			continue
		}
		s.handler.Receive(c, string(data))
	}
}

// writePump pumps queued frames and keepalive pings to the peer.
func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				s.logger.Debug("WebSocket write error", zap.String("conn", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			s.drain(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}

// drain flushes frames queued before the connection was closed, so that a
// final notice sent just before Close still reaches the client.
func (s *Server) drain(c *wsConn) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// connectFrame is the packet announcing the namespace: "0" or "0/ns".
func connectFrame(namespace string) string {
	if namespace == frame.RootNamespace {
		return "0"
	}
	return "0" + namespace
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan string
	remote string

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Send(msg string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close signals the write pump to flush and close the socket. The read loop
// then fails and the handler's Close runs.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Unblock the reader if the pump is stuck on a slow write.
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	})
	return nil
}
