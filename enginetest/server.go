// Package enginetest provides an in-process stand-in for the engine's
// websocket RPC endpoint.
package enginetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/patdz/aria2rpc/codec"
	"github.com/patdz/aria2rpc/proto"
)

// Handler computes the reply to one request. A non-nil error is sent as the
// reply's error object.
type Handler func(req *proto.Request) (interface{}, *proto.Error)

type conn struct {
	ws    *websocket.Conn
	mutex sync.Mutex // serializes writes
}

func (c *conn) write(v interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ws.WriteJSON(v)
}

// Server answers every request with "OK" unless a handler is registered for
// its method, and records the requests it has seen.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mutex    sync.Mutex
	refusing bool
	handlers map[string]Handler
	requests []proto.Request
	conns    map[*conn]struct{}
}

func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*conn]struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Handle registers h for the fully qualified method, e.g. "aria2.tellStatus".
func (s *Server) Handle(method string, h Handler) {
	s.mutex.Lock()
	s.handlers[method] = h
	s.mutex.Unlock()
}

// WebsocketURL is the ws:// address of the endpoint.
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *Server) Dialer() codec.Dialer {
	return codec.Dialer{URL: s.WebsocketURL()}
}

// Methods returns the methods of all requests received so far, in order.
func (s *Server) Methods() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	methods := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		methods = append(methods, req.Method)
	}
	return methods
}

// Requests returns all requests received so far, in order.
func (s *Server) Requests() []proto.Request {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]proto.Request(nil), s.requests...)
}

// Notify pushes a task notification to every connected client.
func (s *Server) Notify(method, gid string) {
	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  []proto.NotificationParam{{GID: gid}},
	}
	for _, c := range s.live() {
		_ = c.write(msg)
	}
}

// Refuse makes the server turn away new connections while on is true, as
// an engine that has gone away would.
func (s *Server) Refuse(on bool) {
	s.mutex.Lock()
	s.refusing = on
	s.mutex.Unlock()
}

// DropAll closes every open connection; the server keeps accepting new ones.
func (s *Server) DropAll() {
	for _, c := range s.live() {
		_ = c.ws.Close()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return len(s.live())
}

func (s *Server) live() []*conn {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	refusing := s.refusing
	s.mutex.Unlock()
	if refusing {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	s.mutex.Lock()
	s.conns[c] = struct{}{}
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		delete(s.conns, c)
		s.mutex.Unlock()
		_ = ws.Close()
	}()

	for {
		var req proto.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		s.mutex.Lock()
		s.requests = append(s.requests, req)
		h := s.handlers[req.Method]
		s.mutex.Unlock()

		reply := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			reply["result"] = "OK"
		} else if result, rerr := h(&req); rerr != nil {
			reply["error"] = rerr
		} else {
			reply["result"] = result
		}
		if err := c.write(reply); err != nil {
			return
		}
	}
}
