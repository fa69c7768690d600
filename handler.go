package wsserver

import (
	"net/http"
	"time"
)

// Meta describes one connection. The server hands out copies; changing
// a Meta does not affect the connection.
type Meta struct {
	ID          int       `json:"id"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Handshake   bool      `json:"handshake"`
	Path        string    `json:"path"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Handler receives the events of every connection.
//
// For one connection the server calls OnConnect, then OnHandshake at most
// once, then OnOpen if and only if the handshake succeeded, then OnMessage
// zero or more times and finally OnClose once. A connection whose
// handshake is rejected gets no OnClose. No order holds between different
// connections.
//
// OnConnect and OnHandshake run on the connection's read path and must not
// block. OnOpen, OnMessage and OnClose run on the worker owning the
// connection.
type Handler interface {
	OnConnect(s *Server, id int)
	// OnHandshake validates the upgrade request. Returning false rejects
	// the connection with resp, which the handler may customize.
	OnHandshake(r *http.Request, resp *Response, id int) bool
	OnOpen(s *Server, r *http.Request, id int)
	// OnMessage handles one decoded message. A non empty return value is
	// sent back to the connection.
	OnMessage(s *Server, data []byte, id int, meta Meta) string
	// OnClose receives the connection's metadata as it was just before
	// it was removed.
	OnClose(s *Server, id int, meta Meta)
	// OnError receives errors that are not tied to one connection's
	// protocol state, such as handler panics.
	OnError(s *Server, err error)
}

// Reloader is implemented by handlers that want to know about reloads.
type Reloader interface {
	OnReload(s *Server, taskOnly bool)
}

// HandlerFuncs adapts a set of functions to Handler.
// Nil functions do nothing; a nil Handshake accepts every connection.
type HandlerFuncs struct {
	Connect   func(s *Server, id int)
	Handshake func(r *http.Request, resp *Response, id int) bool
	Open      func(s *Server, r *http.Request, id int)
	Message   func(s *Server, data []byte, id int, meta Meta) string
	Close     func(s *Server, id int, meta Meta)
	Error     func(s *Server, err error)
}

var _ Handler = HandlerFuncs{}

func (f HandlerFuncs) OnConnect(s *Server, id int) {
	if f.Connect != nil {
		f.Connect(s, id)
	}
}

func (f HandlerFuncs) OnHandshake(r *http.Request, resp *Response, id int) bool {
	if f.Handshake != nil {
		return f.Handshake(r, resp, id)
	}
	return true
}

func (f HandlerFuncs) OnOpen(s *Server, r *http.Request, id int) {
	if f.Open != nil {
		f.Open(s, r, id)
	}
}

func (f HandlerFuncs) OnMessage(s *Server, data []byte, id int, meta Meta) string {
	if f.Message != nil {
		return f.Message(s, data, id, meta)
	}
	return ""
}

func (f HandlerFuncs) OnClose(s *Server, id int, meta Meta) {
	if f.Close != nil {
		f.Close(s, id, meta)
	}
}

func (f HandlerFuncs) OnError(s *Server, err error) {
	if f.Error != nil {
		f.Error(s, err)
	}
}
