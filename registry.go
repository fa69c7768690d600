package wsserver

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/atomicint"
	"nhooyr.io/wsserver/transport"
)

type connState int

const (
	stateConnected connState = iota
	stateHandshaking
	stateOpen
	stateClosed
)

// conn is the server side state of one socket.
type conn struct {
	id   int
	sock transport.Socket

	// wmu serializes whole messages on the socket so that chunked writes
	// from different workers never interleave.
	wmu sync.Mutex

	// Owned by the socket's read path.
	state   connState
	reqBuf  []byte
	frames  FrameBuffer
	limiter *rate.Limiter
	timer   *time.Timer
}

// registry tracks live connections. clients and metas always hold the
// same key set and count always equals their size.
type registry struct {
	mu      sync.RWMutex
	clients map[int]*conn
	metas   map[int]*Meta
	count   atomicint.Int64
}

func newRegistry() *registry {
	return &registry{
		clients: make(map[int]*conn),
		metas:   make(map[int]*Meta),
	}
}

var (
	errDuplicateID = xerrors.New("connection id already registered")
	errTooMany     = xerrors.New("too many connections")
)

// add registers c unless max connections are live. A max of zero means
// no limit.
func (r *registry) add(c *conn, m Meta, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; ok {
		return errDuplicateID
	}
	if max > 0 && len(r.clients) >= max {
		return errTooMany
	}
	r.clients[c.id] = c
	r.metas[c.id] = &m
	r.count.Inc()
	return nil
}

// remove claims id. Only the first caller for an id gets ok.
func (r *registry) remove(id int) (*conn, Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, Meta{}, false
	}
	m := *r.metas[id]
	delete(r.clients, id)
	delete(r.metas, id)
	r.count.Dec()
	return c, m, true
}

func (r *registry) conn(id int) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) meta(id int) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[id]
	if !ok {
		return Meta{}, false
	}
	return *m, true
}

// setOpen marks the handshake of id as done.
func (r *registry) setOpen(id int, path string) (Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metas[id]
	if !ok {
		return Meta{}, false
	}
	m.Handshake = true
	m.Path = path
	return *m, true
}

// snapshot returns the live connections ordered by id.
func (r *registry) snapshot() []*conn {
	r.mu.RLock()
	cs := make([]*conn, 0, len(r.clients))
	for _, c := range r.clients {
		cs = append(cs, c)
	}
	r.mu.RUnlock()

	sort.Slice(cs, func(i, j int) bool {
		return cs[i].id < cs[j].id
	})
	return cs
}

func (r *registry) allMetas() []Meta {
	r.mu.RLock()
	ms := make([]Meta, 0, len(r.metas))
	for _, m := range r.metas {
		ms = append(ms, *m)
	}
	r.mu.RUnlock()

	sort.Slice(ms, func(i, j int) bool {
		return ms[i].ID < ms[j].ID
	})
	return ms
}

func (r *registry) handshaken() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.metas {
		if m.Handshake {
			n++
		}
	}
	return n
}

// HasClient reports whether id is a live connection.
func (s *Server) HasClient(id int) bool {
	_, ok := s.reg.conn(id)
	return ok
}

// GetClient returns the socket of id.
func (s *Server) GetClient(id int) (transport.Socket, bool) {
	c, ok := s.reg.conn(id)
	if !ok {
		return nil, false
	}
	return c.sock, true
}

// HasMeta reports whether id has metadata. It agrees with HasClient.
func (s *Server) HasMeta(id int) bool {
	_, ok := s.reg.meta(id)
	return ok
}

// GetMeta returns a copy of the metadata of id.
func (s *Server) GetMeta(id int) (Meta, bool) {
	return s.reg.meta(id)
}

// IsHandshakeDone reports whether id completed its handshake.
// Unknown ids report false.
func (s *Server) IsHandshakeDone(id int) bool {
	m, ok := s.reg.meta(id)
	return ok && m.Handshake
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	return int(s.reg.count.Load())
}

// CountHandshakeComplete returns the number of open connections.
func (s *Server) CountHandshakeComplete() int {
	return s.reg.handshaken()
}

// Metas returns the metadata of every live connection ordered by id.
func (s *Server) Metas() []Meta {
	return s.reg.allMetas()
}
