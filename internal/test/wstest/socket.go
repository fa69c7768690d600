// Package wstest contains helpers for testing the server.
package wstest

import (
	"bytes"
	"net"
	"sync"
)

// Socket is an in memory transport.Socket that records what is written.
type Socket struct {
	id   int
	ip   string
	port int

	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	err    error
	closed bool
}

// NewSocket returns a socket with the given id from 127.0.0.1.
func NewSocket(id int) *Socket {
	return &Socket{
		id:   id,
		ip:   "127.0.0.1",
		port: 40000 + id,
	}
}

func (s *Socket) ID() int {
	return s.id
}

func (s *Socket) Peer() (string, int) {
	return s.ip, s.port
}

func (s *Socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if s.closed {
		return 0, net.ErrClosed
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Fail makes every later Write return err.
func (s *Socket) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Bytes returns a copy of everything written so far.
func (s *Socket) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// Writes returns the number of successful Write calls.
func (s *Socket) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reset drops the recorded writes.
func (s *Socket) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.writes = 0
}
