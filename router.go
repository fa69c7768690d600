package wsserver

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"cdr.dev/slog"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/transport"
)

// router turns driver readiness events into connection events.
type router struct {
	s *Server
}

var _ transport.Handler = router{}

func (rt router) Accept(sock transport.Socket) {
	rt.s.connect(sock)
}

func (rt router) Data(sock transport.Socket, p []byte) {
	s := rt.s
	c, ok := s.reg.conn(sock.ID())
	if !ok || c.sock != sock {
		return
	}

	if c.state < stateOpen {
		c.reqBuf = append(c.reqBuf, p...)
		end := bytes.Index(c.reqBuf, headerEnd)
		if end >= 0 {
			end += len(headerEnd)
		}
		if n := len(c.reqBuf); end > s.cfg.MaxHeaderSize || (end < 0 && n > s.cfg.MaxHeaderSize) {
			if end > 0 {
				n = end
			}
			s.log.Warn(s.ctx, "upgrade request too large",
				slog.F("id", c.id),
				slog.F("len", n),
			)
			resp := newResponse()
			resp.Reject(http.StatusRequestHeaderFieldsTooLarge, "431 Request Header Fields Too Large")
			s.rejectHandshake(c, resp)
			return
		}
		if end < 0 {
			return
		}
		raw, rest := c.reqBuf[:end], c.reqBuf[end:]
		c.reqBuf = nil
		if !s.handshake(c, raw) {
			return
		}
		if len(rest) == 0 {
			return
		}
		p = rest
	}
	if c.state != stateOpen {
		return
	}
	s.receive(c, p)
}

func (rt router) Closed(sock transport.Socket, err error) {
	s := rt.s
	c, ok := s.reg.conn(sock.ID())
	if !ok || c.sock != sock {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug(s.ctx, "connection read failed", slog.F("id", c.id), slog.Error(err))
	}
	s.close(c.id, true)
}

// connect registers a freshly accepted socket.
func (s *Server) connect(sock transport.Socket) {
	id := sock.ID()
	ip, port := sock.Peer()
	c := &conn{
		id:   id,
		sock: sock,
	}
	if s.cfg.MessageRate > 0 {
		burst := s.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessageRate), burst)
	}
	// The timer is set before the conn becomes visible to other goroutines.
	if s.cfg.HandshakeTimeout > 0 {
		c.timer = time.AfterFunc(s.cfg.HandshakeTimeout, func() {
			if s.HasClient(id) && !s.IsHandshakeDone(id) {
				s.log.Info(s.ctx, "handshake timed out", slog.F("id", id))
				s.close(id, true)
			}
		})
	}
	err := s.reg.add(c, Meta{
		ID:          id,
		IP:          ip,
		Port:        port,
		Path:        "/",
		ConnectedAt: time.Now(),
	}, s.cfg.MaxConnect)
	if err != nil {
		if c.timer != nil {
			c.timer.Stop()
		}
		if xerrors.Is(err, errTooMany) {
			s.stats.rejected.Inc()
		}
		s.log.Warn(s.ctx, "refusing connection",
			slog.F("id", id),
			slog.F("ip", ip),
			slog.F("max_connect", s.cfg.MaxConnect),
			slog.Error(err),
		)
		sock.Close()
		return
	}
	s.stats.accepted.Inc()

	s.log.Info(s.ctx, "connection accepted",
		slog.F("id", id),
		slog.F("ip", ip),
		slog.F("port", port),
		slog.F("count", s.Count()),
	)
	s.h.OnConnect(s, id)
}

// receive feeds bytes of an open connection through its frame buffer and
// dispatches every complete frame.
func (s *Server) receive(c *conn, p []byte) {
	c.frames.ReceiveData(p)
	for {
		if h, err := parseHeader(c.frames.buf); err == nil && h.payloadLength > s.cfg.MaxMessageSize {
			s.log.Warn(s.ctx, "message too large",
				slog.F("id", c.id),
				slog.F("len", h.payloadLength),
				slog.F("max", s.cfg.MaxMessageSize),
			)
			s.close(c.id, true)
			return
		}

		frame, ok := c.frames.Next()
		if !ok {
			break
		}
		if !s.frame(c, frame) {
			return
		}
	}

	if c.frames.Len() > 0 && !c.frames.IsWaitingForData() {
		_, err := parseHeader(c.frames.buf)
		s.reportError(xerrors.Errorf("malformed frame from connection %v: %w", c.id, err))
		s.close(c.id, true)
	}
}

// frame handles one complete frame. It reports false when the connection
// was closed.
func (s *Server) frame(c *conn, frame []byte) bool {
	h, _ := parseHeader(frame)
	switch h.opcode {
	case opClose:
		s.log.Debug(s.ctx, "close frame received", slog.F("id", c.id))
		s.close(c.id, true)
		return false
	case opPing, opPong:
		s.log.Debug(s.ctx, "ignoring control frame", slog.F("id", c.id), slog.F("opcode", h.opcode))
		return true
	}

	data := Decode(frame)
	if data == nil {
		s.log.Debug(s.ctx, "dropping unsupported frame",
			slog.F("id", c.id),
			slog.F("fin", h.fin),
			slog.F("masked", h.masked),
			slog.F("opcode", h.opcode),
		)
		return true
	}
	if c.limiter != nil && !c.limiter.Allow() {
		s.log.Warn(s.ctx, "message rate exceeded, dropping", slog.F("id", c.id))
		return true
	}

	s.message(c.id, data)
	return true
}

func (s *Server) message(id int, data []byte) {
	meta, ok := s.reg.meta(id)
	if !ok {
		return
	}
	s.stats.messages.Inc()
	s.log.Debug(s.ctx, "message received", slog.F("id", id), slog.F("len", len(data)))

	s.submit(id, func() {
		reply := s.h.OnMessage(s, data, id, meta)
		if reply != "" {
			s.SendTo(id, []byte(reply), 0)
		}
	})
}

// close removes id and tears down its socket. Only the first call for an
// id has any effect. triggerEvent controls whether OnClose is raised.
func (s *Server) close(id int, triggerEvent bool) bool {
	c, meta, ok := s.reg.remove(id)
	if !ok {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	err := c.sock.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug(s.ctx, "failed to close socket", slog.F("id", id), slog.Error(err))
	}
	s.stats.closed.Inc()

	s.log.Info(s.ctx, "connection closed",
		slog.F("id", id),
		slog.F("ip", meta.IP),
		slog.F("port", meta.Port),
		slog.F("count", s.Count()),
	)

	if triggerEvent {
		s.submit(id, func() {
			s.h.OnClose(s, id, meta)
		})
	}
	return true
}

// Close closes the connection id and raises OnClose. It reports false if
// id was not live.
func (s *Server) Close(id int) bool {
	return s.close(id, true)
}
