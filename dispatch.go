package wsserver

import (
	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

func senderName(id int) interface{} {
	if id <= 0 {
		return "SYSTEM"
	}
	return id
}

// SendTo sends data as a text message to receiver. Sending to an unknown
// receiver is logged and is not an error. sender is only used for logging,
// zero means the server itself.
func (s *Server) SendTo(receiver int, data []byte, sender int) error {
	if len(data) == 0 {
		return nil
	}
	c, ok := s.reg.conn(receiver)
	if !ok {
		s.log.Warn(s.ctx, "send to unknown receiver",
			slog.F("from", senderName(sender)),
			slog.F("to", receiver),
		)
		return nil
	}

	s.log.Debug(s.ctx, "private message",
		slog.F("from", senderName(sender)),
		slog.F("to", receiver),
		slog.F("len", len(data)),
	)
	return s.writeTo(c, Encode(data))
}

// Broadcast sends data to a set of connections and encodes it once.
//
// With a single receiver it behaves like SendTo. With receivers, every
// live receiver not listed in excluded gets the message. Without
// receivers, every live connection not listed in excluded gets it.
//
// A failed write does not stop the fan-out; the last write error is
// returned.
func (s *Server) Broadcast(data []byte, receivers, excluded []int, sender int) error {
	if len(data) == 0 {
		return nil
	}
	if len(receivers) == 1 {
		return s.SendTo(receivers[0], data, sender)
	}

	skip := make(map[int]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	var targets []*conn
	if len(receivers) > 0 {
		for _, id := range receivers {
			if _, ok := skip[id]; ok {
				continue
			}
			// Also drops duplicate receivers.
			skip[id] = struct{}{}
			c, ok := s.reg.conn(id)
			if !ok {
				continue
			}
			targets = append(targets, c)
		}
	} else {
		for _, c := range s.reg.snapshot() {
			if _, ok := skip[c.id]; ok {
				continue
			}
			targets = append(targets, c)
		}
	}

	s.log.Debug(s.ctx, "broadcast",
		slog.F("from", senderName(sender)),
		slog.F("receivers", receivers),
		slog.F("excluded", excluded),
		slog.F("targets", len(targets)),
		slog.F("len", len(data)),
	)

	frame := Encode(data)
	var lastErr error
	for _, c := range targets {
		err := s.writeTo(c, frame)
		if err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Send is SendTo when receivers has exactly one element and Broadcast
// otherwise.
func (s *Server) Send(data []byte, sender int, receivers, excluded []int) error {
	if len(receivers) == 1 {
		return s.SendTo(receivers[0], data, sender)
	}
	return s.Broadcast(data, receivers, excluded, sender)
}

// writeTo writes b to c in chunks of at most FragmentSize bytes.
func (s *Server) writeTo(c *conn, b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n := s.cfg.FragmentSize
	if n <= 0 {
		n = len(b)
	}
	for len(b) > 0 {
		chunk := b
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		_, err := c.sock.Write(chunk)
		if err != nil {
			s.log.Warn(s.ctx, "failed to write to connection", slog.F("id", c.id), slog.Error(err))
			return xerrors.Errorf("failed to write to connection %v: %w", c.id, err)
		}
		b = b[len(chunk):]
	}
	return nil
}
