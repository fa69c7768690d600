package wsserver

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/textproto"
	"regexp"

	"cdr.dev/slog"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/xerrors"
)

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// keyPattern matches the base64 encoding of exactly 16 bytes.
var keyPattern = regexp.MustCompile(`^[+/0-9A-Za-z]{21}[AQgw]==$`)

// AcceptKey computes the Sec-WebSocket-Accept value for key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether key is a well formed Sec-WebSocket-Key.
func ValidKey(key string) bool {
	if !keyPattern.MatchString(key) {
		return false
	}
	b, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(b) == 16
}

var headerEnd = []byte("\r\n\r\n")

// parseUpgradeRequest parses the raw bytes of an upgrade request.
func parseUpgradeRequest(raw []byte) (*http.Request, error) {
	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, xerrors.Errorf("failed to parse upgrade request: %w", err)
	}
	return r, nil
}

func headerValuesContainsToken(h http.Header, key, val string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return httpguts.HeaderValuesContainsToken(h[key], val)
}

func selectSubprotocol(r *http.Request, subprotocols []string) string {
	for _, sp := range subprotocols {
		if headerValuesContainsToken(r.Header, "Sec-WebSocket-Protocol", sp) {
			return sp
		}
	}
	return ""
}

func requestPath(r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// handshake completes the upgrade of c from the raw request. It reports
// whether the connection is open. Every rejection writes a response before
// the connection is closed and never raises OnOpen or OnClose.
func (s *Server) handshake(c *conn, raw []byte) bool {
	id := c.id
	c.state = stateHandshaking
	s.log.Debug(s.ctx, "handshake request", slog.F("id", id), slog.F("request", string(raw)))

	resp := newResponse()

	r, err := parseUpgradeRequest(raw)
	if err != nil {
		s.log.Error(s.ctx, "handshake failed", slog.F("id", id), slog.Error(err))
		resp.Reject(http.StatusBadRequest, "400 Bad Request: malformed upgrade request.")
		s.rejectHandshake(c, resp)
		return false
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if !ValidKey(key) {
		s.log.Error(s.ctx, "handshake failed: Sec-WebSocket-Key missing or invalid",
			slog.F("id", id),
			slog.F("key", key),
		)
		resp.Reject(http.StatusBadRequest, "400 Bad Request: [Sec-WebSocket-Key] not found or invalid in request header.")
		s.rejectHandshake(c, resp)
		return false
	}

	if !headerValuesContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerValuesContainsToken(r.Header, "Upgrade", "websocket") {
		s.log.Warn(s.ctx, "upgrade request without Connection: Upgrade and Upgrade: websocket",
			slog.F("id", id),
			slog.F("connection", r.Header.Get("Connection")),
			slog.F("upgrade", r.Header.Get("Upgrade")),
		)
	}

	if !s.h.OnHandshake(r, resp, id) {
		if resp.Status == 0 || resp.Status == http.StatusSwitchingProtocols {
			resp.Reject(http.StatusForbidden, "403 Forbidden")
		}
		s.log.Info(s.ctx, "handshake rejected by handler",
			slog.F("id", id),
			slog.F("status", resp.Status),
		)
		s.rejectHandshake(c, resp)
		return false
	}

	resp.Status = http.StatusSwitchingProtocols
	resp.Body = nil
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	resp.Header.Set("Sec-WebSocket-Accept", AcceptKey(key))
	resp.Header.Set("Sec-WebSocket-Version", "13")
	if sp := selectSubprotocol(r, s.cfg.Subprotocols); sp != "" {
		resp.Header.Set("Sec-WebSocket-Protocol", sp)
	}

	err = s.writeTo(c, resp.Bytes())
	if err != nil {
		s.log.Warn(s.ctx, "failed to write handshake response", slog.F("id", id), slog.Error(err))
		s.close(id, true)
		return false
	}

	path := requestPath(r)
	meta, ok := s.reg.setOpen(id, path)
	if !ok {
		// Closed while we were answering.
		return false
	}
	c.state = stateOpen
	if c.timer != nil {
		c.timer.Stop()
	}

	s.log.Info(s.ctx, "handshake successful",
		slog.F("id", id),
		slog.F("ip", meta.IP),
		slog.F("port", meta.Port),
		slog.F("path", meta.Path),
	)

	s.submit(id, func() {
		s.h.OnOpen(s, r, id)
	})
	return true
}

func (s *Server) rejectHandshake(c *conn, resp *Response) {
	err := s.writeTo(c, resp.Bytes())
	if err != nil {
		s.log.Warn(s.ctx, "failed to write handshake rejection", slog.F("id", c.id), slog.Error(err))
	}
	c.state = stateClosed
	s.close(c.id, false)
}
