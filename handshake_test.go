package wsserver

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/wsserver/internal/test/assert"
	"nhooyr.io/wsserver/internal/test/wstest"
	"nhooyr.io/wsserver/internal/test/xrand"
)

func TestAcceptKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "accept", "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey(sampleKey))
}

func TestValidKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		key string
		ok  bool
	}{
		{sampleKey, true},
		{"AAAAAAAAAAAAAAAAAAAAAA==", true},
		{"", false},
		{"dGhlIHNhbXBsZSBub25jZQ", false},
		{"dGhlIHNhbXBsZSBub25jZR==", false},
		{"dGhlIHNhbXBsZSBub25j", false},
		{"dGhlIHNhbXBsZSBub25jZQ==x", false},
		{"dGhl*HNhbXBsZSBub25jZQ==", false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, "valid", tc.ok, ValidKey(tc.key))
		})
	}
}

// events records the callbacks a handler received, in order.
type events struct {
	mu  sync.Mutex
	got []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.got...)
}

func (e *events) handler(accept func(r *http.Request, resp *Response) bool) HandlerFuncs {
	return HandlerFuncs{
		Connect: func(s *Server, id int) {
			e.add("connect")
		},
		Handshake: func(r *http.Request, resp *Response, id int) bool {
			e.add("handshake")
			if accept != nil {
				return accept(r, resp)
			}
			return true
		},
		Open: func(s *Server, r *http.Request, id int) {
			e.add("open")
		},
		Message: func(s *Server, data []byte, id int, meta Meta) string {
			e.add("message " + string(data))
			return ""
		},
		Close: func(s *Server, id int, meta Meta) {
			e.add("close")
		},
	}
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(nil))
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey))
		flush(s, 1)

		resp := string(sock.Bytes())
		assert.Equal(t, "status", http.StatusSwitchingProtocols, wstest.StatusCode(sock.Bytes()))
		assert.Contains(t, resp, "Sec-Websocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
		assert.Contains(t, resp, "Upgrade: websocket\r\n")
		assert.Contains(t, resp, "Connection: Upgrade\r\n")
		assert.Contains(t, resp, "Sec-Websocket-Version: 13\r\n")
		assert.True(t, "ends with blank line", strings.HasSuffix(resp, "\r\n\r\n"))

		assert.True(t, "open", s.IsHandshakeDone(1))
		assert.Equal(t, "events", []string{"connect", "handshake", "open"}, e.list())
	})

	t.Run("split", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(nil))
		sock := accept(s, 1)

		req := wstest.UpgradeRequest("/", sampleKey)
		msg := wstest.ClientFrame([]byte("early"), xrand.MaskKey())
		b := append(req, msg...)
		for i := range b {
			router{s}.Data(sock, b[i:i+1])
		}
		flush(s, 1)

		assert.Equal(t, "events", []string{"connect", "handshake", "open", "message early"}, e.list())
	})

	t.Run("missingKey", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(nil))
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", ""))
		flush(s, 1)

		code := wstest.StatusCode(sock.Bytes())
		assert.True(t, "4xx", code >= 400 && code < 500)
		assert.Contains(t, string(sock.Bytes()), "Sec-WebSocket-Key")
		assert.True(t, "closed", sock.Closed())
		assert.True(t, "removed", !s.HasClient(1))
		assert.Equal(t, "events", []string{"connect"}, e.list())
	})

	t.Run("invalidKey", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{})
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", "bm90IGEga2V5"))

		assert.Equal(t, "status", http.StatusBadRequest, wstest.StatusCode(sock.Bytes()))
		assert.True(t, "closed", sock.Closed())
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{})
		sock := accept(s, 1)
		router{s}.Data(sock, []byte("garbage\r\n\r\n"))

		assert.Equal(t, "status", http.StatusBadRequest, wstest.StatusCode(sock.Bytes()))
		assert.True(t, "closed", sock.Closed())
	})

	t.Run("tooLarge", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{})
		sock := accept(s, 1)
		router{s}.Data(sock, []byte("GET / HTTP/1.1\r\nX: "+xrand.String(s.cfg.MaxHeaderSize)))

		assert.Equal(t, "status", http.StatusRequestHeaderFieldsTooLarge, wstest.StatusCode(sock.Bytes()))
		assert.True(t, "closed", sock.Closed())
	})

	t.Run("tooLargeTerminated", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(nil))
		sock := accept(s, 1)
		big := "X-Pad: " + strings.Repeat("a", s.cfg.MaxHeaderSize)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey, big))

		assert.Equal(t, "status", http.StatusRequestHeaderFieldsTooLarge, wstest.StatusCode(sock.Bytes()))
		assert.True(t, "closed", sock.Closed())
		assert.Equal(t, "events", []string{"connect"}, e.list())
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(func(r *http.Request, resp *Response) bool {
			resp.Reject(http.StatusUnauthorized, "who are you")
			return false
		}))
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey))
		flush(s, 1)

		resp, _ := wstest.SplitResponse(sock.Bytes())
		assert.Equal(t, "status", http.StatusUnauthorized, wstest.StatusCode(resp))
		assert.True(t, "body", strings.HasSuffix(string(sock.Bytes()), "who are you"))
		assert.True(t, "closed", sock.Closed())
		assert.Equal(t, "events", []string{"connect", "handshake"}, e.list())
	})

	t.Run("rejectedDefault", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{
			Handshake: func(r *http.Request, resp *Response, id int) bool {
				return false
			},
		})
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey))

		assert.Equal(t, "status", http.StatusForbidden, wstest.StatusCode(sock.Bytes()))
	})

	t.Run("cookies", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{
			Handshake: func(r *http.Request, resp *Response, id int) bool {
				resp.SetCookie(&http.Cookie{Name: "session", Value: "abc"})
				return true
			},
		})
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey))

		assert.Contains(t, string(sock.Bytes()), "Set-Cookie: session=abc\r\n")
	})

	t.Run("subprotocol", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, HandlerFuncs{})
		s.cfg.Subprotocols = []string{"echo", "chat"}
		sock := accept(s, 1)
		router{s}.Data(sock, wstest.UpgradeRequest("/", sampleKey, "Sec-WebSocket-Protocol: chat, superchat"))

		assert.Contains(t, string(sock.Bytes()), "Sec-Websocket-Protocol: chat\r\n")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		var e events
		s := newTestServer(t, e.handler(nil))
		s.cfg.HandshakeTimeout = 1
		sock := accept(s, 1)

		deadline := time.Now().Add(5 * time.Second)
		for len(e.list()) < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		assert.True(t, "closed", sock.Closed())
		assert.True(t, "removed", !s.HasClient(1))
		assert.Equal(t, "events", []string{"connect", "close"}, e.list())
	})
}

func TestResponseBytes(t *testing.T) {
	t.Parallel()

	r := newResponse()
	r.Reject(http.StatusNotFound, "nope")
	assert.Equal(t, "response",
		"HTTP/1.1 404 Not Found\r\n"+
			"Connection: close\r\n"+
			"Content-Length: 4\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n"+
			"\r\n"+
			"nope",
		string(r.Bytes()),
	)
}
