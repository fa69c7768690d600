package wstest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

// Dial connects a client to the server at addr. Its write buffer holds
// messages of up to 8 KiB so they go out as a single frame.
func Dial(ctx context.Context, addr, path string, h http.Header) (*websocket.Conn, *http.Response, error) {
	return DialBuffer(ctx, addr, path, h, 8192)
}

// DialBuffer is Dial with the given write buffer size. Gorilla fragments
// messages larger than the buffer.
func DialBuffer(ctx context.Context, addr, path string, h http.Header, writeBufferSize int) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		WriteBufferSize:  writeBufferSize,
	}
	return d.DialContext(ctx, "ws://"+addr+path, h)
}

// ReadText reads messages from c until n bytes arrived. The server splits
// long messages into frames of at most 125 bytes, each of which a client
// sees as its own message.
func ReadText(c *websocket.Conn, n int, timeout time.Duration) (string, error) {
	err := c.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		return "", err
	}
	defer c.SetReadDeadline(time.Time{})

	var sb strings.Builder
	for sb.Len() < n {
		typ, p, err := c.ReadMessage()
		if err != nil {
			return sb.String(), xerrors.Errorf("failed to read message: %w", err)
		}
		if typ != websocket.TextMessage {
			return sb.String(), xerrors.Errorf("unexpected message type %v", typ)
		}
		sb.Write(p)
	}
	return sb.String(), nil
}
