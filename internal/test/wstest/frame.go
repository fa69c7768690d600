package wstest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
)

// ClientFrame returns p as a masked text frame, the way a browser sends it.
func ClientFrame(p []byte, key [4]byte) []byte {
	f := ws.MaskFrameWith(ws.NewTextFrame(p), key)
	b, err := ws.CompileFrame(f)
	if err != nil {
		panic(fmt.Sprintf("failed to compile frame: %v", err))
	}
	return b
}

// Frames parses every frame in b.
func Frames(b []byte) ([]ws.Frame, error) {
	r := bytes.NewReader(b)
	var fs []ws.Frame
	for r.Len() > 0 {
		f, err := ws.ReadFrame(r)
		if err != nil {
			return fs, err
		}
		if f.Header.Masked {
			ws.Cipher(f.Payload, f.Header.Mask, 0)
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// Payload concatenates the payloads of every frame in b.
func Payload(b []byte) (string, error) {
	fs, err := Frames(b)
	var sb strings.Builder
	for _, f := range fs {
		sb.Write(f.Payload)
	}
	return sb.String(), err
}

// SplitResponse splits the HTTP response at the start of b from the bytes
// that follow it.
func SplitResponse(b []byte) (resp []byte, rest []byte) {
	i := bytes.Index(b, []byte("\r\n\r\n"))
	if i < 0 {
		return b, nil
	}
	return b[:i+4], b[i+4:]
}

// UpgradeRequest returns a raw upgrade request for path with the given
// key. An empty key omits the header. extra lines are added verbatim.
func UpgradeRequest(path, key string, extra ...string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %v HTTP/1.1\r\n", path)
	b.WriteString("Host: localhost\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if key != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Key: %v\r\n", key)
	}
	for _, l := range extra {
		b.WriteString(l + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// StatusCode returns the status code of the raw response at the start
// of b.
func StatusCode(b []byte) int {
	var proto string
	var code int
	_, err := fmt.Fscanf(bytes.NewReader(b), "%s %d", &proto, &code)
	if err != nil {
		return 0
	}
	return code
}

// ReadAll is io.ReadAll on an http.Response body that closes it.
func ReadAll(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
