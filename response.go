package wsserver

import (
	"fmt"
	"net/http"
	"strconv"

	"nhooyr.io/wsserver/internal/bpool"
)

// Response is the HTTP response written for an upgrade request.
// Handlers customize it in OnHandshake.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func newResponse() *Response {
	return &Response{
		Header: make(http.Header),
	}
}

// SetCookie adds a Set-Cookie header.
func (r *Response) SetCookie(c *http.Cookie) {
	if v := c.String(); v != "" {
		r.Header.Add("Set-Cookie", v)
	}
}

// Reject sets a status with a plain text body and asks the client to
// close the connection.
func (r *Response) Reject(status int, body string) {
	r.Status = status
	r.Header.Set("Connection", "close")
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	r.Body = []byte(body)
}

// Bytes serializes the response as HTTP/1.1.
func (r *Response) Bytes() []byte {
	b := bpool.Get()

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	fmt.Fprintf(b, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))

	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if status != http.StatusSwitchingProtocols {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	h.Write(b)
	b.WriteString("\r\n")
	if status != http.StatusSwitchingProtocols {
		b.Write(r.Body)
	}

	return bpool.Bytes(b)
}
