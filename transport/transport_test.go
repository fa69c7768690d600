package transport

import (
	"net"
	"testing"

	"nhooyr.io/wsserver/internal/test/assert"
)

func TestSplitPeer(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		addr net.Addr
		ip   string
		port int
	}{
		{
			name: "ipv4",
			addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080},
			ip:   "127.0.0.1",
			port: 8080,
		},
		{
			name: "ipv6",
			addr: &net.TCPAddr{IP: net.IPv6loopback, Port: 443},
			ip:   "::1",
			port: 443,
		},
		{
			name: "nil",
		},
		{
			name: "unix",
			addr: &net.UnixAddr{Name: "/tmp/ws.sock", Net: "unix"},
			ip:   "/tmp/ws.sock",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ip, port := SplitPeer(tc.addr)
			assert.Equal(t, "ip", tc.ip, ip)
			assert.Equal(t, "port", tc.port, port)
		})
	}
}

func TestListenUnknown(t *testing.T) {
	t.Parallel()

	_, err := Listen("carrier-pigeon", Options{Addr: "localhost:0"})
	assert.Contains(t, err, "unknown driver")
}
