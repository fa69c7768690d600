// Package transport defines the capability interface every socket driver
// exposes to the server: listen, accept readiness, read readiness, write,
// peer info and close.
//
// A driver surfaces I/O to a Handler. For any one socket the driver calls
// Accept first, then Data zero or more times, then Closed exactly once, and
// never concurrently. Calls for different sockets may run concurrently.
package transport

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Socket is one accepted transport connection.
// Write and Close may be called from any goroutine.
type Socket interface {
	// ID is unique among live sockets of the driver and never zero.
	ID() int
	// Write writes p in full or returns an error.
	Write(p []byte) (int, error)
	// Close tears down the socket. Closing twice is not an error.
	Close() error
	// Peer returns the remote address captured at accept time.
	Peer() (ip string, port int)
}

// Handler receives readiness events from a Driver.
type Handler interface {
	// Accept is called once for each newly accepted socket.
	Accept(s Socket)
	// Data is called with bytes read from s.
	// p is only valid for the duration of the call.
	Data(s Socket, p []byte)
	// Closed is called once after s stopped reading, with the read
	// error or nil when the socket was closed locally.
	Closed(s Socket, err error)
}

// Driver is a listening transport.
type Driver interface {
	// Name is the name the driver was registered under.
	Name() string
	// Addr is the listen address.
	Addr() net.Addr
	// Serve runs the I/O loop until ctx is done, then closes the
	// listener and every socket it accepted.
	Serve(ctx context.Context, h Handler) error
}

// Options configure a driver.
type Options struct {
	Addr string

	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	// Pollers is the number of event loops for drivers that multiplex.
	Pollers int
}

// Factory opens the listening socket for a driver.
type Factory func(opts Options) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver available by name.
// It panics if the name is registered twice.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if _, ok := drivers[name]; ok {
		panic("transport: Register called twice for driver " + name)
	}
	drivers[name] = f
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listen opens the listening socket of the named driver.
func Listen(name string, opts Options) (Driver, error) {
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, xerrors.Errorf("transport: unknown driver %q (have %v)", name, Drivers())
	}

	d, err := f(opts)
	if err != nil {
		return nil, xerrors.Errorf("transport: failed to listen with %v on %v: %w", name, opts.Addr, err)
	}
	return d, nil
}

// SplitPeer splits a remote address into ip and port.
// Addresses it cannot parse are returned whole with port 0.
func SplitPeer(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, 0
	}
	return host, p
}
