// Package nbiodriver is the non-blocking transport: sockets are
// multiplexed over nbio event loops instead of a goroutine each.
package nbiodriver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesismal/nbio"

	"nhooyr.io/wsserver/internal/atomicint"
	"nhooyr.io/wsserver/transport"
)

// Name is the name the driver registers under.
const Name = "nbio"

func init() {
	transport.Register(Name, Listen)
}

type driver struct {
	opts   transport.Options
	addr   net.Addr
	engine *nbio.Engine

	ids atomicint.Int64
	h   atomic.Value // handlerBox

	mu    sync.Mutex
	socks map[*nbio.Conn]*socket
}

type handlerBox struct {
	h transport.Handler
}

// Listen starts the nbio engine listening on opts.Addr. Connections that
// arrive before Serve installs a handler are closed.
func Listen(opts transport.Options) (transport.Driver, error) {
	addr, err := net.ResolveTCPAddr("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}

	d := &driver{
		opts:  opts,
		addr:  addr,
		socks: make(map[*nbio.Conn]*socket),
	}
	d.engine = nbio.NewEngine(nbio.Config{
		Name:               "wsserver",
		Network:            "tcp",
		Addrs:              []string{opts.Addr},
		NPoller:            opts.Pollers,
		ReadBufferSize:     opts.ReadBufferSize,
		MaxWriteBufferSize: opts.WriteBufferSize,
	})
	d.engine.OnOpen(d.onOpen)
	d.engine.OnData(d.onData)
	d.engine.OnClose(d.onClose)

	err = d.engine.Start()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *driver) Name() string {
	return Name
}

func (d *driver) Addr() net.Addr {
	return d.addr
}

func (d *driver) handler() transport.Handler {
	b, _ := d.h.Load().(handlerBox)
	return b.h
}

func (d *driver) Serve(ctx context.Context, h transport.Handler) error {
	d.h.Store(handlerBox{h: h})

	<-ctx.Done()
	d.engine.Stop()

	// Report whatever the engine did not report on the way down.
	d.mu.Lock()
	rest := make([]*socket, 0, len(d.socks))
	for c, s := range d.socks {
		rest = append(rest, s)
		delete(d.socks, c)
	}
	d.mu.Unlock()

	for _, s := range rest {
		s.Close()
		h.Closed(s, nil)
	}
	return nil
}

func (d *driver) onOpen(c *nbio.Conn) {
	h := d.handler()
	if h == nil {
		c.Close()
		return
	}

	s := &socket{
		id:           int(d.ids.Inc()),
		c:            c,
		writeTimeout: d.opts.WriteTimeout,
	}
	s.ip, s.port = transport.SplitPeer(c.RemoteAddr())

	d.mu.Lock()
	d.socks[c] = s
	d.mu.Unlock()

	h.Accept(s)
}

func (d *driver) lookup(c *nbio.Conn) *socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[c]
}

func (d *driver) onData(c *nbio.Conn, p []byte) {
	s := d.lookup(c)
	h := d.handler()
	if s == nil || h == nil {
		return
	}
	h.Data(s, p)
}

func (d *driver) onClose(c *nbio.Conn, err error) {
	d.mu.Lock()
	s, ok := d.socks[c]
	delete(d.socks, c)
	d.mu.Unlock()

	h := d.handler()
	if !ok || h == nil {
		return
	}
	if s.isClosed() {
		err = nil
	}
	atomic.StoreInt32(&s.closed, 1)
	h.Closed(s, err)
}

type socket struct {
	id   int
	c    *nbio.Conn
	ip   string
	port int

	writeTimeout time.Duration
	closed       int32
}

func (s *socket) ID() int {
	return s.id
}

func (s *socket) Peer() (string, int) {
	return s.ip, s.port
}

func (s *socket) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, net.ErrClosed
	}
	if s.writeTimeout > 0 {
		s.c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.c.Write(p)
}

func (s *socket) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.c.Close()
}

func (s *socket) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}
