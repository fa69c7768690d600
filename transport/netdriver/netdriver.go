// Package netdriver is the blocking-socket transport: one net.Listener,
// one goroutine per accepted connection.
package netdriver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/atomicint"
	"nhooyr.io/wsserver/transport"
)

// Name is the name the driver registers under.
const Name = "net"

func init() {
	transport.Register(Name, Listen)
}

const defaultReadBufferSize = 4096

type driver struct {
	opts transport.Options
	ln   net.Listener

	ids atomicint.Int64

	mu    sync.Mutex
	socks map[*socket]struct{}
	wg    sync.WaitGroup
}

// Listen opens a TCP listener on opts.Addr.
func Listen(opts transport.Options) (transport.Driver, error) {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	return &driver{
		opts:  opts,
		ln:    ln,
		socks: make(map[*socket]struct{}),
	}, nil
}

func (d *driver) Name() string {
	return Name
}

func (d *driver) Addr() net.Addr {
	return d.ln.Addr()
}

func (d *driver) Serve(ctx context.Context, h transport.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		d.ln.Close()
	}()

	err := d.acceptLoop(ctx, h)

	d.mu.Lock()
	for s := range d.socks {
		s.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *driver) acceptLoop(ctx context.Context, h transport.Handler) error {
	// Same backoff net/http uses for temporary accept errors.
	var tempDelay time.Duration
	for {
		c, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				select {
				case <-time.After(tempDelay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return xerrors.Errorf("failed to accept: %w", err)
		}
		tempDelay = 0

		s := d.newSocket(c)

		d.mu.Lock()
		d.socks[s] = struct{}{}
		d.wg.Add(1)
		d.mu.Unlock()

		go d.handle(s, h)
	}
}

func (d *driver) newSocket(c net.Conn) *socket {
	if tc, ok := c.(*net.TCPConn); ok {
		if d.opts.ReadBufferSize > 0 {
			tc.SetReadBuffer(d.opts.ReadBufferSize)
		}
		if d.opts.WriteBufferSize > 0 {
			tc.SetWriteBuffer(d.opts.WriteBufferSize)
		}
	}
	s := &socket{
		id:           int(d.ids.Inc()),
		c:            c,
		writeTimeout: d.opts.WriteTimeout,
	}
	s.ip, s.port = transport.SplitPeer(c.RemoteAddr())
	return s
}

func (d *driver) handle(s *socket, h transport.Handler) {
	defer d.wg.Done()

	h.Accept(s)

	var rerr error
	b := make([]byte, d.opts.ReadBufferSize)
	for {
		n, err := s.c.Read(b)
		if n > 0 {
			h.Data(s, b[:n])
		}
		if err != nil {
			if !s.isClosed() {
				rerr = err
			}
			break
		}
	}

	s.Close()

	d.mu.Lock()
	delete(d.socks, s)
	d.mu.Unlock()

	h.Closed(s, rerr)
}

type socket struct {
	id   int
	c    net.Conn
	ip   string
	port int

	writeTimeout time.Duration
	writeMu      sync.Mutex

	closed    int32
	closeOnce sync.Once
	closeErr  error
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.c.Write(p)
}

func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		s.closeErr = s.c.Close()
	})
	return s.closeErr
}

func (s *socket) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}
