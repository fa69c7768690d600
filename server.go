package wsserver

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"cdr.dev/slog"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver/internal/admin"
	"nhooyr.io/wsserver/internal/atomicint"
	"nhooyr.io/wsserver/internal/workpool"
	"nhooyr.io/wsserver/internal/xsync"
	"nhooyr.io/wsserver/transport"
	_ "nhooyr.io/wsserver/transport/nbiodriver"
	_ "nhooyr.io/wsserver/transport/netdriver"
)

// Server is a WebSocket application server. It owns the listening socket,
// the connection registry and the workers running application events.
//
// A Server serves once; create a new one to serve again.
type Server struct {
	cfg Config
	h   Handler
	log slog.Logger
	ctx context.Context

	reg  *registry
	pool *workpool.Pool

	mu        sync.Mutex
	driver    transport.Driver
	startedAt time.Time

	stats struct {
		accepted atomicint.Int64
		closed   atomicint.Int64
		rejected atomicint.Int64
		messages atomicint.Int64
	}
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Driver      string
	Addr        string
	Workers     int
	Connections int
	Handshaken  int
	Accepted    int64
	Closed      int64
	Rejected    int64
	Messages    int64
	StartedAt   time.Time
}

// New creates a server. A nil h serves a Mux with the echo module at "/".
func New(cfg Config, h Handler, log slog.Logger) (*Server, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}
	if h == nil {
		h = NewMux(cfg, log)
	}

	s := &Server{
		cfg: cfg,
		h:   h,
		log: log,
		ctx: context.Background(),
		reg: newRegistry(),
	}
	s.pool = workpool.New(cfg.WorkerNum, func(err error) {
		s.reportError(xerrors.Errorf("event handler failed: %w", err))
	})
	return s, nil
}

// Config returns the configuration the server was created with.
func (s *Server) Config() Config {
	return s.cfg
}

// Listen opens the listening socket. Serve calls it when needed; calling
// it first allows reading Addr before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver != nil {
		return nil
	}
	d, err := transport.Listen(s.cfg.Driver, transport.Options{
		Addr:            s.cfg.Addr,
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		WriteTimeout:    s.cfg.Timeout,
		Pollers:         s.cfg.WorkerNum,
	})
	if err != nil {
		return xerrors.Errorf("failed to listen on %v: %w", s.cfg.Addr, err)
	}
	s.driver = d
	return nil
}

// Addr returns the listen address or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return nil
	}
	return s.driver.Addr()
}

// Serve accepts connections until ctx is done. On return every connection
// is closed and every queued event has run.
func (s *Server) Serve(ctx context.Context) (err error) {
	err = s.Listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	d := s.driver
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info(ctx, "server started",
		slog.F("addr", d.Addr().String()),
		slog.F("driver", d.Name()),
		slog.F("workers", s.cfg.WorkerNum),
		slog.F("max_connect", s.cfg.MaxConnect),
	)

	var adminSrv *http.Server
	var adminErr <-chan error
	if s.cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:              s.cfg.AdminAddr,
			Handler:           admin.Handler(adminSource{s}, s.log.Named("admin")),
			ReadHeaderTimeout: 5 * time.Second,
		}
		adminErr = xsync.Go(func() error {
			err := adminSrv.ListenAndServe()
			if xerrors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	err = d.Serve(ctx, router{s})
	if err != nil {
		err = xerrors.Errorf("transport failed: %w", err)
		s.reportError(err)
	}

	for _, c := range s.reg.snapshot() {
		s.close(c.id, true)
	}

	if adminSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, adminSrv.Shutdown(sctx))
		err = multierr.Append(err, <-adminErr)
	}

	s.pool.Close()
	s.log.Info(ctx, "server stopped")
	return err
}

// Reload restarts the event workers without dropping connections. Unless
// taskOnly is set, a handler implementing Reloader is told as well.
// Reload waits for queued events and must not be called from a handler.
func (s *Server) Reload(taskOnly bool) error {
	s.log.Info(s.ctx, "reloading", slog.F("task_only", taskOnly))

	s.pool.Restart()
	if r, ok := s.h.(Reloader); ok {
		r.OnReload(s, taskOnly)
	}
	return nil
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Driver:    s.cfg.Driver,
		StartedAt: s.startedAt,
	}
	if s.driver != nil {
		st.Addr = s.driver.Addr().String()
	}
	s.mu.Unlock()

	st.Workers = s.pool.Size()
	st.Connections = s.Count()
	st.Handshaken = s.CountHandshakeComplete()
	st.Accepted = s.stats.accepted.Load()
	st.Closed = s.stats.closed.Load()
	st.Rejected = s.stats.rejected.Load()
	st.Messages = s.stats.messages.Load()
	return st
}

// submit runs fn on the worker owning id. Once the workers are closed fn
// runs inline.
func (s *Server) submit(id int, fn func()) {
	if s.pool.Submit(id, fn) {
		return
	}
	err := xsync.Recover(func() error {
		fn()
		return nil
	})
	if err != nil {
		s.reportError(xerrors.Errorf("event handler failed: %w", err))
	}
}

func (s *Server) reportError(err error) {
	s.log.Error(s.ctx, "server error", slog.Error(err))
	s.h.OnError(s, err)
}

type adminSource struct {
	s *Server
}

func (a adminSource) Status() admin.Status {
	st := a.s.Stats()
	var uptime string
	if !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	return admin.Status{
		Name:        a.s.cfg.Name,
		Addr:        st.Addr,
		Driver:      st.Driver,
		PID:         os.Getpid(),
		Workers:     st.Workers,
		Connections: st.Connections,
		Handshaken:  st.Handshaken,
		Accepted:    st.Accepted,
		Closed:      st.Closed,
		Rejected:    st.Rejected,
		Messages:    st.Messages,
		StartedAt:   st.StartedAt,
		Uptime:      uptime,
	}
}

func (a adminSource) Clients() []admin.Client {
	ms := a.s.Metas()
	cs := make([]admin.Client, len(ms))
	for i, m := range ms {
		cs[i] = admin.Client(m)
	}
	return cs
}
