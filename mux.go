package wsserver

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// Module serves the connections upgraded on one path of a Mux.
type Module interface {
	// OnHandshake may reject the upgrade by returning false, after
	// customizing resp.
	OnHandshake(r *http.Request, resp *Response) bool
	OnOpen(s *Server, r *http.Request, id int)
	// OnMessage returns the reply sent back to id, if any.
	OnMessage(s *Server, data []byte, id int) string
	OnClose(s *Server, id int, meta Meta)
}

// BaseModule implements Module with no-ops. Embed it to implement only
// some of the methods.
type BaseModule struct{}

func (BaseModule) OnHandshake(*http.Request, *Response) bool { return true }
func (BaseModule) OnOpen(*Server, *http.Request, int)         {}
func (BaseModule) OnMessage(*Server, []byte, int) string      { return "" }
func (BaseModule) OnClose(*Server, int, Meta)                 {}

var modulePath = regexp.MustCompile(`^/[a-zA-Z][\w-]+$`)

// Mux is a Handler that routes connections to modules by request path.
//
// Upgrade requests for an unknown path get 404, requests from an Origin
// not in Config.AllowedOrigins get 403. Responses carry a Server header.
// A Mux without modules serves the echo module at "/".
type Mux struct {
	name     string
	origins  []string
	dataType string
	log      slog.Logger

	mu      sync.RWMutex
	modules map[string]Module
}

var _ Handler = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux(cfg Config, log slog.Logger) *Mux {
	return &Mux{
		name:     cfg.Name,
		origins:  cfg.AllowedOrigins,
		dataType: cfg.DataType,
		log:      log.Named("mux"),
		modules:  make(map[string]Module),
	}
}

// Handle registers mod at path. path is "/" or a slash followed by a
// letter and word characters or dashes.
func (m *Mux) Handle(path string, mod Module) error {
	if path != "/" && !modulePath.MatchString(path) {
		return xerrors.Errorf("invalid module path %q", path)
	}
	if mod == nil {
		return xerrors.Errorf("nil module for %q", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[path]; ok {
		return xerrors.Errorf("module path %q already registered", path)
	}
	m.modules[path] = mod
	return nil
}

// Module returns the module at path.
func (m *Mux) Module(path string) (Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.modules) == 0 {
		m.modules["/"] = &EchoModule{DataType: m.dataType}
	}
	mod, ok := m.modules[path]
	return mod, ok
}

// Paths returns the registered paths in order.
func (m *Mux) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ps := make([]string, 0, len(m.modules))
	for p := range m.modules {
		ps = append(ps, p)
	}
	sort.Strings(ps)
	return ps
}

func (m *Mux) OnConnect(s *Server, id int) {}

func (m *Mux) OnHandshake(r *http.Request, resp *Response, id int) bool {
	resp.Header.Set("Server", m.name+"-websocket-server")

	path := requestPath(r)
	mod, ok := m.Module(path)
	if !ok {
		m.log.Info(r.Context(), "no module for path", slog.F("id", id), slog.F("path", path))
		resp.Reject(http.StatusNotFound, "You request route path ["+path+"] not found!")
		return false
	}

	origin := r.Header.Get("Origin")
	if !m.originAllowed(origin) {
		m.log.Info(r.Context(), "origin not allowed", slog.F("id", id), slog.F("origin", origin))
		resp.Reject(http.StatusForbidden, "Deny Access!")
		return false
	}

	return mod.OnHandshake(r, resp)
}

// originAllowed reports whether origin may connect. Requests without an
// Origin header do not come from browsers and are allowed.
func (m *Mux) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range m.origins {
		if o == "*" || strings.EqualFold(o, u.Host) || strings.EqualFold(o, u.Hostname()) {
			return true
		}
	}
	return false
}

func (m *Mux) OnOpen(s *Server, r *http.Request, id int) {
	mod, ok := m.Module(requestPath(r))
	if !ok {
		return
	}
	mod.OnOpen(s, r, id)
}

func (m *Mux) OnMessage(s *Server, data []byte, id int, meta Meta) string {
	mod, ok := m.Module(meta.Path)
	if !ok {
		return ""
	}
	return mod.OnMessage(s, data, id)
}

func (m *Mux) OnClose(s *Server, id int, meta Meta) {
	if !meta.Handshake {
		return
	}
	mod, ok := m.Module(meta.Path)
	if !ok {
		return
	}
	mod.OnClose(s, id, meta)
}

func (m *Mux) OnError(s *Server, err error) {
	m.log.Error(s.ctx, "server error", slog.Error(err))
}

// OnReload passes reloads to modules implementing Reloader.
func (m *Mux) OnReload(s *Server, taskOnly bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mod := range m.modules {
		if r, ok := mod.(Reloader); ok {
			r.OnReload(s, taskOnly)
		}
	}
}
