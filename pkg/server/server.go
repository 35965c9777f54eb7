package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// Server accepts WebSocket connections, attaches them to named documents
// and runs the extension hooks around every lifecycle event.
//
// A Server has no global state; any number can run in one process.
type Server struct {
	config     *Config
	extensions []Extension

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	upgrader websocket.Upgrader
	handler  http.Handler

	// baseCtx is handed to hooks that do not run on behalf of an HTTP
	// request. It's cancelled at the end of Destroy.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	documents   map[string]*docEntry
	connections map[*Connection]struct{}
	httpServer  *http.Server
	destroyed   bool

	destroyOnce sync.Once
	destroyErr  error
}

// docEntry is a document table slot. ready is closed once the create
// hooks have finished; then exactly one of doc and err is set.
type docEntry struct {
	doc   *Document
	ready chan struct{}
	err   error
}

// New creates a server and runs the OnConfigure hooks. A nil config uses
// DefaultConfig.
func New(config *Config) (*Server, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	extensions := append([]Extension(nil), config.Extensions...)
	if config.Hooks != nil {
		extensions = append(extensions, config.Hooks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		extensions: extensions,
		logger:     config.Logger.With("component", "server", "name", config.Name),
		tracer:     otel.Tracer(config.TracerName),
		metrics:    newMetrics(config.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		baseCtx:     ctx,
		cancel:      cancel,
		documents:   make(map[string]*docEntry),
		connections: make(map[*Connection]struct{}),
	}
	s.handler = s.routes()

	res := runHooks(ctx, s, "onConfigure", nil, func(ctx context.Context, h ConfigureHook) error {
		return h.OnConfigure(ctx, &ConfigurePayload{Config: config, Version: Version})
	})
	if !res.OK() {
		cancel()
		return nil, res.Err
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if s.config.MetricsPath != "" {
		r.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{}))
	}
	if s.config.HealthPath != "" {
		r.Get(s.config.HealthPath, s.serveHealth)
	}
	r.HandleFunc("/*", s.serveHTTP)
	return r
}

// Handler returns the HTTP handler serving documents (and metrics, when
// MetricsPath is set). Mount it on any server, or use Listen.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config returns the effective configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Listen serves on Config.Address until ctx is cancelled, then destroys
// the server.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerDestroyed
	}
	s.httpServer = srv
	s.mu.Unlock()

	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	res := runHooks(ctx, s, "onListen", nil, func(ctx context.Context, h ListenHook) error {
		return h.OnListen(ctx, &ListenPayload{Address: ln.Addr().String(), Port: port})
	})
	if !res.OK() {
		ln.Close()
		return res.Err
	}

	s.logger.Info("listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Destroy(shutdownCtx)
	}
}

// Destroy stops accepting connections, closes every open connection (which
// runs their disconnect hooks), releases all documents and runs the
// OnDestroy hooks. Later calls return the first result.
func (s *Server) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		srv := s.httpServer
		conns := make([]*Connection, 0, len(s.connections))
		for c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		var errs []error
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		for _, c := range conns {
			c.Close(protocol.ResetConnection)
		}

		s.mu.Lock()
		var docs []*Document
		for name, e := range s.documents {
			if e.doc != nil {
				docs = append(docs, e.doc)
				delete(s.documents, name)
				s.metrics.documentsActive.Dec()
			}
		}
		s.mu.Unlock()
		for _, d := range docs {
			d.destroy()
		}

		res := runHooks(ctx, s, "onDestroy", nil, func(ctx context.Context, h DestroyHook) error {
			return h.OnDestroy(ctx, &DestroyPayload{Server: s})
		})
		if res.Outcome == OutcomeFail {
			errs = append(errs, res.Err)
		}

		s.cancel()
		s.destroyErr = errors.Join(errs...)
		s.logger.Info("destroyed")
	})
	return s.destroyErr
}

// Document returns the loaded document with the given name.
func (s *Server) Document(name string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.documents[name]
	if !ok || e.doc == nil {
		return nil, false
	}
	return e.doc, true
}

// Documents returns the loaded documents sorted by name.
func (s *Server) Documents() []*Document {
	s.mu.Lock()
	out := make([]*Document, 0, len(s.documents))
	for _, e := range s.documents {
		if e.doc != nil {
			out = append(out, e.doc)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// DocumentCount returns the number of loaded documents.
func (s *Server) DocumentCount() int {
	return len(s.Documents())
}

// ConnectionCount returns the number of open connections across all
// documents.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// CloseConnections closes every connection to the named document, or to
// all documents when name is empty, asking clients to reconnect.
func (s *Server) CloseConnections(name string) {
	s.mu.Lock()
	var conns []*Connection
	for c := range s.connections {
		if name == "" || c.document.Name() == name {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(protocol.ResetConnection)
	}
}
