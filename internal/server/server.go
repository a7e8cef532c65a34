// Package server provides the HTTP front end: both client transports, the
// REST interface over the operation log, and health reporting.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/logging"
	"collabtext/server/internal/transport"
)

// Config holds server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Native       transport.NativeConfig
	Stream       transport.StreamConfig
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8081,
		CORSOrigins:  []string{"*"},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open
		Native:       transport.DefaultNativeConfig(),
		Stream:       transport.DefaultStreamConfig(),
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *mux.Router
	handler http.Handler
	httpSrv *http.Server

	hub    *collab.Hub
	native *transport.Native
	stream *transport.Stream
}

// New creates a Server in front of hub.
func New(cfg *Config, hub *collab.Hub) *Server {
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		hub:    hub,
		native: transport.NewNative(hub, cfg.Native),
		stream: transport.NewStream(hub, cfg.Stream),
	}
	s.setupRoutes()
	s.handler = s.setupMiddleware(s.router)
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// setupMiddleware wraps the whole router, so CORS preflights are answered
// even for paths that only register GET or POST.
func (s *Server) setupMiddleware(h http.Handler) http.Handler {
	h = recoverer(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	})(h)
	return accessLog(h)
}

// Start listens on the configured port. It returns nil after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logging.Info().Str("addr", ln.Addr().String()).Str("instance", s.hub.InstanceID()).Msg("listening")
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects every client, then drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.native.CloseAll()
	s.stream.CloseAll()
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router returns the bare router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}
