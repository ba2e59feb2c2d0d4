package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8420" or "localhost:0").
	Addr string
	// Handler holds the wired endpoint configuration (see HandlerConfig).
	Handler HandlerConfig
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Zero means no timeout, which the SSE endpoints need.
	WriteTimeout time.Duration
	// Middleware, when set, wraps the routed handler (tracing, extra
	// logging).
	Middleware func(http.Handler) http.Handler
}

// NewServer creates an API server. If Addr uses port 0 the OS assigns an
// available port; use Port() after NewServer to read it.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler, err := NewHandler(cfg.Handler)
	if err != nil {
		return nil, err
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	// Listen before returning so the actual port is known (important for :0).
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	routes := http.Handler(handler.Routes())
	if cfg.Middleware != nil {
		routes = cfg.Middleware(routes)
	}

	return &Server{
		handler:  handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           routes,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start serves requests. It blocks until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "Stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
