package hxc

import (
	"fmt"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowbound/hxc/internal/engine"
	gnettransport "github.com/flowbound/hxc/internal/transport/gnet"
)

// Server wires a Router to the session engine over the gnet transport,
// sniffing HTTP/1.1 vs HTTP/2 per connection.
type Server struct {
	config    Config
	router    *Router
	transport *gnettransport.Server
}

// New creates a Server with the given configuration. The router must be
// set with Handler before Start.
func New(config Config) *Server { return &Server{config: config} }

// NewWithDefaults creates a Server with DefaultConfig().
func NewWithDefaults() *Server { return New(DefaultConfig()) }

// Handler installs router as the request dispatcher and returns the
// Server for chaining.
func (s *Server) Handler(router *Router) *Server {
	s.router = router
	return s
}

// ListenAndServe installs router and starts the server, blocking until it
// stops or the listener fails.
func (s *Server) ListenAndServe(router *Router) error {
	s.router = router
	return s.Start()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if s.router == nil {
		return fmt.Errorf("hxc: router not set")
	}
	if s.config.EnableTracing {
		installDevelopmentTracing()
	}

	controller := NewController(s.router)
	info := func() engine.InfoCallback { return NewSessionInfoCallback() }

	s.transport = gnettransport.NewServer(controller, info, s.config.toTransportConfig())
	return s.transport.Start()
}

// Stop drains every live session and shuts down the listener.
func (s *Server) Stop() error {
	if s.transport != nil {
		return s.transport.Stop()
	}
	return nil
}

// installDevelopmentTracing registers a no-exporter OpenTelemetry
// TracerProvider so Tracing() middleware has somewhere to send spans when
// the embedding application hasn't configured its own provider.
func installDevelopmentTracing() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
}
