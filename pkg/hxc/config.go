package hxc

import (
	"io"
	"log"

	"github.com/flowbound/hxc/internal/engine"
	gnettransport "github.com/flowbound/hxc/internal/transport/gnet"
)

// Config holds the application-facing server configuration: listener
// options plus the session engine's own Config (read/write limits, stream
// caps, initial flow-control window).
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger
	Engine       engine.Config
	// EnableTracing installs a development OpenTelemetry TracerProvider if
	// no global provider has already been configured by the embedder.
	EnableTracing bool
}

func newSilentLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// DefaultConfig returns sane defaults for a local/dev deployment.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		Multicore:    true,
		ReusePort:    true,
		Logger:       newSilentLogger(),
		Engine:       engine.DefaultConfig(),
		EnableTracing: false,
	}
}

func (c Config) toTransportConfig() gnettransport.Config {
	return gnettransport.Config{
		Addr:         c.Addr,
		Multicore:    c.Multicore,
		NumEventLoop: c.NumEventLoop,
		ReusePort:    c.ReusePort,
		Logger:       c.Logger,
		Engine:       c.Engine,
	}
}
