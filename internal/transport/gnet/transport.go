// Package gnet bridges github.com/panjf2000/gnet/v2 connections to
// internal/engine.Session. gnet delivers OnOpen/OnTraffic/OnClose for a
// single connection strictly serialized against each other, which is the
// concrete mechanism that lets Session do without any locking: Session is
// only ever driven from inside one of these callbacks.
package gnet

import (
	"bytes"
	"log"
	"sync"
	"time"

	gn "github.com/panjf2000/gnet/v2"
	"golang.org/x/sys/unix"

	"github.com/flowbound/hxc/internal/codec/h1"
	"github.com/flowbound/hxc/internal/codec/h2"
	"github.com/flowbound/hxc/internal/date"
	"github.com/flowbound/hxc/internal/engine"
)

const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// minDetectBytes is how many leading bytes of a new connection are buffered
// before a protocol decision (HTTP/1.1 vs HTTP/2) is made.
const minDetectBytes = 4

// Config configures the listener and the sessions it creates.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger
	Engine       engine.Config
}

// DefaultConfig mirrors the donor's server.Config defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:      addr,
		Multicore: true,
		ReusePort: true,
		Logger:    log.Default(),
		Engine:    engine.DefaultConfig(),
	}
}

// Server is a gn.EventHandler that sniffs the wire protocol per connection
// and drives one internal/engine.Session per connection from gnet's
// serialized per-connection callbacks.
type Server struct {
	gn.BuiltinEventEngine

	controller engine.Controller
	info       func() engine.InfoCallback
	cfg        Config
	logger     *log.Logger

	conns sync.Map // map[gn.Conn]*connState

	eng      gn.Engine
	stopDate func()
}

type connState struct {
	session  *engine.Session
	sniffBuf []byte
	sniffed  bool
	xport    *gnTransport
}

// tickInterval is how often OnTick re-evaluates every live session's
// timeout and keep-alive-ping deadlines. It needs to be no finer
// than the shortest configured timeout a caller is likely to set.
const tickInterval = time.Second

// bindSession lets the transport report write completion/failure back onto
// the session that owns it, once that session exists (the transport is
// constructed before the session, in sniff).
func (t *gnTransport) bindSession(s *engine.Session) { t.session = s }

// NewServer constructs a Server that hands every accepted connection's
// inbound bytes to the protocol-appropriate codec and wires its outbound
// writes back onto the gnet connection.
func NewServer(controller engine.Controller, info func() engine.InfoCallback, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{controller: controller, info: info, cfg: cfg, logger: cfg.Logger}
}

// Start runs the listener. It blocks until the process is shut down or
// Stop is called from another goroutine.
func (s *Server) Start() error {
	opts := []gn.Option{
		gn.WithMulticore(s.cfg.Multicore),
		gn.WithReusePort(s.cfg.ReusePort),
		gn.WithTCPNoDelay(gn.TCPNoDelay),
		gn.WithTCPKeepAlive(time.Minute * 30),
		gn.WithSocketRecvBuffer(256 * 1024),
		gn.WithSocketSendBuffer(256 * 1024),
		gn.WithTicker(true),
	}
	if s.cfg.NumEventLoop > 0 {
		opts = append(opts, gn.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.stopDate = date.StartTicker()
	s.logger.Printf("starting session engine listener on %s", s.cfg.Addr)
	return gn.Run(s, "tcp://"+s.cfg.Addr, opts...)
}

// Stop drains every live session and tears down the listener.
func (s *Server) Stop() error {
	s.conns.Range(func(_, v interface{}) bool {
		cs := v.(*connState)
		if cs.session != nil {
			cs.session.Drain()
		}
		return true
	})
	time.Sleep(100 * time.Millisecond)
	if s.stopDate != nil {
		s.stopDate()
	}
	return s.eng.Stop(nil)
}

func (s *Server) OnBoot(eng gn.Engine) gn.Action {
	s.eng = eng
	return gn.None
}

// OnTick drives every live session's idle-read, stalled-write,
// per-transaction and keep-alive-ping deadlines. The engine
// itself owns none of these timers; gnet's ticker is the only clock in
// this binding, serialized against OnTraffic the same way every other
// callback here is.
func (s *Server) OnTick() (time.Duration, gn.Action) {
	now := time.Now().UnixNano()
	s.conns.Range(func(_, v interface{}) bool {
		cs := v.(*connState)
		if cs.session != nil {
			cs.session.CheckTimeouts(now)
		}
		return true
	})
	return tickInterval, gn.None
}

func (s *Server) OnOpen(c gn.Conn) ([]byte, gn.Action) {
	// Keepalive and TCP_NODELAY are set as gnet options in Start; TCP_NODELAY
	// is also set here on each accepted connection via the raw fd.
	if fd := c.Fd(); fd > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	s.conns.Store(c, &connState{})
	return nil, gn.None
}

func (s *Server) OnClose(c gn.Conn, err error) gn.Action {
	if v, ok := s.conns.LoadAndDelete(c); ok {
		cs := v.(*connState)
		if cs.session != nil {
			cs.session.DropConnection()
		}
	}
	return gn.None
}

func (s *Server) OnTraffic(c gn.Conn) gn.Action {
	v, ok := s.conns.Load(c)
	if !ok {
		return gn.Close
	}
	cs := v.(*connState)

	data, err := c.Next(-1)
	if err != nil {
		return gn.Close
	}

	if cs.session == nil {
		if !s.sniff(c, cs, data) {
			return gn.None // still buffering, need more bytes to decide
		}
		// sniff has accumulated every byte seen so far (across possibly
		// several short reads); feed all of it now that a codec exists.
		data = cs.sniffBuf
		cs.sniffBuf = nil
	}

	if cs.xport.paused {
		// Backpressure: the session called PauseReads and has
		// not yet called ResumeReads, so these bytes must not reach
		// ReadDataAvailable yet. gnet has no socket-level pause of its
		// own, so the bytes are held here and replayed once ResumeReads
		// fires.
		cs.xport.buffered = append(cs.xport.buffered, data...)
		return gn.None
	}

	cs.session.ReadDataAvailable(data)
	cs.session.FlushEgress()
	if cs.session.IsDestroyed() {
		return gn.Close
	}
	return gn.None
}

// sniff buffers the first minDetectBytes of a connection and picks HTTP/1.1
// or HTTP/2 the same way the donor's mux.Server does, then constructs the
// matching codec and session. Returns true once a protocol decision (and
// therefore cs.session) has been made.
func (s *Server) sniff(c gn.Conn, cs *connState, data []byte) bool {
	cs.sniffBuf = append(cs.sniffBuf, data...)
	if len(cs.sniffBuf) < minDetectBytes && len(cs.sniffBuf) < len(http2Preface) {
		return false
	}

	if bytes.HasPrefix(cs.sniffBuf, []byte("PRI ")) && len(cs.sniffBuf) < len(http2Preface) {
		return false // wait for the rest of the preface before deciding
	}
	isH2 := bytes.HasPrefix(cs.sniffBuf, []byte(http2Preface))

	xport := &gnTransport{conn: c}
	var codec engine.Codec
	var flow engine.FlowControlFilter
	if isH2 {
		h2c := h2.NewServerCodec()
		codec = h2c
		flow = h2c
	} else {
		codec = h1.NewCodec()
	}

	var info engine.InfoCallback
	if s.info != nil {
		info = s.info()
	}
	cs.xport = xport
	cs.session = engine.NewSession(engine.Downstream, s.cfg.Engine, xport, codec, s.controller, info, flow)
	xport.bindSession(cs.session)
	cs.sniffed = true
	return true
}

// gnTransport implements engine.Transport over a gn.Conn.
type gnTransport struct {
	conn    gn.Conn
	session *engine.Session
	pending int

	// paused and buffered implement PauseReads/ResumeReads: gnet keeps
	// delivering OnTraffic regardless, so bytes that arrive while paused
	// are held here instead of reaching the session, then replayed in one
	// shot on resume.
	paused   bool
	buffered []byte
}

func (t *gnTransport) Write(buf []byte, cork, eor bool) error {
	t.pending += len(buf)
	n := len(buf)
	err := t.conn.AsyncWritev([][]byte{buf}, func(_ gn.Conn, werr error) error {
		t.pending -= n
		if werr != nil {
			t.session.WriteError(werr)
		} else {
			t.session.WriteSuccess()
		}
		return nil
	})
	if err != nil {
		t.pending -= n
	}
	return err
}

func (t *gnTransport) PauseReads() { t.paused = true }

// ResumeReads replays whatever accumulated while paused through the normal
// ReadDataAvailable/FlushEgress pair, exactly as OnTraffic would have if it
// had not been paused for it.
func (t *gnTransport) ResumeReads() {
	t.paused = false
	if len(t.buffered) == 0 {
		return
	}
	buf := t.buffered
	t.buffered = nil
	t.session.ReadDataAvailable(buf)
	t.session.FlushEgress()
}

func (t *gnTransport) HalfCloseReads()   {}
func (t *gnTransport) HalfCloseWrites()  {}
func (t *gnTransport) Close() error      { return t.conn.Close() }
func (t *gnTransport) PendingWriteBytes() int { return t.pending }
func (t *gnTransport) LocalAddr() string {
	if a := t.conn.LocalAddr(); a != nil {
		return a.String()
	}
	return ""
}
func (t *gnTransport) PeerAddr() string {
	if a := t.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
