// Package engine implements the session orchestrator: the single-threaded
// state machine that multiplexes transactions over one transport connection,
// mediating between a wire codec and application-level transaction handlers.
//
// The package has no knowledge of HTTP/1.1, HTTP/2, or any other wire format;
// it is driven entirely through the Codec, Transport and Handler interfaces.
package engine

import (
	"errors"
	"time"
)

// Direction fixes which side of a connection a Session represents. It never
// changes after construction.
type Direction int

const (
	// Downstream is the server side: it receives inbound transactions.
	Downstream Direction = iota
	// Upstream is the client side: it originates outbound transactions.
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// StreamID identifies a Transaction within a Session. The codec owns the
// assignment policy (e.g. even/odd by direction, monotonically increasing).
type StreamID uint64

// Default tunables, overridable through Config.
const (
	DefaultReadBufLimit        = 64 * 1024
	DefaultPendingWriteMax     = 64 * 1024
	DefaultMaxConcurrentPush   = 100
	DefaultInitialRecvWindow   = 65536
	DefaultMaxConcurrentStream = 100
)

// Config holds process-and-session-wide tunables. A Config value is read at
// Session construction and is not mutated afterward.
type Config struct {
	// ReadBufLimit bounds pendingReadSize_: aggregate ingress-buffered body
	// bytes across all live transactions before reads are paused.
	ReadBufLimit int
	// PendingWriteMax bounds unwritten bytes queued on the transport before
	// egress is paused for every transaction.
	PendingWriteMax int
	// MaxConcurrentIncomingStreams caps inbound transaction admission.
	MaxConcurrentIncomingStreams int
	// MaxConcurrentOutgoingStreams caps local transaction creation, further
	// limited by the remote-advertised cap reported via SETTINGS.
	MaxConcurrentOutgoingStreams int
	// MaxConcurrentPushTransactions caps server-push admission.
	MaxConcurrentPushTransactions int
	// InitialRecvWindow seeds each new transaction's send and receive
	// windows. The session does not send it to the peer: no SETTINGS frame
	// is generated at session start.
	InitialRecvWindow int64

	// ReadTimeout bounds how long the connection may sit without a single
	// byte of ingress before the session tears it down. Checked by the
	// transport binding's own timer, not by the engine itself: the engine
	// has no goroutines or timers of its own. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds how long writes may sit queued on the transport
	// without a WriteSuccess acknowledging progress. Zero disables it.
	WriteTimeout time.Duration
	// TransactionTimeout bounds how long a single transaction may stay open
	// end to end before getTransactionTimeoutHandler installs a
	// direct-response timeout handler and aborts it. Zero disables it.
	TransactionTimeout time.Duration
	// PingInterval, when non-zero, makes the transport's timer originate a
	// keep-alive ping on stream-multiplexing codecs once this long has
	// passed since the previous one.
	PingInterval time.Duration
}

// Default timeout tunables. Disabled (zero) fields in a zero-value Config
// stay disabled; DefaultConfig turns them on with these values.
const (
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultTransactionTimeout = 60 * time.Second
	DefaultPingInterval       = 30 * time.Second
)

// DefaultConfig returns the tunables used when a caller does not override
// them explicitly.
func DefaultConfig() Config {
	return Config{
		ReadBufLimit:                  DefaultReadBufLimit,
		PendingWriteMax:               DefaultPendingWriteMax,
		MaxConcurrentIncomingStreams:  DefaultMaxConcurrentStream,
		MaxConcurrentOutgoingStreams:  DefaultMaxConcurrentStream,
		MaxConcurrentPushTransactions: DefaultMaxConcurrentPush,
		InitialRecvWindow:             DefaultInitialRecvWindow,
		ReadTimeout:                   DefaultReadTimeout,
		WriteTimeout:                  DefaultWriteTimeout,
		TransactionTimeout:            DefaultTransactionTimeout,
		PingInterval:                  DefaultPingInterval,
	}
}

// Error taxonomy. Callers distinguish these with errors.Is.
var (
	ErrStreamCapExceeded  = errors.New("engine: concurrent stream cap exceeded")
	ErrPushCapExceeded    = errors.New("engine: concurrent push transaction cap exceeded")
	ErrWindowExceeded     = errors.New("engine: send beyond flow-control window")
	ErrSessionDraining    = errors.New("engine: session is draining, no new transactions")
	ErrSessionShutdown    = errors.New("engine: session is shut down")
	ErrUnknownStream      = errors.New("engine: unknown stream id")
	ErrNoAssociatedStream = errors.New("engine: push with no associated stream")
	ErrTransportWrite     = errors.New("engine: transport write failed")
	ErrReadTimeout        = errors.New("engine: read timeout")
	ErrWriteTimeout       = errors.New("engine: write timeout")
	ErrTransactionTimeout = errors.New("engine: transaction timeout")
)

// ErrorKind classifies an ingress or session-level error for InfoCallback
// and for the direct-response handler's status-code mapping.
type ErrorKind int

const (
	ErrKindParse ErrorKind = iota
	ErrKindTransport
	ErrKindTimeout
	ErrKindFlowControl
	ErrKindProtocol
	ErrKindResourceExhausted
)
