package engine

// Header is a single name/value pair, kept as a flat pair (not a map) the
// way the donor's zero-copy HTTP/1.1 parser represents header views.
type Header [2]string

// Message carries the parsed pseudo- and regular headers delivered with
// message-begin / headers-complete / push-message-begin / trailers-complete.
type Message struct {
	Headers   []Header
	Method    string
	Path      string
	Scheme    string
	Authority string
	Status    int
}

// Setting is one SETTINGS entry as reported by the codec.
type Setting struct {
	ID    uint16
	Value uint32
}

const (
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
)

// GoAwayCode and AbortCode are opaque, codec-defined error codes carried
// through to the wire unchanged (e.g. HTTP/2 error codes, or a sentinel for
// codecs without a native reset frame).
type GoAwayCode uint32
type AbortCode uint32

// Dispatcher is the set of callbacks a Codec invokes, in emission order, as
// it consumes ingress bytes. A Session implements Dispatcher and is the only
// intended implementation; Codec implementations must not assume anything
// about the callee beyond this interface.
type Dispatcher interface {
	OnMessageBegin(id StreamID, msg *Message)
	OnPushMessageBegin(id StreamID, assoc StreamID, msg *Message)
	OnHeadersComplete(id StreamID, msg *Message)
	OnBody(id StreamID, chunk []byte)
	OnChunkHeader(id StreamID, length uint64)
	OnChunkComplete(id StreamID)
	OnTrailersComplete(id StreamID, trailers []Header)
	OnMessageComplete(id StreamID, upgrade bool)
	OnError(id StreamID, err error, newTxn bool)
	OnAbort(id StreamID, code AbortCode)
	OnGoAway(lastGoodStreamID StreamID, code GoAwayCode, debug []byte)
	OnPingRequest(id uint64)
	OnPingReply(id uint64)
	OnWindowUpdate(id StreamID, delta int64)
	OnSettings(settings []Setting)
}

// Codec is the wire-format engine: it parses transport bytes into the
// Dispatcher callback sequence and serializes outbound frames into the
// Session's write buffer. The Session owns exactly one Codec instance and
// drives it only from the event loop thread, so a Codec implementation does
// not need internal locking.
type Codec interface {
	// SetDispatcher installs the callback target. Called once, before Parse.
	SetDispatcher(d Dispatcher)

	// Parse consumes as much of data as forms complete frames, invoking
	// Dispatcher callbacks for each, and returns the number of bytes
	// consumed. A non-nil error is a session-scoped parse error; errors
	// scoped to a single stream are reported through Dispatcher.OnError
	// instead.
	Parse(data []byte) (consumed int, err error)

	// GenerateHeader/GenerateBody/... append wire bytes for an outbound
	// frame to dst and return the extended slice. eom marks the final frame
	// of the transaction's egress half.
	GenerateHeader(dst []byte, id StreamID, msg *Message, eom bool) []byte
	GenerateBody(dst []byte, id StreamID, data []byte, eom bool) []byte
	GenerateChunkHeader(dst []byte, id StreamID, length uint64) []byte
	GenerateChunkTerminator(dst []byte, id StreamID) []byte
	GenerateTrailers(dst []byte, id StreamID, trailers []Header) []byte
	GenerateEOM(dst []byte, id StreamID) []byte
	GenerateAbort(dst []byte, id StreamID, code AbortCode) []byte
	GenerateGoAway(dst []byte, lastGoodStreamID StreamID, code GoAwayCode, debug []byte) []byte
	GeneratePingRequest(dst []byte, id uint64) []byte
	GeneratePingReply(dst []byte, id uint64) []byte
	GenerateWindowUpdate(dst []byte, id StreamID, delta uint32) []byte
	GenerateSettings(dst []byte, settings []Setting) []byte

	// NewStreamID allocates the next locally-originated stream id (used for
	// outbound transactions and server push).
	NewStreamID() StreamID

	// SupportsStreamReset reports whether per-stream reset exists on the
	// wire (HTTP/2-like) or whether abort must close the whole connection
	// (HTTP/1.1).
	SupportsStreamReset() bool

	// SupportsTwoPhaseGoAway reports whether notifyPendingShutdown's soft
	// GOAWAY(MAX) phase is meaningful for this codec.
	SupportsTwoPhaseGoAway() bool

	// IsStreamMultiplexing reports whether this codec multiplexes many
	// transactions over one connection (true for HTTP/2-like codecs, false
	// for HTTP/1.1 where the session carries exactly one transaction at a
	// time).
	IsStreamMultiplexing() bool

	// IsReusable reports whether the connection may serve another
	// transaction after the current one completes (HTTP/1.1 keep-alive).
	IsReusable() bool
}

// FlowControlFilter exposes the codec-layer connection-level flow-control
// state. Codecs without connection-level flow control (HTTP/1.1) do not
// implement it; the Session is then given a nil filter and applies no
// connection-level window.
type FlowControlFilter interface {
	// ConnectionSendWindow returns the current per-connection send-window
	// in bytes. A negative or zero value blocks all DATA egress.
	ConnectionSendWindow() int64
	// OnConnectionWindowUpdate applies a WINDOW_UPDATE delta to the
	// connection window and reports whether the window transitioned from
	// zero-or-negative to positive (the onConnectionSendWindowOpen edge).
	OnConnectionWindowUpdate(delta int64) (opened bool)
	// ConsumeConnectionSendWindow decrements the connection window by n
	// bytes of DATA sent.
	ConsumeConnectionSendWindow(n int64)
}

// Transport is the byte-stream collaborator.
// Implementations must only ever be driven from the Session's event-loop
// thread; Transport does not need to be safe for concurrent use by the
// Session itself, though the underlying I/O multiplexer (e.g. gnet) may
// call back into the Session from its own serialized per-connection
// callback dispatch.
type Transport interface {
	// Write submits buf for asynchronous write. cork hints that more data
	// for the same loop turn will follow (the transport may delay
	// flushing); eor marks the end of a message's final byte for
	// byte-event purposes. Completion is reported later via the Session's
	// WriteSuccess/WriteError calls (not a synchronous return value).
	Write(buf []byte, cork, eor bool) error
	// PauseReads/ResumeReads toggle transport-level read delivery.
	PauseReads()
	ResumeReads()
	// HalfCloseReads/HalfCloseWrites shut down one direction of the duplex
	// stream without necessarily closing the other.
	HalfCloseReads()
	HalfCloseWrites()
	// Close tears down the transport unconditionally.
	Close() error
	// PendingWriteBytes reports bytes submitted to Write but not yet
	// reported complete, mirroring the transport's own socket buffer.
	PendingWriteBytes() int
	LocalAddr() string
	PeerAddr() string
}

// Handler is the application-level transaction consumer. A Handler is
// attached to exactly one Transaction and receives its ingress events; it
// drives egress through the Transaction's send-* methods.
type Handler interface {
	OnHeadersComplete(msg *Message)
	OnBody(chunk []byte)
	OnChunkHeader(length uint64)
	OnChunkComplete()
	OnTrailersComplete(trailers []Header)
	OnMessageComplete(upgrade bool)
	OnError(err error)
	OnAbort(code AbortCode)
	OnEgressPaused()
	OnEgressResumed()
	OnWriteError(err error)
	// OnLastByteWritten fires once the transaction's final response byte has
	// actually been handed off as complete by the transport, which happens
	// strictly after OnMessageComplete since that fires at enqueue time
	// rather than at write-completion time.
	OnLastByteWritten()
}

// Controller produces Handler objects for inbound transactions and
// direct-response handlers for errors/timeouts.
type Controller interface {
	// NewHandler is invoked from OnHeadersComplete the first time a handler
	// is not yet attached to txn.
	NewHandler(txn *Transaction, msg *Message) Handler
	// DirectResponseHandler returns a synthetic handler that emits a
	// minimal error response derived from kind, then completes the
	// transaction immediately.
	DirectResponseHandler(txn *Transaction, kind ErrorKind, err error) Handler
}

// InfoCallback is the observer interface. All methods are
// optional; embed InfoCallbackBase to get no-op defaults.
type InfoCallback interface {
	OnCreate()
	OnDestroy()
	OnRead(n int)
	OnWrite(n int)
	OnRequestBegin()
	OnRequestEnd(maxQueueSize int)
	OnActivateConnection()
	OnDeactivateConnection()
	OnIngressMessage(msg *Message)
	OnIngressError(err error, kind ErrorKind)
	OnIngressPaused()
	OnIngressLimitExceeded()
	OnTransactionDetached(id StreamID)
	OnPingReply(latencyNs int64)
	// OnPingReplyWritten fires once a locally-generated pong (sent from
	// OnPingRequest) has actually left the wire, mirroring OnLastByteWritten
	// for the connection-scoped ping-reply-ack byte event.
	OnPingReplyWritten(id uint64)
	OnSettingsOutgoingStreamsFull()
	OnSettingsOutgoingStreamsNotFull()
}

// InfoCallbackBase provides no-op implementations of every InfoCallback
// method so embedders only override what they care about.
type InfoCallbackBase struct{}

func (InfoCallbackBase) OnCreate()                            {}
func (InfoCallbackBase) OnDestroy()                           {}
func (InfoCallbackBase) OnRead(n int)                         {}
func (InfoCallbackBase) OnWrite(n int)                        {}
func (InfoCallbackBase) OnRequestBegin()                      {}
func (InfoCallbackBase) OnRequestEnd(maxQueueSize int)        {}
func (InfoCallbackBase) OnActivateConnection()                {}
func (InfoCallbackBase) OnDeactivateConnection()              {}
func (InfoCallbackBase) OnIngressMessage(msg *Message)        {}
func (InfoCallbackBase) OnIngressError(err error, k ErrorKind) {}
func (InfoCallbackBase) OnIngressPaused()                     {}
func (InfoCallbackBase) OnIngressLimitExceeded()              {}
func (InfoCallbackBase) OnTransactionDetached(id StreamID)    {}
func (InfoCallbackBase) OnPingReply(latencyNs int64)          {}
func (InfoCallbackBase) OnPingReplyWritten(id uint64)         {}
func (InfoCallbackBase) OnSettingsOutgoingStreamsFull()       {}
func (InfoCallbackBase) OnSettingsOutgoingStreamsNotFull()    {}
