package hxc

import (
	"context"

	"github.com/flowbound/hxc/internal/engine"
)

// bridgeHandler adapts one engine.Transaction's callback sequence into a
// single Context handed to a Router once the request is fully buffered.
// Simple request/response application handlers don't need to see body
// chunks as they stream in; this mirrors the donor's NewContextH1, which
// also took a pre-read body.
type bridgeHandler struct {
	router   *Router
	ctx      *Context
	txn      *engine.Transaction
	onFlush  func()
}

func (b *bridgeHandler) OnHeadersComplete(msg *engine.Message) {
	b.ctx = NewContext(context.Background(), b.txn, msg)
}

func (b *bridgeHandler) OnBody(chunk []byte) {
	if b.ctx != nil {
		b.ctx.appendBody(chunk)
	}
}

func (b *bridgeHandler) OnChunkHeader(length uint64) {}
func (b *bridgeHandler) OnChunkComplete()             {}
func (b *bridgeHandler) OnTrailersComplete(trailers []engine.Header) {}

func (b *bridgeHandler) OnMessageComplete(upgrade bool) {
	if b.ctx == nil {
		return
	}
	if err := b.router.Serve(b.ctx); err != nil {
		_ = DefaultErrorHandler(b.ctx, err)
	}
	// The response is only scheduled, not yet written: b.ctx is about to go
	// back to the pool, so anything a middleware wants to know once the
	// bytes actually leave the wire (OnLastByteWritten, below) has to be
	// captured now rather than read off ctx later.
	b.onFlush = b.ctx.flushHook
	b.ctx.release()
	b.txn.Detach()
}

func (b *bridgeHandler) OnError(err error) {
	if b.ctx != nil {
		b.ctx.release()
	}
}

func (b *bridgeHandler) OnAbort(code engine.AbortCode) {
	if b.ctx != nil {
		b.ctx.release()
	}
	b.fireFlushHook()
}

func (b *bridgeHandler) OnEgressPaused()  {}
func (b *bridgeHandler) OnEgressResumed() {}

func (b *bridgeHandler) OnWriteError(err error) {
	b.fireFlushHook()
}

// OnLastByteWritten fires once this transaction's response has actually been
// confirmed written by the transport, well after OnMessageComplete merely
// enqueued it. A middleware that registered a flush hook via Context.OnFlush
// (e.g. Logger, to report true end-to-end latency) is invoked here.
func (b *bridgeHandler) OnLastByteWritten() {
	b.fireFlushHook()
}

// fireFlushHook runs the flush hook captured in OnMessageComplete exactly
// once, however the response turns out: delivered in full (OnLastByteWritten)
// or cut short by an abort/write error. Without the write-error/abort paths
// here, a connection that dies mid-flush would silently never report.
func (b *bridgeHandler) fireFlushHook() {
	if b.onFlush == nil {
		return
	}
	fn := b.onFlush
	b.onFlush = nil
	fn()
}

// controller is the engine.Controller that hands every inbound transaction
// a bridgeHandler bound to router.
type controller struct {
	router *Router
}

// NewController builds an engine.Controller that dispatches every inbound
// transaction through router.
func NewController(router *Router) engine.Controller {
	return &controller{router: router}
}

func (c *controller) NewHandler(txn *engine.Transaction, msg *engine.Message) engine.Handler {
	return &bridgeHandler{router: c.router, txn: txn}
}

// DirectResponseHandler returns a handler that emits a minimal status-coded
// response derived from kind, used for parse errors and timeouts that never
// reach application code.
func (c *controller) DirectResponseHandler(txn *engine.Transaction, kind engine.ErrorKind, err error) engine.Handler {
	return &directResponseHandler{txn: txn, status: engine.StatusForErrorKind(kind)}
}

type directResponseHandler struct {
	txn    *engine.Transaction
	status int
}

func (d *directResponseHandler) OnHeadersComplete(msg *engine.Message) {
	d.txn.SendHeaders(&engine.Message{Status: d.status, Headers: []engine.Header{{"content-type", "text/plain"}}})
	d.txn.SendBody([]byte(httpStatusText(d.status)), true)
}
func (d *directResponseHandler) OnBody(chunk []byte)                       {}
func (d *directResponseHandler) OnChunkHeader(length uint64)               {}
func (d *directResponseHandler) OnChunkComplete()                          {}
func (d *directResponseHandler) OnTrailersComplete(trailers []engine.Header) {}
func (d *directResponseHandler) OnMessageComplete(upgrade bool)            {}
func (d *directResponseHandler) OnError(err error)                        {}
func (d *directResponseHandler) OnAbort(code engine.AbortCode)             {}
func (d *directResponseHandler) OnEgressPaused()                          {}
func (d *directResponseHandler) OnEgressResumed()                         {}
func (d *directResponseHandler) OnWriteError(err error)                   {}
func (d *directResponseHandler) OnLastByteWritten()                       {}

func httpStatusText(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 408:
		return "Request Timeout"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Internal Server Error"
	}
}
