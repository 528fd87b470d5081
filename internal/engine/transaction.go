package engine

// halfState is the per-direction state of a Transaction.
type halfState int

const (
	halfOpen halfState = iota
	halfEOMQueued
	halfEOMSent
	halfClosed
)

// egressChunk is one handler-submitted unit of pending egress body, queued
// when the transaction is not currently able to drain into the codec
// (window exhausted, not yet its turn in the priority queue).
type egressChunk struct {
	data []byte
	eom  bool
}

// Transaction is one request/response exchange over a Session, identified
// by a stream-id.
type Transaction struct {
	id       StreamID
	session  *Session
	priority int
	handler  Handler
	// finalHandler retains the last Handler attached to this transaction
	// across Detach, purely so a last-body-byte event that fires after
	// detach (racing the handler's own cleanup) still has somewhere to
	// deliver OnLastByteWritten.
	finalHandler Handler
	assoc    StreamID // non-zero for pushed transactions
	isPush   bool

	ingress halfState
	egress  halfState

	sendWindow    int64
	recvWindow    int64
	ingressBuffered int64 // bytes buffered for this transaction, counted in session.pendingReadSize_

	egressQueue []egressChunk

	detached     bool
	ingressPaused bool
	pendingIngress []func() // queued ingress deliveries while paused, FIFO

	inQueue bool // tracked by priorityQueue to avoid double-insertion

	abortSent bool

	createdAtNs int64 // s.now() at admission, checked against cfg.TransactionTimeout
}

// ID returns the transaction's stream-id.
func (t *Transaction) ID() StreamID { return t.id }

// IsPush reports whether this transaction was created via server push.
func (t *Transaction) IsPush() bool { return t.isPush }

// AssociatedStreamID returns the stream this push transaction is
// associated with, or 0 for a non-push transaction.
func (t *Transaction) AssociatedStreamID() StreamID { return t.assoc }

// Priority returns the transaction's current egress priority (smaller =
// more urgent).
func (t *Transaction) Priority() int { return t.priority }

// PeerAddr returns the remote address of the connection carrying this
// transaction, as reported by the underlying Transport.
func (t *Transaction) PeerAddr() string { return t.session.transport.PeerAddr() }

// ActiveTransactionCount returns the number of live transactions sharing
// this transaction's Session, a cheap concurrency signal for the
// connection as a whole.
func (t *Transaction) ActiveTransactionCount() int { return t.session.ActiveTransactionCount() }

// SetPriority updates the transaction's priority band. Effective on the
// next time it re-enters the priority queue.
func (t *Transaction) SetPriority(p int) { t.priority = p }

func (t *Transaction) terminal() bool {
	return t.ingress == halfClosed && t.egress == halfClosed && t.detached
}

// lastByteSink returns whichever Handler should receive OnLastByteWritten:
// the live handler if still attached, otherwise whatever was attached most
// recently before Detach.
func (t *Transaction) lastByteSink() Handler {
	if t.handler != nil {
		return t.handler
	}
	return t.finalHandler
}

// --- Egress API ---

// SendHeaders serializes and schedules response/request headers.
func (t *Transaction) SendHeaders(msg *Message) (int, error) {
	return t.session.sendHeaders(t, msg)
}

// SendBody schedules a body chunk, completing the egress half if
// includeEOM is set.
func (t *Transaction) SendBody(buf []byte, includeEOM bool) (int, error) {
	return t.session.sendBody(t, buf, includeEOM)
}

// SendChunkHeader schedules a chunked-transfer chunk-size frame.
func (t *Transaction) SendChunkHeader(length uint64) (int, error) {
	return t.session.sendChunkHeader(t, length)
}

// SendChunkTerminator schedules the chunk terminator.
func (t *Transaction) SendChunkTerminator() (int, error) {
	return t.session.sendChunkTerminator(t)
}

// SendTrailers schedules trailing headers.
func (t *Transaction) SendTrailers(trailers []Header) (int, error) {
	return t.session.sendTrailers(t, trailers)
}

// SendEOM marks the egress half complete without additional body.
func (t *Transaction) SendEOM() (int, error) {
	return t.session.sendEOM(t)
}

// SendAbort emits a stream-level reset (or closes the connection for
// non-resettable codecs). Idempotent.
func (t *Transaction) SendAbort(code AbortCode) error {
	return t.session.sendAbort(t, code)
}

// SendWindowUpdate grants additional receive-window credit to the peer.
func (t *Transaction) SendWindowUpdate(delta uint32) error {
	return t.session.sendWindowUpdate(t, delta)
}

// NotifyPendingEgress re-queues the transaction into the priority queue
// without submitting new bytes, used when a handler becomes ready to send
// again after being paused.
func (t *Transaction) NotifyPendingEgress() {
	t.session.notifyPendingEgress(t)
}

// PauseIngress suspends ingress delivery to the handler; buffered body
// remains counted against the session's read-buffer limit.
func (t *Transaction) PauseIngress() {
	t.session.pauseIngress(t)
}

// ResumeIngress drains any ingress events queued while paused, in FIFO
// order, before resuming codec consumption.
func (t *Transaction) ResumeIngress() {
	t.session.resumeIngress(t)
}

// NotifyIngressBodyProcessed informs the session that the handler has
// consumed n bytes of previously-delivered body, decrementing
// pendingReadSize_ and potentially resuming transport reads.
func (t *Transaction) NotifyIngressBodyProcessed(n int) {
	t.session.notifyIngressBodyProcessed(t, n)
}

// Detach removes the handler reference; once both halves are closed the
// transaction is removed from the session's table.
func (t *Transaction) Detach() {
	t.session.detach(t)
}

// NewPushedTransaction creates a server-push transaction associated with
// t, subject to maxConcurrentPushTransactions_.
func (t *Transaction) NewPushedTransaction(msg *Message, h Handler) (*Transaction, error) {
	return t.session.newPushedTransaction(t, msg, h)
}
