package engine

import "testing"

type fakeTransport struct {
	writes       [][]byte
	pendingBytes int
	pausedReads  bool
	resumedReads int
	closed       bool
	writeErr     error
}

func (f *fakeTransport) Write(buf []byte, cork, eor bool) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), buf...)
	f.writes = append(f.writes, cp)
	f.pendingBytes += len(buf)
	return nil
}
func (f *fakeTransport) PauseReads()          { f.pausedReads = true }
func (f *fakeTransport) ResumeReads()         { f.pausedReads = false; f.resumedReads++ }
func (f *fakeTransport) HalfCloseReads()      {}
func (f *fakeTransport) HalfCloseWrites()     {}
func (f *fakeTransport) Close() error         { f.closed = true; return nil }
func (f *fakeTransport) PendingWriteBytes() int { return f.pendingBytes }
func (f *fakeTransport) LocalAddr() string    { return "local" }
func (f *fakeTransport) PeerAddr() string     { return "peer" }

// fakeCodec is a minimal Codec that encodes frames as simple tagged byte
// sequences sufficient for assertions, without any real wire format.
type fakeCodec struct {
	d        Dispatcher
	nextID   StreamID
	resettable bool
	multiplex  bool
}

func (c *fakeCodec) SetDispatcher(d Dispatcher) { c.d = d }
func (c *fakeCodec) Parse(data []byte) (int, error) { return len(data), nil }
func (c *fakeCodec) GenerateHeader(dst []byte, id StreamID, msg *Message, eom bool) []byte {
	return append(dst, 'H')
}
func (c *fakeCodec) GenerateBody(dst []byte, id StreamID, data []byte, eom bool) []byte {
	return append(dst, data...)
}
func (c *fakeCodec) GenerateChunkHeader(dst []byte, id StreamID, length uint64) []byte {
	return append(dst, 'C')
}
func (c *fakeCodec) GenerateChunkTerminator(dst []byte, id StreamID) []byte { return append(dst, 'T') }
func (c *fakeCodec) GenerateTrailers(dst []byte, id StreamID, trailers []Header) []byte {
	return append(dst, 'L')
}
func (c *fakeCodec) GenerateEOM(dst []byte, id StreamID) []byte { return dst }
func (c *fakeCodec) GenerateAbort(dst []byte, id StreamID, code AbortCode) []byte {
	return append(dst, 'A')
}
func (c *fakeCodec) GenerateGoAway(dst []byte, lastGoodStreamID StreamID, code GoAwayCode, debug []byte) []byte {
	return append(dst, 'G')
}
func (c *fakeCodec) GeneratePingRequest(dst []byte, id uint64) []byte { return append(dst, 'P') }
func (c *fakeCodec) GeneratePingReply(dst []byte, id uint64) []byte   { return append(dst, 'p') }
func (c *fakeCodec) GenerateWindowUpdate(dst []byte, id StreamID, delta uint32) []byte {
	return append(dst, 'W')
}
func (c *fakeCodec) GenerateSettings(dst []byte, settings []Setting) []byte { return append(dst, 'S') }
func (c *fakeCodec) NewStreamID() StreamID {
	c.nextID += 2
	return c.nextID
}
func (c *fakeCodec) SupportsStreamReset() bool    { return c.resettable }
func (c *fakeCodec) SupportsTwoPhaseGoAway() bool  { return c.multiplex }
func (c *fakeCodec) IsStreamMultiplexing() bool    { return c.multiplex }
func (c *fakeCodec) IsReusable() bool              { return true }

type fakeHandler struct {
	headers          *Message
	headersCompleted bool
	body             [][]byte
	completed        bool
	aborted          bool
	writeErr         error
	egressPaused     bool
	lastByteWritten  bool
}

func (h *fakeHandler) OnHeadersComplete(msg *Message)    { h.headers = msg; h.headersCompleted = true }
func (h *fakeHandler) OnBody(chunk []byte)                { h.body = append(h.body, chunk) }
func (h *fakeHandler) OnChunkHeader(length uint64)         {}
func (h *fakeHandler) OnChunkComplete()                    {}
func (h *fakeHandler) OnTrailersComplete(trailers []Header) {}
func (h *fakeHandler) OnMessageComplete(upgrade bool)       { h.completed = true }
func (h *fakeHandler) OnError(err error)                    {}
func (h *fakeHandler) OnAbort(code AbortCode)                { h.aborted = true }
func (h *fakeHandler) OnEgressPaused()                       { h.egressPaused = true }
func (h *fakeHandler) OnEgressResumed()                      { h.egressPaused = false }
func (h *fakeHandler) OnWriteError(err error)                { h.writeErr = err }
func (h *fakeHandler) OnLastByteWritten()                    { h.lastByteWritten = true }

type fakeController struct {
	h            *fakeHandler
	directKind   ErrorKind
	directCalls  int
	lastDirect   *fakeHandler
}

func (c *fakeController) NewHandler(txn *Transaction, msg *Message) Handler { return c.h }
func (c *fakeController) DirectResponseHandler(txn *Transaction, kind ErrorKind, err error) Handler {
	c.directCalls++
	c.directKind = kind
	c.lastDirect = &fakeHandler{}
	return c.lastDirect
}

func newTestSession(multiplex bool) (*Session, *fakeTransport, *fakeCodec, *fakeController) {
	s, tr, cd, ctrl := newTestSessionDir(Downstream, multiplex)
	return s, tr, cd, ctrl
}

func newTestSessionDir(dir Direction, multiplex bool) (*Session, *fakeTransport, *fakeCodec, *fakeController) {
	tr := &fakeTransport{}
	cd := &fakeCodec{resettable: multiplex, multiplex: multiplex}
	ctrl := &fakeController{h: &fakeHandler{}}
	s := NewSession(dir, DefaultConfig(), tr, cd, ctrl, nil, nil)
	return s, tr, cd, ctrl
}

func TestSingleStreamEcho(t *testing.T) {
	s, tr, _, ctrl := newTestSession(true)

	s.OnMessageBegin(1, &Message{Method: "GET", Path: "/"})
	s.OnHeadersComplete(1, &Message{Method: "GET", Path: "/"})
	s.OnMessageComplete(1, false)

	if ctrl.h.headers == nil || ctrl.h.headers.Method != "GET" {
		t.Fatalf("expected handler to observe headers")
	}
	if !ctrl.h.completed {
		t.Fatalf("expected handler to observe message complete")
	}

	txn, ok := s.Transaction(1)
	if !ok {
		t.Fatalf("expected transaction still live until handler responds and detaches")
	}
	txn.SendHeaders(&Message{Status: 200})
	txn.SendBody([]byte("hello world"), true)
	s.FlushEgress()
	txn.Detach()

	if _, ok := s.Transaction(1); ok {
		t.Fatalf("transaction should be removed once both halves close and handler detaches")
	}
	if s.incomingStreams != 0 {
		t.Fatalf("incomingStreams_ should return to 0, got %d", s.incomingStreams)
	}
	_ = tr
}

func TestSendHeadersBodyEOMCoalescesOneWrite(t *testing.T) {
	s, tr, _, _ := newTestSession(true)

	s.OnMessageBegin(1, &Message{Method: "GET", Path: "/"})
	txn, _ := s.Transaction(1)
	txn.SendHeaders(&Message{Status: 200})
	txn.SendBody([]byte("hello world"), true)

	s.FlushEgress()

	if len(tr.writes) != 1 {
		t.Fatalf("expected one coalesced WriteSegment, got %d", len(tr.writes))
	}
	if string(tr.writes[0]) != "Hhello world" {
		t.Fatalf("unexpected write payload %q", tr.writes[0])
	}
}

func TestOnLastByteWrittenFiresAfterWriteSuccess(t *testing.T) {
	s, _, _, ctrl := newTestSession(true)

	s.OnMessageBegin(1, &Message{Method: "GET", Path: "/"})
	s.OnHeadersComplete(1, &Message{Method: "GET", Path: "/"})
	txn, _ := s.Transaction(1)
	txn.SendHeaders(&Message{Status: 200})
	txn.SendBody([]byte("hello"), true)
	s.FlushEgress()

	if ctrl.h.lastByteWritten {
		t.Fatalf("expected OnLastByteWritten not yet fired before WriteSuccess")
	}

	s.WriteSuccess()

	if !ctrl.h.lastByteWritten {
		t.Fatalf("expected OnLastByteWritten to fire once the write completes")
	}
}

func TestOnLastByteWrittenStillFiresAfterDetach(t *testing.T) {
	s, _, _, ctrl := newTestSession(true)

	s.OnMessageBegin(1, &Message{Method: "GET", Path: "/"})
	s.OnHeadersComplete(1, &Message{Method: "GET", Path: "/"})
	txn, _ := s.Transaction(1)
	txn.SendHeaders(&Message{Status: 200})
	txn.SendBody([]byte("hello"), true)
	s.FlushEgress()

	// A handler commonly detaches as soon as it has enqueued its final
	// response, well before the transport confirms the write; the
	// last-byte-written notification must still reach it.
	txn.Detach()

	s.WriteSuccess()

	if !ctrl.h.lastByteWritten {
		t.Fatalf("expected OnLastByteWritten to fire on the detached handler via finalHandler")
	}
}

func TestFlowControlStall(t *testing.T) {
	s, _, _, _ := newTestSession(true)
	s.OnMessageBegin(1, &Message{})
	txn, _ := s.Transaction(1)
	txn.sendWindow = 4

	txn.SendBody([]byte("12345678"), true)
	s.FlushEgress()

	if txn.sendWindow != 0 {
		t.Fatalf("expected send window exhausted, got %d", txn.sendWindow)
	}
	if len(txn.egressQueue) == 0 {
		t.Fatalf("expected remainder requeued pending window update")
	}

	s.OnWindowUpdate(1, 10)
	s.FlushEgress()
	if len(txn.egressQueue) != 0 {
		t.Fatalf("expected queue drained after window update")
	}
}

func TestReadBackpressure(t *testing.T) {
	s, tr, _, _ := newTestSession(true)
	s.cfg.ReadBufLimit = 10

	s.OnMessageBegin(1, &Message{})
	txn, _ := s.Transaction(1)
	s.OnBody(1, make([]byte, 20))
	s.checkReadBackpressure()

	if !tr.pausedReads {
		t.Fatalf("expected reads paused under backpressure")
	}

	txn.NotifyIngressBodyProcessed(15)
	if tr.pausedReads {
		t.Fatalf("expected reads resumed once pendingReadSize drops below limit")
	}
}

func TestGracefulGoAway(t *testing.T) {
	s, _, _, _ := newTestSession(true)
	s.OnMessageBegin(1, &Message{})
	s.OnMessageBegin(3, &Message{})
	s.OnMessageBegin(5, &Message{})

	s.OnMessageComplete(1, false)
	s.OnMessageComplete(5, false)

	s.Drain()
	if !s.IsDraining() {
		t.Fatalf("expected draining_ set")
	}
	if s.gracefulGoAwayAck() != 5 {
		t.Fatalf("expected lastGoodStreamID=5, got %d", s.gracefulGoAwayAck())
	}

	s.OnMessageBegin(7, &Message{})
	if _, ok := s.Transaction(7); ok {
		t.Fatalf("no stream id should be admitted while draining")
	}
}

func TestWriteErrorAbortsAllTransactions(t *testing.T) {
	s, _, _, ctrl := newTestSession(true)
	s.OnMessageBegin(1, &Message{})
	s.OnHeadersComplete(1, &Message{})

	s.WriteError(ErrTransportWrite)

	if ctrl.h.writeErr == nil {
		t.Fatalf("expected handler to observe write error")
	}
	if !s.writesShutdown {
		t.Fatalf("expected writesShutdown_ set")
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	s, _, _, _ := newTestSession(true)
	s.Drain()
	s.Drain()
	if !s.IsDraining() {
		t.Fatalf("expected draining_ set")
	}
}

func TestDoubleAbortProducesOneReset(t *testing.T) {
	s, tr, _, _ := newTestSession(true)
	s.OnMessageBegin(1, &Message{})
	txn, _ := s.Transaction(1)

	txn.SendAbort(AbortCode(1))
	txn.SendAbort(AbortCode(1))
	s.FlushEgress()

	count := 0
	for _, w := range tr.writes {
		for _, b := range w {
			if b == 'A' {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one wire reset, got %d", count)
	}
}

func TestOnErrorNewTxnInstallsAndDrivesDirectResponseHandler(t *testing.T) {
	s, _, _, ctrl := newTestSession(true)

	s.OnError(5, ErrStreamCapExceeded, true)

	if ctrl.directCalls != 1 {
		t.Fatalf("expected controller.DirectResponseHandler to be invoked once, got %d", ctrl.directCalls)
	}
	if ctrl.directKind != ErrKindParse {
		t.Fatalf("expected ErrKindParse, got %v", ctrl.directKind)
	}
	if !ctrl.lastDirect.headersCompleted {
		t.Fatalf("expected the direct-response handler's OnHeadersComplete to be driven")
	}

	txn, ok := s.Transaction(5)
	if !ok {
		t.Fatalf("expected a transaction admitted for the errored stream")
	}
	if !txn.detached {
		t.Fatalf("expected the transaction detached once the direct response was driven")
	}
}

func TestOnMessageBeginRejectsUnmatchedIDOnUpstreamSession(t *testing.T) {
	s, tr, _, _ := newTestSessionDir(Upstream, true)

	s.OnMessageBegin(42, &Message{})
	s.FlushEgress()

	if _, ok := s.Transaction(42); ok {
		t.Fatalf("upstream session must not admit an id it never originated")
	}
	if len(tr.writes) == 0 {
		t.Fatalf("expected newTransactionParseError to schedule an abort write")
	}
}

func TestOnMessageBeginAcceptsMatchingIDOnUpstreamSession(t *testing.T) {
	s, _, _, ctrl := newTestSessionDir(Upstream, true)

	txn := s.NewTransaction(ctrl.h)
	s.OnMessageBegin(txn.id, &Message{Status: 200})

	if _, ok := s.Transaction(txn.id); !ok {
		t.Fatalf("expected the locally-originated transaction to remain live")
	}
}

func TestSendPingRecordsOutstandingAndReportsLatency(t *testing.T) {
	s, _, _, _ := newTestSession(true)

	var gotLatency int64 = -1
	s.info = infoCallbackFunc{onPingReply: func(ns int64) { gotLatency = ns }}

	tick := int64(0)
	s.now = func() int64 { tick += 100; return tick }

	id, err := s.SendPing()
	if err != nil {
		t.Fatalf("unexpected error from SendPing: %v", err)
	}
	if len(s.pingsOutstanding) != 1 {
		t.Fatalf("expected one outstanding ping, got %d", len(s.pingsOutstanding))
	}

	s.OnPingReply(id)
	if gotLatency < 0 {
		t.Fatalf("expected OnPingReply to report a latency")
	}
	if len(s.pingsOutstanding) != 0 {
		t.Fatalf("expected the outstanding ping to be consumed")
	}
}

// infoCallbackFunc lets a single test override just the InfoCallback
// methods it cares about.
type infoCallbackFunc struct {
	InfoCallbackBase
	onPingReply func(latencyNs int64)
}

func (f infoCallbackFunc) OnPingReply(latencyNs int64) {
	if f.onPingReply != nil {
		f.onPingReply(latencyNs)
	}
}

func TestCheckTimeoutsFiresReadTimeout(t *testing.T) {
	s, tr, _, _ := newTestSession(true)
	s.cfg.ReadTimeout = 10
	s.lastReadAtNs = 0

	s.CheckTimeouts(100)

	if !tr.closed {
		t.Fatalf("expected the transport closed once the read timeout elapsed")
	}
}

func TestCheckTimeoutsInstallsDirectResponseOnTransactionTimeout(t *testing.T) {
	s, _, _, ctrl := newTestSession(true)
	s.cfg.TransactionTimeout = 10
	s.OnMessageBegin(1, &Message{})
	txn, _ := s.Transaction(1)
	txn.handler = nil // no application handler attached yet

	s.CheckTimeouts(txn.createdAtNs + 100)

	if ctrl.directCalls != 1 {
		t.Fatalf("expected a direct-response timeout handler installed, got %d calls", ctrl.directCalls)
	}
	if ctrl.directKind != ErrKindTimeout {
		t.Fatalf("expected ErrKindTimeout, got %v", ctrl.directKind)
	}
}
