package engine

import (
	"time"
)

// Session multiplexes a family of Transactions over one Transport
// connection, mediated by a Codec. A Session is bound to exactly one
// event-loop thread: every method below must be invoked only from that
// thread.
type Session struct {
	direction  Direction
	cfg        Config
	transport  Transport
	codec      Codec
	controller Controller
	info       InfoCallback
	flow       FlowControlFilter // nil for non-multiplexing codecs (HTTP/1.1)
	now        func() int64

	transactions map[StreamID]*Transaction
	pq           *priorityQueue

	writeBuf   []byte
	pending    writeSegmentQueue
	byteEvents byteEventTracker

	bytesWritten   int64
	bytesScheduled int64
	pendingWriteSz int

	pendingReadSize int64

	incomingStreams int
	outgoingStreams int

	maxConcurrentOutgoingStreamsRemote int

	draining                  bool
	writesDraining            bool
	readsPaused               bool
	readsShutdown             bool
	writesPaused              bool
	writesShutdown            bool
	resetAfterDrainingWrites  bool
	ingressError              bool
	writeScheduled            bool
	inLoopCallback            bool
	scopeDepth                int
	destroyed                 bool

	highestIncomingStreamID StreamID
	pingsOutstanding        []uint64
	pingSentAtNs            map[uint64]int64
	pingIDCounter           uint64
	lastPingSentAtNs        int64

	lastReadAtNs     int64
	lastWriteAckAtNs int64
}

// NewSession constructs a Session for one accepted/dialed connection. The
// codec's dispatcher is wired to this Session.
func NewSession(dir Direction, cfg Config, transport Transport, codec Codec, controller Controller, info InfoCallback, flow FlowControlFilter) *Session {
	if info == nil {
		info = InfoCallbackBase{}
	}
	s := &Session{
		direction:    dir,
		cfg:          cfg,
		transport:    transport,
		codec:        codec,
		controller:   controller,
		info:         info,
		flow:         flow,
		now:          func() int64 { return time.Now().UnixNano() },
		transactions: make(map[StreamID]*Transaction),
		pq:           newPriorityQueue(),
		pingSentAtNs: make(map[uint64]int64),
	}
	s.lastReadAtNs = s.now()
	s.lastWriteAckAtNs = s.now()
	codec.SetDispatcher(s)
	s.info.OnCreate()
	return s
}

func (s *Session) enterScope() { s.scopeDepth++ }

// exitScope is the destruction-guard release point: actual
// teardown is deferred until the outermost public entry returns.
func (s *Session) exitScope() {
	s.scopeDepth--
	if s.scopeDepth == 0 {
		s.checkForShutdown()
	}
}

// Direction returns whether this session is client- or server-side.
func (s *Session) Direction() Direction { return s.direction }

// Transaction looks up a live transaction by id.
func (s *Session) Transaction(id StreamID) (*Transaction, bool) {
	t, ok := s.transactions[id]
	return t, ok
}

// ActiveTransactionCount returns the number of live transactions.
func (s *Session) ActiveTransactionCount() int { return len(s.transactions) }

// BytesWritten returns bytesWritten_.
func (s *Session) BytesWritten() int64 { return s.bytesWritten }

// BytesScheduled returns bytesScheduled_.
func (s *Session) BytesScheduled() int64 { return s.bytesScheduled }

// PendingReadSize returns pendingReadSize_.
func (s *Session) PendingReadSize() int64 { return s.pendingReadSize }

// IsDraining reports draining_.
func (s *Session) IsDraining() bool { return s.draining }

// IsDestroyed reports whether OnDestroy has already fired.
func (s *Session) IsDestroyed() bool { return s.destroyed }

// ---------------------------------------------------------------------
// Ingress pipeline
// ---------------------------------------------------------------------

// ReadDataAvailable is the transport's read callback: n new bytes are
// available in data. The session feeds them to the codec and checks
// backpressure.
func (s *Session) ReadDataAvailable(data []byte) {
	s.enterScope()
	defer s.exitScope()

	if s.readsShutdown {
		return
	}
	s.lastReadAtNs = s.now()
	s.info.OnRead(len(data))

	for len(data) > 0 {
		consumed, err := s.codec.Parse(data)
		if consumed > 0 {
			data = data[consumed:]
		}
		if err != nil {
			s.handleParseError(err)
			return
		}
		if consumed == 0 {
			break
		}
	}

	s.checkReadBackpressure()
}

// checkReadBackpressure applies the ingress pause/resume policy against the
// current pendingReadSize_.
func (s *Session) checkReadBackpressure() {
	if s.pendingReadSize > int64(s.cfg.ReadBufLimit) && !s.readsPaused {
		s.readsPaused = true
		s.transport.PauseReads()
		s.info.OnIngressLimitExceeded()
	}
}

// ReadEOF is the transport's clean-EOF callback.
func (s *Session) ReadEOF() {
	s.enterScope()
	defer s.exitScope()
	s.abortAllSnapshot(AbortCode(0), ErrTransportWrite)
	s.shutdownTransport(true, false)
}

// ReadError is the transport's I/O-error callback.
func (s *Session) ReadError(err error) {
	s.enterScope()
	defer s.exitScope()
	s.info.OnIngressError(err, ErrKindTransport)
	s.abortAllSnapshot(AbortCode(0), err)
	s.shutdownTransportWithReset(err)
}

func (s *Session) handleParseError(err error) {
	s.ingressError = true
	s.info.OnIngressError(err, ErrKindParse)
	s.abortAllSnapshot(AbortCode(0), err)
	s.shutdownTransport(true, true)
}

// newTransactionParseError handles a codec error scoped to a brand-new
// stream that must not be admitted.
func (s *Session) newTransactionParseError(id StreamID, err error) {
	s.info.OnIngressError(err, ErrKindParse)
	s.writeBuf = s.codec.GenerateAbort(s.writeBuf, id, AbortCode(0))
	s.scheduleWrite()
}

// --- Dispatcher implementation ---

func (s *Session) OnMessageBegin(id StreamID, msg *Message) {
	if s.draining {
		s.newTransactionParseError(id, ErrSessionDraining)
		return
	}
	if _, exists := s.transactions[id]; exists {
		return
	}
	// For an Upstream session every id was assigned by us when the
	// outbound transaction was created: an id that doesn't
	// already have an entry in s.transactions is a response to a request
	// we never sent and must be rejected, never silently admitted as a
	// new incoming transaction.
	if s.direction == Upstream {
		s.newTransactionParseError(id, ErrUnknownStream)
		return
	}
	if s.incomingStreams >= s.cfg.MaxConcurrentIncomingStreams {
		s.newTransactionParseError(id, ErrStreamCapExceeded)
		return
	}
	s.newTransaction(id, 0, false)
	s.incomingStreams++
	if id > s.highestIncomingStreamID {
		s.highestIncomingStreamID = id
	}
	if msg != nil {
		s.info.OnIngressMessage(msg)
	}
	s.info.OnRequestBegin()
}

func (s *Session) OnPushMessageBegin(id StreamID, assoc StreamID, msg *Message) {
	if s.direction != Downstream {
		return
	}
	assocTxn, ok := s.transactions[assoc]
	if !ok {
		s.newTransactionParseError(id, ErrNoAssociatedStream)
		return
	}
	pushCount := 0
	for _, t := range s.transactions {
		if t.isPush {
			pushCount++
		}
	}
	if pushCount >= s.cfg.MaxConcurrentPushTransactions {
		s.newTransactionParseError(id, ErrPushCapExceeded)
		return
	}
	s.newTransaction(id, assoc, true)
	_ = assocTxn
	s.incomingStreams++
	if msg != nil {
		s.info.OnIngressMessage(msg)
	}
}

func (s *Session) newTransaction(id StreamID, assoc StreamID, isPush bool) *Transaction {
	txn := &Transaction{
		id:          id,
		session:     s,
		priority:    16, // mid default; codec/handler may reprioritize
		assoc:       assoc,
		isPush:      isPush,
		sendWindow:  s.cfg.InitialRecvWindow,
		recvWindow:  s.cfg.InitialRecvWindow,
		createdAtNs: s.now(),
	}
	s.transactions[id] = txn
	return txn
}

func (s *Session) OnHeadersComplete(id StreamID, msg *Message) {
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	if txn.handler == nil && s.controller != nil {
		txn.handler = s.controller.NewHandler(txn, msg)
	}
	if txn.handler != nil {
		txn.handler.OnHeadersComplete(msg)
	}
}

func (s *Session) deliverOrQueue(txn *Transaction, fn func()) {
	if txn.ingressPaused {
		txn.pendingIngress = append(txn.pendingIngress, fn)
		return
	}
	fn()
}

func (s *Session) OnBody(id StreamID, chunk []byte) {
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	n := int64(len(chunk))
	s.pendingReadSize += n
	txn.ingressBuffered += n
	s.deliverOrQueue(txn, func() {
		if txn.handler != nil {
			txn.handler.OnBody(chunk)
		}
	})
}

func (s *Session) OnChunkHeader(id StreamID, length uint64) {
	if txn, ok := s.transactions[id]; ok {
		s.deliverOrQueue(txn, func() {
			if txn.handler != nil {
				txn.handler.OnChunkHeader(length)
			}
		})
	}
}

func (s *Session) OnChunkComplete(id StreamID) {
	if txn, ok := s.transactions[id]; ok {
		s.deliverOrQueue(txn, func() {
			if txn.handler != nil {
				txn.handler.OnChunkComplete()
			}
		})
	}
}

func (s *Session) OnTrailersComplete(id StreamID, trailers []Header) {
	if txn, ok := s.transactions[id]; ok {
		s.deliverOrQueue(txn, func() {
			if txn.handler != nil {
				txn.handler.OnTrailersComplete(trailers)
			}
		})
	}
}

func (s *Session) OnMessageComplete(id StreamID, upgrade bool) {
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	s.deliverOrQueue(txn, func() {
		txn.ingress = halfClosed
		if txn.handler != nil {
			txn.handler.OnMessageComplete(upgrade)
		}
		s.maybeRemoveTransaction(txn)
	})
	s.info.OnRequestEnd(s.pq.Len())
}

func (s *Session) OnError(id StreamID, err error, newTxn bool) {
	if newTxn {
		s.newTransactionDirectResponse(id, err)
		return
	}
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	s.info.OnIngressError(err, ErrKindParse)
	if txn.handler != nil {
		txn.handler.OnError(err)
	}
	txn.ingress = halfClosed
	s.maybeRemoveTransaction(txn)
}

// newTransactionDirectResponse admits id as a brand-new transaction purely
// to carry a synthetic error response: the codec reported
// a parse error scoped to a stream that was never otherwise admitted (e.g.
// a malformed HTTP/1.1 request line), so there is no application handler
// to notify. The controller's direct-response handler stands in for one,
// emits the minimal status-coded response, and the transaction is detached
// once it has.
func (s *Session) newTransactionDirectResponse(id StreamID, err error) {
	s.info.OnIngressError(err, ErrKindParse)
	txn := s.newTransaction(id, 0, false)
	s.incomingStreams++
	if id > s.highestIncomingStreamID {
		s.highestIncomingStreamID = id
	}
	h := s.controller.DirectResponseHandler(txn, ErrKindParse, err)
	txn.handler = h
	h.OnHeadersComplete(nil)
	txn.ingress = halfClosed
	txn.Detach()
}

func (s *Session) OnAbort(id StreamID, code AbortCode) {
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	s.abortTransaction(txn, code, false)
}

func (s *Session) OnGoAway(lastGoodStreamID StreamID, code GoAwayCode, debug []byte) {
	s.draining = true
	for _, txn := range s.snapshotTransactions() {
		if !txn.isPush && s.locallyInitiated(txn) && txn.id > lastGoodStreamID {
			s.abortTransaction(txn, AbortCode(code), false)
		}
	}
}

func (s *Session) locallyInitiated(txn *Transaction) bool {
	if s.direction == Upstream {
		return txn.id%2 == 1
	}
	return txn.id%2 == 0 || txn.isPush
}

func (s *Session) OnPingRequest(id uint64) {
	s.writeBuf = s.codec.GeneratePingReply(s.writeBuf, id)
	s.bytesScheduled = s.bytesWritten + int64(len(s.writeBuf)) + int64(s.pending.pendingBytes())
	s.byteEvents.addPingReplyAck(s.bytesScheduled, id)
	s.scheduleWrite()
}

// SendPing originates a round-trip-latency probe: it records
// the send time against a locally-assigned ping id so that the matching
// OnPingReply can report the elapsed latency through InfoCallback. Codecs
// without a native ping frame (HTTP/1.1) accept the call harmlessly; it
// just never produces a reply.
func (s *Session) SendPing() (uint64, error) {
	s.enterScope()
	defer s.exitScope()
	if s.writesShutdown {
		return 0, ErrSessionShutdown
	}
	s.pingIDCounter++
	id := s.pingIDCounter
	s.writeBuf = s.codec.GeneratePingRequest(s.writeBuf, id)
	s.bytesScheduled = s.bytesWritten + int64(len(s.writeBuf)) + int64(s.pending.pendingBytes())
	s.pingsOutstanding = append(s.pingsOutstanding, id)
	s.pingSentAtNs[id] = s.now()
	s.scheduleWrite()
	return id, nil
}

func (s *Session) OnPingReply(id uint64) {
	if len(s.pingsOutstanding) == 0 {
		return
	}
	oldest := s.pingsOutstanding[0]
	s.pingsOutstanding = s.pingsOutstanding[1:]
	if sentAt, ok := s.pingSentAtNs[oldest]; ok {
		delete(s.pingSentAtNs, oldest)
		s.info.OnPingReply(s.now() - sentAt)
	}
	_ = id
}

func (s *Session) OnWindowUpdate(id StreamID, delta int64) {
	if id == 0 {
		opened := false
		if s.flow != nil {
			opened = s.flow.OnConnectionWindowUpdate(delta)
		}
		if opened {
			for _, txn := range s.snapshotTransactions() {
				if len(txn.egressQueue) > 0 {
					s.pq.Push(txn)
				}
			}
			s.scheduleWrite()
		}
		return
	}
	txn, ok := s.transactions[id]
	if !ok {
		return
	}
	wasNonPositive := txn.sendWindow <= 0
	txn.sendWindow += delta
	if wasNonPositive && txn.sendWindow > 0 && len(txn.egressQueue) > 0 {
		s.pq.Push(txn)
		s.scheduleWrite()
	}
}

func (s *Session) OnSettings(settings []Setting) {
	full := false
	for _, st := range settings {
		switch st.ID {
		case SettingMaxConcurrentStreams:
			s.maxConcurrentOutgoingStreamsRemote = int(st.Value)
			if s.outgoingStreams >= s.effectiveOutgoingCap() {
				full = true
			}
		case SettingInitialWindowSize:
			for _, txn := range s.transactions {
				txn.sendWindow = int64(st.Value)
			}
		}
	}
	if full {
		s.info.OnSettingsOutgoingStreamsFull()
	} else {
		s.info.OnSettingsOutgoingStreamsNotFull()
	}
}

func (s *Session) effectiveOutgoingCap() int {
	cap := s.cfg.MaxConcurrentOutgoingStreams
	if s.maxConcurrentOutgoingStreamsRemote > 0 && s.maxConcurrentOutgoingStreamsRemote < cap {
		cap = s.maxConcurrentOutgoingStreamsRemote
	}
	return cap
}

// ---------------------------------------------------------------------
// Outbound transaction creation
// ---------------------------------------------------------------------

// NewTransaction creates a locally-originated transaction, subject to
// min(configured-outgoing-cap, remote-advertised-cap). Returns nil if the
// session is draining or the cap is exceeded.
func (s *Session) NewTransaction(h Handler) *Transaction {
	s.enterScope()
	defer s.exitScope()
	if s.draining {
		return nil
	}
	if s.outgoingStreams >= s.effectiveOutgoingCap() {
		return nil
	}
	id := s.codec.NewStreamID()
	txn := s.newTransaction(id, 0, false)
	txn.handler = h
	s.outgoingStreams++
	return txn
}

func (s *Session) newPushedTransaction(assoc *Transaction, msg *Message, h Handler) (*Transaction, error) {
	s.enterScope()
	defer s.exitScope()
	if s.direction != Downstream {
		return nil, ErrSessionDraining
	}
	pushCount := 0
	for _, t := range s.transactions {
		if t.isPush {
			pushCount++
		}
	}
	if pushCount >= s.cfg.MaxConcurrentPushTransactions {
		return nil, ErrPushCapExceeded
	}
	id := s.codec.NewStreamID()
	txn := s.newTransaction(id, assoc.id, true)
	txn.handler = h
	s.outgoingStreams++
	_, err := s.sendHeaders(txn, msg)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ---------------------------------------------------------------------
// Egress pipeline
// ---------------------------------------------------------------------

func (s *Session) sendHeaders(txn *Transaction, msg *Message) (int, error) {
	if txn.egress != halfOpen {
		return 0, ErrSessionShutdown
	}
	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateHeader(s.writeBuf, txn.id, msg, false)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	s.scheduleWrite()
	return n, nil
}

func (s *Session) sendBody(txn *Transaction, buf []byte, includeEOM bool) (int, error) {
	if txn.egress == halfClosed {
		return 0, ErrSessionShutdown
	}
	txn.egressQueue = append(txn.egressQueue, egressChunk{data: buf, eom: includeEOM})
	s.pq.Push(txn)
	s.scheduleWrite()
	return len(buf), nil
}

func (s *Session) sendChunkHeader(txn *Transaction, length uint64) (int, error) {
	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateChunkHeader(s.writeBuf, txn.id, length)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	s.scheduleWrite()
	return n, nil
}

func (s *Session) sendChunkTerminator(txn *Transaction) (int, error) {
	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateChunkTerminator(s.writeBuf, txn.id)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	s.scheduleWrite()
	return n, nil
}

func (s *Session) sendTrailers(txn *Transaction, trailers []Header) (int, error) {
	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateTrailers(s.writeBuf, txn.id, trailers)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	s.scheduleWrite()
	return n, nil
}

func (s *Session) sendEOM(txn *Transaction) (int, error) {
	if txn.egress == halfClosed {
		return 0, nil
	}
	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateEOM(s.writeBuf, txn.id)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	s.onEgressMessageFinished(txn, false)
	s.scheduleWrite()
	return n, nil
}

func (s *Session) onEgressMessageFinished(txn *Transaction, withRST bool) {
	txn.egress = halfClosed
	if withRST {
		_ = s.sendAbort(txn, AbortCode(0))
		txn.ingress = halfClosed
	}
	s.maybeRemoveTransaction(txn)
}

func (s *Session) sendAbort(txn *Transaction, code AbortCode) error {
	if txn.abortSent {
		return nil
	}
	txn.abortSent = true
	if s.codec.SupportsStreamReset() {
		s.writeBuf = s.codec.GenerateAbort(s.writeBuf, txn.id, code)
	} else {
		s.dropConnection()
		return nil
	}
	txn.egress = halfClosed
	txn.ingress = halfClosed
	s.pq.Remove(txn)
	s.scheduleWrite()
	s.maybeRemoveTransaction(txn)
	return nil
}

func (s *Session) sendWindowUpdate(txn *Transaction, delta uint32) error {
	s.writeBuf = s.codec.GenerateWindowUpdate(s.writeBuf, txn.id, delta)
	s.scheduleWrite()
	return nil
}

func (s *Session) notifyPendingEgress(txn *Transaction) {
	if len(txn.egressQueue) > 0 {
		s.pq.Push(txn)
		s.scheduleWrite()
	}
}

// abortTransaction performs the reset/close path. fromHandler
// indicates the abort originated from handler.SendAbort rather than ingress.
func (s *Session) abortTransaction(txn *Transaction, code AbortCode, fromHandler bool) {
	if txn.handler != nil {
		txn.handler.OnAbort(code)
	}
	txn.ingress = halfClosed
	txn.egress = halfClosed
	s.pq.Remove(txn)
	s.maybeRemoveTransaction(txn)
}

// abortAllSnapshot mass-aborts a snapshot of transactions, not a live
// iteration of the table, since abort callbacks may mutate it.
func (s *Session) abortAllSnapshot(code AbortCode, err error) {
	for _, txn := range s.snapshotTransactions() {
		if txn.handler != nil {
			txn.handler.OnWriteError(err)
		}
		s.abortTransaction(txn, code, false)
	}
}

func (s *Session) snapshotTransactions() []*Transaction {
	out := make([]*Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t)
	}
	return out
}

// scheduleWrite registers the single end-of-loop-turn write callback. The
// actual drain happens in FlushEgress, called by the transport binding once
// per event-loop turn.
func (s *Session) scheduleWrite() {
	s.writeScheduled = true
}

// FlushEgress runs the egress loop callback.
// The transport binding calls this exactly once at the end of each
// event-loop turn (e.g. once per gnet OnTraffic invocation) if a write was
// scheduled during that turn.
func (s *Session) FlushEgress() {
	if !s.writeScheduled || s.inLoopCallback {
		return
	}
	s.inLoopCallback = true
	defer func() { s.inLoopCallback = false }()
	s.writeScheduled = false

	if s.writesShutdown {
		return
	}

	for s.drainOneQuantum() {
	}

	if len(s.writeBuf) == 0 {
		return
	}
	if s.writesPaused {
		return
	}

	buf := s.writeBuf
	s.writeBuf = nil
	seg := &writeSegment{length: len(buf)}
	s.pending.push(seg)
	s.pendingWriteSz += len(buf)
	if err := s.transport.Write(buf, false, true); err != nil {
		s.WriteError(err)
		return
	}
	s.info.OnWrite(len(buf))

	if s.transport.PendingWriteBytes() > s.cfg.PendingWriteMax && !s.writesPaused {
		s.writesPaused = true
		for _, txn := range s.snapshotTransactions() {
			if txn.handler != nil {
				txn.handler.OnEgressPaused()
			}
		}
	}
}

// drainOneQuantum implements getNextToSend: it pops the highest-priority
// ready transaction and asks it to fill writeBuf_ with one bounded quantum,
// returning true if more work may remain this turn.
func (s *Session) drainOneQuantum() (more bool) {
	txn := s.pq.Pop()
	if txn == nil {
		return false
	}
	if len(txn.egressQueue) == 0 {
		return true
	}
	if txn.sendWindow <= 0 {
		return true
	}
	if s.flow != nil && s.flow.ConnectionSendWindow() <= 0 {
		s.pq.Push(txn)
		return false
	}
	chunk := txn.egressQueue[0]
	txn.egressQueue = txn.egressQueue[1:]

	quantum := chunk.data
	if int64(len(quantum)) > txn.sendWindow {
		// split: send what the window allows, requeue the remainder
		allowed := quantum[:txn.sendWindow]
		remainder := quantum[txn.sendWindow:]
		txn.egressQueue = append([]egressChunk{{data: remainder, eom: chunk.eom}}, txn.egressQueue...)
		chunk = egressChunk{data: allowed, eom: false}
	}

	before := len(s.writeBuf)
	s.writeBuf = s.codec.GenerateBody(s.writeBuf, txn.id, chunk.data, chunk.eom)
	n := len(s.writeBuf) - before
	s.bytesScheduled += int64(n)
	txn.sendWindow -= int64(len(chunk.data))
	if s.flow != nil {
		s.flow.ConsumeConnectionSendWindow(int64(len(chunk.data)))
	}
	if len(chunk.data) > 0 {
		s.byteEvents.addLastBodyByte(s.bytesScheduled, txn)
	}
	if chunk.eom {
		s.onEgressMessageFinished(txn, false)
	} else if len(txn.egressQueue) > 0 && txn.sendWindow > 0 {
		s.pq.Push(txn)
	}
	return true
}

// WriteSuccess is the transport's write-completion callback.
func (s *Session) WriteSuccess() {
	s.enterScope()
	defer s.exitScope()
	seg := s.pending.popFront()
	if seg == nil || seg.detached {
		return
	}
	s.bytesWritten += int64(seg.length)
	s.pendingWriteSz -= seg.length
	s.lastWriteAckAtNs = s.now()
	s.byteEvents.fire(s.bytesWritten, func(t *Transaction) {
		if h := t.lastByteSink(); h != nil {
			h.OnLastByteWritten()
		}
	}, func(pingID uint64) {
		s.info.OnPingReplyWritten(pingID)
	})

	if s.writesPaused && s.transport.PendingWriteBytes() <= s.cfg.PendingWriteMax {
		s.writesPaused = false
		for _, txn := range s.snapshotTransactions() {
			if txn.handler != nil {
				txn.handler.OnEgressResumed()
			}
			if len(txn.egressQueue) > 0 {
				s.pq.Push(txn)
			}
		}
		s.scheduleWrite()
		s.FlushEgress()
	}

	if s.writesDraining && s.pending.len() == 0 && s.pq.Len() == 0 && len(s.writeBuf) == 0 {
		s.shutdownTransport(false, true)
	}
}

// WriteError is the transport's write-failure callback.
func (s *Session) WriteError(err error) {
	s.enterScope()
	defer s.exitScope()
	s.byteEvents.dropAll()
	s.abortAllSnapshot(AbortCode(0), err)
	s.writesShutdown = true
	s.pending.detachAll()
}

// ---------------------------------------------------------------------
// Ingress pause/resume, body accounting
// ---------------------------------------------------------------------

func (s *Session) pauseIngress(txn *Transaction) {
	txn.ingressPaused = true
}

func (s *Session) resumeIngress(txn *Transaction) {
	txn.ingressPaused = false
	queued := txn.pendingIngress
	txn.pendingIngress = nil
	for _, fn := range queued {
		fn()
	}
}

func (s *Session) notifyIngressBodyProcessed(txn *Transaction, n int) {
	if int64(n) > txn.ingressBuffered {
		n = int(txn.ingressBuffered)
	}
	txn.ingressBuffered -= int64(n)
	s.pendingReadSize -= int64(n)
	if s.pendingReadSize < 0 {
		s.pendingReadSize = 0
	}
	if s.readsPaused && s.pendingReadSize <= int64(s.cfg.ReadBufLimit) {
		s.readsPaused = false
		s.transport.ResumeReads()
	}
}

func (s *Session) maybeRemoveTransaction(txn *Transaction) {
	if txn.ingress == halfClosed && txn.egress == halfClosed && txn.handler == nil {
		s.removeTransaction(txn)
	}
}

func (s *Session) detach(txn *Transaction) {
	if txn.handler != nil {
		txn.finalHandler = txn.handler
	}
	txn.handler = nil
	txn.detached = true
	if txn.ingress == halfClosed && txn.egress == halfClosed {
		s.removeTransaction(txn)
	}
}

func (s *Session) removeTransaction(txn *Transaction) {
	if _, ok := s.transactions[txn.id]; !ok {
		return
	}
	delete(s.transactions, txn.id)
	s.pq.Remove(txn)
	if txn.isPush || (s.locallyInitiated(txn)) {
		s.outgoingStreams--
	} else {
		s.incomingStreams--
	}
	s.info.OnTransactionDetached(txn.id)

	if len(s.transactions) == 0 && s.draining && s.direction == Upstream {
		s.shutdownTransport(true, true)
	}
	s.checkForShutdown()
}

// ---------------------------------------------------------------------
// Shutdown state machine
// ---------------------------------------------------------------------

// Drain implements drain(): refuse new transactions, send a graceful
// GOAWAY acknowledging the highest incoming stream id seen so far.
func (s *Session) Drain() {
	s.enterScope()
	defer s.exitScope()
	if s.draining {
		return
	}
	s.draining = true
	ack := s.gracefulGoAwayAck()
	s.writeBuf = s.codec.GenerateGoAway(s.writeBuf, ack, GoAwayCode(0), nil)
	s.scheduleWrite()
}

func (s *Session) gracefulGoAwayAck() StreamID {
	if s.highestIncomingStreamID == 0 {
		return ^StreamID(0)
	}
	return s.highestIncomingStreamID
}

// NotifyPendingShutdown sends a soft two-phase GOAWAY(MAX) if the codec
// supports it, ahead of the real Drain().
func (s *Session) NotifyPendingShutdown() {
	s.enterScope()
	defer s.exitScope()
	if s.codec.SupportsTwoPhaseGoAway() {
		s.writeBuf = s.codec.GenerateGoAway(s.writeBuf, ^StreamID(0), GoAwayCode(0), nil)
		s.scheduleWrite()
	}
}

// CloseWhenIdle sets writesDraining_; once the queue and transactions are
// empty, writes are shut down.
func (s *Session) CloseWhenIdle() {
	s.enterScope()
	defer s.exitScope()
	s.writesDraining = true
	if s.pq.Len() == 0 && len(s.transactions) == 0 && s.pending.len() == 0 && len(s.writeBuf) == 0 {
		s.shutdownTransport(false, true)
	}
}

// ShutdownTransport half-closes reads and/or writes, aborting affected
// transactions first.
func (s *Session) ShutdownTransport(shutReads, shutWrites bool) {
	s.enterScope()
	defer s.exitScope()
	s.shutdownTransport(shutReads, shutWrites)
}

func (s *Session) shutdownTransport(shutReads, shutWrites bool) {
	if shutReads && !s.readsShutdown {
		for _, txn := range s.snapshotTransactions() {
			if txn.ingress != halfClosed {
				s.abortTransaction(txn, AbortCode(0), false)
			}
		}
		s.readsShutdown = true
		s.transport.HalfCloseReads()
	}
	if shutWrites && !s.writesShutdown {
		for _, txn := range s.snapshotTransactions() {
			if txn.egress != halfClosed {
				s.abortTransaction(txn, AbortCode(0), false)
			}
		}
		s.writesShutdown = true
		s.transport.HalfCloseWrites()
	}
	s.checkForShutdown()
}

// ShutdownTransportWithReset immediately aborts all transactions with err
// and either resets now or after pending writes drain.
func (s *Session) ShutdownTransportWithReset(err error) {
	s.enterScope()
	defer s.exitScope()
	s.shutdownTransportWithReset(err)
}

func (s *Session) shutdownTransportWithReset(err error) {
	s.abortAllSnapshot(AbortCode(0), err)
	if s.pending.len() > 0 {
		s.resetAfterDrainingWrites = true
		return
	}
	s.readsShutdown = true
	s.writesShutdown = true
	_ = s.transport.Close()
	s.checkForShutdown()
}

// DropConnection is a reset-shutdown with a generic error.
func (s *Session) DropConnection() {
	s.enterScope()
	defer s.exitScope()
	s.dropConnection()
}

func (s *Session) dropConnection() {
	s.shutdownTransportWithReset(ErrSessionShutdown)
}

// ---------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------
//
// The engine has no timer or goroutine of its own; the transport binding
// drives CheckTimeouts once per tick of its own clock, from the same
// event-loop thread that delivers every other callback here.

// CheckTimeouts evaluates the idle-read, stalled-write, per-transaction and
// keep-alive-ping deadlines against nowNs (a reading of the transport's own
// monotonic clock) and fires whichever have elapsed.
func (s *Session) CheckTimeouts(nowNs int64) {
	s.enterScope()
	defer s.exitScope()
	if s.destroyed || (s.readsShutdown && s.writesShutdown) {
		return
	}
	if s.cfg.ReadTimeout > 0 && nowNs-s.lastReadAtNs > int64(s.cfg.ReadTimeout) {
		s.readTimeoutExpired()
		return
	}
	if s.cfg.WriteTimeout > 0 && s.pending.len() > 0 && nowNs-s.lastWriteAckAtNs > int64(s.cfg.WriteTimeout) {
		s.writeTimeoutExpired()
		return
	}
	if s.cfg.TransactionTimeout > 0 {
		for _, txn := range s.snapshotTransactions() {
			if txn.terminal() {
				continue
			}
			if nowNs-txn.createdAtNs > int64(s.cfg.TransactionTimeout) {
				s.transactionTimeout(txn)
			}
		}
	}
	if s.cfg.PingInterval > 0 && s.codec.IsStreamMultiplexing() && nowNs-s.lastPingSentAtNs > int64(s.cfg.PingInterval) {
		if _, err := s.SendPing(); err == nil {
			s.lastPingSentAtNs = nowNs
		}
	}
}

// readTimeoutExpired tears the connection down the same way a transport
// read error would: nothing has arrived for ReadTimeout, so every live
// transaction is aborted and the connection is reset.
func (s *Session) readTimeoutExpired() {
	s.info.OnIngressError(ErrReadTimeout, ErrKindTimeout)
	s.abortAllSnapshot(AbortCode(0), ErrReadTimeout)
	s.shutdownTransportWithReset(ErrReadTimeout)
}

// writeTimeoutExpired treats a stalled write queue exactly like a write
// failure: WriteError already aborts every transaction and detaches the
// pending-write queue.
func (s *Session) writeTimeoutExpired() {
	s.WriteError(ErrWriteTimeout)
}

// transactionTimeout implements getTransactionTimeoutHandler:
// if no application handler has attached yet, a direct-response timeout
// handler stands in for one and emits the minimal 408 response; if a
// handler is already attached, it is notified of the timeout like any
// other ingress error. Either way the transaction is then aborted.
func (s *Session) transactionTimeout(txn *Transaction) {
	s.info.OnIngressError(ErrTransactionTimeout, ErrKindTimeout)
	h, installed := s.getTransactionTimeoutHandler(txn)
	if installed {
		h.OnHeadersComplete(nil)
	} else {
		h.OnError(ErrTransactionTimeout)
	}
	s.abortTransaction(txn, AbortCode(0), false)
}

// getTransactionTimeoutHandler returns txn's handler, installing the
// controller's direct-response handler first if none is attached yet.
// installed reports whether it just did so.
func (s *Session) getTransactionTimeoutHandler(txn *Transaction) (h Handler, installed bool) {
	if txn.handler != nil {
		return txn.handler, false
	}
	h = s.controller.DirectResponseHandler(txn, ErrKindTimeout, ErrTransactionTimeout)
	txn.handler = h
	return h, true
}

// checkForShutdown is the destruction gate.
func (s *Session) checkForShutdown() {
	if s.destroyed {
		return
	}
	if s.scopeDepth > 0 {
		return
	}
	if s.readsShutdown && s.writesShutdown && len(s.transactions) == 0 && s.pending.len() == 0 {
		s.pending.detachAll()
		s.byteEvents.dropAll()
		s.destroyed = true
		s.info.OnDestroy()
	}
}
