package engine

// byteEventKind enumerates the kinds of timing events the tracker fires.
type byteEventKind int

const (
	byteEventLastBodyByte byteEventKind = iota
	byteEventPingReplyAck
)

// byteEvent is a tuple of (byte-offset-within-session, kind, transaction-ref?).
type byteEvent struct {
	offset int64
	kind   byteEventKind
	txn    *Transaction
	pingID uint64
}

// byteEventTracker is a time-ordered queue of pending byte-offset events,
// matched against write-completion progress. Events are always appended in
// non-decreasing offset order because callers register them at the moment
// bytesScheduled reaches the relevant value, so a simple FIFO slice
// suffices; no heap is needed.
type byteEventTracker struct {
	events []byteEvent
}

func (t *byteEventTracker) addLastBodyByte(offset int64, txn *Transaction) {
	t.events = append(t.events, byteEvent{offset: offset, kind: byteEventLastBodyByte, txn: txn})
}

func (t *byteEventTracker) addPingReplyAck(offset int64, pingID uint64) {
	t.events = append(t.events, byteEvent{offset: offset, kind: byteEventPingReplyAck, pingID: pingID})
}

// fire delivers (and removes) all events whose offset is now reached given
// the session's updated bytesWritten_, invoking the session's routing
// hooks. fire assumes events are stored in non-decreasing offset order.
func (t *byteEventTracker) fire(bytesWritten int64, onLastBodyByte func(*Transaction), onPingReplyAck func(uint64)) {
	i := 0
	for ; i < len(t.events); i++ {
		ev := t.events[i]
		if ev.offset > bytesWritten {
			break
		}
		switch ev.kind {
		case byteEventLastBodyByte:
			if onLastBodyByte != nil {
				onLastBodyByte(ev.txn)
			}
		case byteEventPingReplyAck:
			if onPingReplyAck != nil {
				onPingReplyAck(ev.pingID)
			}
		}
	}
	t.events = t.events[i:]
}

// dropAll discards all pending events without firing them, on session
// destruction or write-error.
func (t *byteEventTracker) dropAll() {
	t.events = nil
}
