// Package h2 adapts the donor's HTTP/2-like frame layer
// (internal/h2/frame, golang.org/x/net/http2, golang.org/x/net/http2/hpack)
// into an engine.Codec: a stream-multiplexing wire format with native
// per-stream reset and two-phase GOAWAY.
package h2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/flowbound/hxc/internal/date"
	"github.com/flowbound/hxc/internal/engine"
)

const frameHeaderLen = 9

const (
	flagEndStream  = 0x1
	flagEndHeaders = 0x4
	flagPadded     = 0x8
	flagPriority   = 0x20
	flagAck        = 0x1
)

// headerAssembly accumulates HEADERS+CONTINUATION fragments for one stream
// until END_HEADERS is observed (RFC 7540 §6.2).
type headerAssembly struct {
	streamID  uint32
	fragments []byte
	endStream bool
	isPush    bool
	assocID   uint32
}

// Codec implements engine.Codec for the HTTP/2 wire format.
type Codec struct {
	d engine.Dispatcher

	enc *hpack.Encoder
	encBuf *bytes.Buffer
	dec *hpack.Decoder

	pending *headerAssembly

	localNextStreamID uint32 // even for server-initiated (including push), odd for client
	direction         engine.Direction
	maxFrameSize      uint32
	sawPreface        bool

	// connSendWindow is the only flow-control state this codec owns: the
	// peer-advertised connection-level send budget, read and drained
	// through the engine.FlowControlFilter methods below. Per-stream
	// windows are engine.Transaction.sendWindow/recvWindow's job; this
	// codec has no window of its own to shadow them with.
	connSendWindow int64
}

// NewServerCodec constructs a codec for a downstream (server) session:
// locally-initiated (push) stream ids are even.
func NewServerCodec() *Codec {
	return newCodec(engine.Downstream)
}

// NewClientCodec constructs a codec for an upstream (client) session:
// locally-initiated stream ids are odd.
func NewClientCodec() *Codec {
	return newCodec(engine.Upstream)
}

func newCodec(dir engine.Direction) *Codec {
	buf := new(bytes.Buffer)
	c := &Codec{
		encBuf:         buf,
		enc:            hpack.NewEncoder(buf),
		dec:            hpack.NewDecoder(4096, nil),
		direction:      dir,
		maxFrameSize:   16384,
		connSendWindow: 65535,
	}
	if dir == engine.Downstream {
		c.localNextStreamID = 2
	} else {
		c.localNextStreamID = 1
	}
	return c
}

func (c *Codec) SetDispatcher(d engine.Dispatcher) { c.d = d }

func (c *Codec) NewStreamID() engine.StreamID {
	id := c.localNextStreamID
	c.localNextStreamID += 2
	return engine.StreamID(id)
}

func (c *Codec) SupportsStreamReset() bool    { return true }
func (c *Codec) SupportsTwoPhaseGoAway() bool { return true }
func (c *Codec) IsStreamMultiplexing() bool   { return true }
func (c *Codec) IsReusable() bool             { return true }

// ConnectionSendWindow / OnConnectionWindowUpdate / ConsumeConnectionSendWindow
// implement engine.FlowControlFilter.
func (c *Codec) ConnectionSendWindow() int64 { return c.connSendWindow }

func (c *Codec) OnConnectionWindowUpdate(delta int64) bool {
	wasNonPositive := c.connSendWindow <= 0
	c.connSendWindow += delta
	return wasNonPositive && c.connSendWindow > 0
}

func (c *Codec) ConsumeConnectionSendWindow(n int64) { c.connSendWindow -= n }

var clientPreface = []byte(http2.ClientPreface)

// Parse consumes complete HTTP/2 frames from data, dispatching callbacks in
// emission order, and returns the number of bytes consumed. Partial frames
// are left unconsumed (return 0) so the caller re-presents them, with new
// bytes appended, on the next read.
func (c *Codec) Parse(data []byte) (int, error) {
	total := 0
	if c.direction == engine.Downstream && !c.sawPreface {
		if len(data) < len(clientPreface) {
			return 0, nil
		}
		if !bytes.Equal(data[:len(clientPreface)], clientPreface) {
			return 0, fmt.Errorf("h2: missing client preface")
		}
		c.sawPreface = true
		data = data[len(clientPreface):]
		total += len(clientPreface)
	}

	for {
		n, err := c.parseOneFrame(data)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		data = data[n:]
	}
}

func (c *Codec) parseOneFrame(data []byte) (int, error) {
	if len(data) < frameHeaderLen {
		return 0, nil
	}
	length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	frameType := data[3]
	flags := data[4]
	streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff
	total := frameHeaderLen + length
	if len(data) < total {
		return 0, nil
	}
	payload := data[frameHeaderLen:total]

	switch frameType {
	case 0x0: // DATA
		c.onData(streamID, flags, payload)
	case 0x1: // HEADERS
		c.onHeaders(streamID, flags, payload)
	case 0x2: // PRIORITY
		// dependency/weight scheduling is out of this core's scope; ignored.
	case 0x3: // RST_STREAM
		if len(payload) >= 4 {
			code := binary.BigEndian.Uint32(payload)
			c.d.OnAbort(engine.StreamID(streamID), engine.AbortCode(code))
		}
	case 0x4: // SETTINGS
		c.onSettings(flags, payload)
	case 0x5: // PUSH_PROMISE
		c.onPushPromise(streamID, flags, payload)
	case 0x6: // PING
		c.onPing(flags, payload)
	case 0x7: // GOAWAY
		c.onGoAway(payload)
	case 0x8: // WINDOW_UPDATE
		if len(payload) >= 4 {
			delta := int64(binary.BigEndian.Uint32(payload) & 0x7fffffff)
			c.d.OnWindowUpdate(engine.StreamID(streamID), delta)
		}
	case 0x9: // CONTINUATION
		c.onContinuation(streamID, flags, payload)
	}
	return total, nil
}

func stripPadding(flags byte, payload []byte) []byte {
	if flags&flagPadded == 0 {
		return payload
	}
	if len(payload) == 0 {
		return payload
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil
	}
	return payload[:len(payload)-padLen]
}

func (c *Codec) onData(streamID uint32, flags byte, payload []byte) {
	body := stripPadding(flags, payload)
	if len(body) > 0 {
		c.d.OnBody(engine.StreamID(streamID), body)
	}
	if flags&flagEndStream != 0 {
		c.d.OnMessageComplete(engine.StreamID(streamID), false)
	}
}

func (c *Codec) onHeaders(streamID uint32, flags byte, payload []byte) {
	body := stripPadding(flags, payload)
	if flags&flagPriority != 0 && len(body) >= 5 {
		body = body[5:]
	}
	c.pending = &headerAssembly{streamID: streamID, endStream: flags&flagEndStream != 0}
	c.pending.fragments = append(c.pending.fragments, body...)
	if flags&flagEndHeaders != 0 {
		c.finishHeaders()
	}
}

func (c *Codec) onPushPromise(streamID uint32, flags byte, payload []byte) {
	body := stripPadding(flags, payload)
	if len(body) < 4 {
		return
	}
	promisedID := binary.BigEndian.Uint32(body) & 0x7fffffff
	c.pending = &headerAssembly{streamID: promisedID, isPush: true, assocID: streamID}
	c.pending.fragments = append(c.pending.fragments, body[4:]...)
	if flags&flagEndHeaders != 0 {
		c.finishHeaders()
	}
}

func (c *Codec) onContinuation(streamID uint32, flags byte, payload []byte) {
	if c.pending == nil || c.pending.streamID != streamID {
		return
	}
	c.pending.fragments = append(c.pending.fragments, payload...)
	if flags&flagEndHeaders != 0 {
		c.finishHeaders()
	}
}

func (c *Codec) finishHeaders() {
	p := c.pending
	c.pending = nil
	if p == nil {
		return
	}
	var headers []engine.Header
	var method, path, scheme, authority string
	var status int
	c.dec.SetEmitFunc(func(hf hpack.HeaderField) {
		switch hf.Name {
		case ":method":
			method = hf.Value
		case ":path":
			path = hf.Value
		case ":scheme":
			scheme = hf.Value
		case ":authority":
			authority = hf.Value
		case ":status":
			fmt.Sscanf(hf.Value, "%d", &status)
		default:
			headers = append(headers, engine.Header{hf.Name, hf.Value})
		}
	})
	if _, err := c.dec.Write(p.fragments); err != nil {
		c.d.OnError(engine.StreamID(p.streamID), fmt.Errorf("h2: hpack decode: %w", err), !p.isPush)
		return
	}
	msg := &engine.Message{Headers: headers, Method: method, Path: path, Scheme: scheme, Authority: authority, Status: status}

	if p.isPush {
		c.d.OnPushMessageBegin(engine.StreamID(p.streamID), engine.StreamID(p.assocID), msg)
	} else {
		c.d.OnMessageBegin(engine.StreamID(p.streamID), msg)
	}
	c.d.OnHeadersComplete(engine.StreamID(p.streamID), msg)
	if p.endStream {
		c.d.OnMessageComplete(engine.StreamID(p.streamID), false)
	}
}

func (c *Codec) onSettings(flags byte, payload []byte) {
	if flags&flagAck != 0 {
		return
	}
	var settings []engine.Setting
	for i := 0; i+6 <= len(payload); i += 6 {
		id := binary.BigEndian.Uint16(payload[i:])
		val := binary.BigEndian.Uint32(payload[i+2:])
		settings = append(settings, engine.Setting{ID: id, Value: val})
		if id == uint16(http2.SettingMaxFrameSize) {
			c.maxFrameSize = val
		}
	}
	c.d.OnSettings(settings)
}

func (c *Codec) onPing(flags byte, payload []byte) {
	if len(payload) < 8 {
		return
	}
	id := binary.BigEndian.Uint64(payload)
	if flags&flagAck != 0 {
		c.d.OnPingReply(id)
	} else {
		c.d.OnPingRequest(id)
	}
}

func (c *Codec) onGoAway(payload []byte) {
	if len(payload) < 8 {
		return
	}
	lastStreamID := binary.BigEndian.Uint32(payload) & 0x7fffffff
	code := binary.BigEndian.Uint32(payload[4:])
	var debug []byte
	if len(payload) > 8 {
		debug = payload[8:]
	}
	c.d.OnGoAway(engine.StreamID(lastStreamID), engine.GoAwayCode(code), debug)
}

// ---------------------------------------------------------------------
// Outbound serialization
// ---------------------------------------------------------------------

func writeFrameHeader(dst []byte, length int, frameType, flags byte, streamID uint32) []byte {
	dst = append(dst, byte(length>>16), byte(length>>8), byte(length))
	dst = append(dst, frameType, flags)
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], streamID)
	return append(dst, sid[:]...)
}

func (c *Codec) encodeHeaders(msg *engine.Message) []byte {
	c.encBuf.Reset()
	if msg.Status != 0 {
		c.enc.WriteField(hpack.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", msg.Status)})
	} else {
		if msg.Method != "" {
			c.enc.WriteField(hpack.HeaderField{Name: ":method", Value: msg.Method})
		}
		if msg.Path != "" {
			c.enc.WriteField(hpack.HeaderField{Name: ":path", Value: msg.Path})
		}
		if msg.Scheme != "" {
			c.enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: msg.Scheme})
		}
		if msg.Authority != "" {
			c.enc.WriteField(hpack.HeaderField{Name: ":authority", Value: msg.Authority})
		}
	}
	hasDate := false
	for _, h := range msg.Headers {
		c.enc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]})
		if h[0] == "date" {
			hasDate = true
		}
	}
	if msg.Status != 0 && !hasDate {
		c.enc.WriteField(hpack.HeaderField{Name: "date", Value: string(date.Current())})
	}
	out := make([]byte, c.encBuf.Len())
	copy(out, c.encBuf.Bytes())
	return out
}

func (c *Codec) GenerateHeader(dst []byte, id engine.StreamID, msg *engine.Message, eom bool) []byte {
	block := c.encodeHeaders(msg)
	return c.writeHeaderFrames(dst, uint32(id), block, eom)
}

func (c *Codec) writeHeaderFrames(dst []byte, streamID uint32, block []byte, eom bool) []byte {
	max := int(c.maxFrameSize)
	if max == 0 {
		max = 16384
	}
	remaining := block
	first := true
	for {
		chunkLen := len(remaining)
		if chunkLen > max {
			chunkLen = max
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		var flags byte
		frameType := byte(0x9) // CONTINUATION
		if first {
			frameType = 0x1 // HEADERS
			if eom {
				flags |= flagEndStream
			}
		}
		if len(remaining) == 0 {
			flags |= flagEndHeaders
		}
		dst = writeFrameHeader(dst, len(frag), frameType, flags, streamID)
		dst = append(dst, frag...)
		first = false
		if len(remaining) == 0 {
			break
		}
	}
	return dst
}

func (c *Codec) GenerateBody(dst []byte, id engine.StreamID, data []byte, eom bool) []byte {
	var flags byte
	if eom {
		flags |= flagEndStream
	}
	dst = writeFrameHeader(dst, len(data), 0x0, flags, uint32(id))
	return append(dst, data...)
}

// GenerateChunkHeader/GenerateChunkTerminator have no HTTP/2 wire
// representation: DATA frames carry length implicitly in the frame header,
// so these are no-ops for this codec.
func (c *Codec) GenerateChunkHeader(dst []byte, id engine.StreamID, length uint64) []byte { return dst }
func (c *Codec) GenerateChunkTerminator(dst []byte, id engine.StreamID) []byte            { return dst }

func (c *Codec) GenerateTrailers(dst []byte, id engine.StreamID, trailers []engine.Header) []byte {
	block := c.encodeHeaders(&engine.Message{Headers: trailers})
	return c.writeHeaderFrames(dst, uint32(id), block, true)
}

func (c *Codec) GenerateEOM(dst []byte, id engine.StreamID) []byte {
	return writeFrameHeader(dst, 0, 0x0, flagEndStream, uint32(id))
}

func (c *Codec) GenerateAbort(dst []byte, id engine.StreamID, code engine.AbortCode) []byte {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	dst = writeFrameHeader(dst, 4, 0x3, 0, uint32(id))
	return append(dst, payload[:]...)
}

func (c *Codec) GenerateGoAway(dst []byte, lastGoodStreamID engine.StreamID, code engine.GoAwayCode, debug []byte) []byte {
	payload := make([]byte, 8+len(debug))
	binary.BigEndian.PutUint32(payload, uint32(lastGoodStreamID)&0x7fffffff)
	binary.BigEndian.PutUint32(payload[4:], uint32(code))
	copy(payload[8:], debug)
	dst = writeFrameHeader(dst, len(payload), 0x7, 0, 0)
	return append(dst, payload...)
}

func (c *Codec) GeneratePingRequest(dst []byte, id uint64) []byte {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], id)
	dst = writeFrameHeader(dst, 8, 0x6, 0, 0)
	return append(dst, payload[:]...)
}

func (c *Codec) GeneratePingReply(dst []byte, id uint64) []byte {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], id)
	dst = writeFrameHeader(dst, 8, 0x6, flagAck, 0)
	return append(dst, payload[:]...)
}

func (c *Codec) GenerateWindowUpdate(dst []byte, id engine.StreamID, delta uint32) []byte {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], delta&0x7fffffff)
	dst = writeFrameHeader(dst, 4, 0x8, 0, uint32(id))
	return append(dst, payload[:]...)
}

func (c *Codec) GenerateSettings(dst []byte, settings []engine.Setting) []byte {
	payload := make([]byte, 0, 6*len(settings))
	for _, st := range settings {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[:2], st.ID)
		binary.BigEndian.PutUint32(entry[2:], st.Value)
		payload = append(payload, entry[:]...)
	}
	dst = writeFrameHeader(dst, len(payload), 0x4, 0, 0)
	return append(dst, payload...)
}
