// Package h1 adapts the donor HTTP/1.1 zero-copy parser and response writer
// into an engine.Codec: a single-transaction-at-a-time wire format with no
// native stream multiplexing and no native per-stream reset (an abort closes
// the connection).
package h1

import (
	"fmt"
	"strconv"

	"github.com/flowbound/hxc/internal/date"
	"github.com/flowbound/hxc/internal/engine"
	"github.com/flowbound/hxc/internal/h1"
)

type parseState int

const (
	stateAwaitingRequest parseState = iota
	stateReadingBody
	stateReadingChunk
)

// Codec implements engine.Codec for HTTP/1.1. Exactly one transaction is
// live at a time; each request on the connection takes the next stream id
// (1, 2, 3, ...), and a new one is only admitted after the previous has
// fully completed, mirroring keep-alive semantics.
type Codec struct {
	d      engine.Dispatcher
	parser *h1.Parser
	req    h1.Request

	state         parseState
	bodyRemaining int64
	streamID      engine.StreamID
	txnOpen       bool
	keepAlive     bool
}

// NewCodec constructs an HTTP/1.1 codec bound to one connection.
func NewCodec() *Codec {
	return &Codec{parser: h1.NewParser(), keepAlive: true}
}

func (c *Codec) SetDispatcher(d engine.Dispatcher) { c.d = d }

func (c *Codec) NewStreamID() engine.StreamID {
	c.streamID++
	return c.streamID
}

func (c *Codec) SupportsStreamReset() bool   { return false }
func (c *Codec) SupportsTwoPhaseGoAway() bool { return false }
func (c *Codec) IsStreamMultiplexing() bool  { return false }
func (c *Codec) IsReusable() bool            { return c.keepAlive && !c.txnOpen }

// Parse consumes as much of data as forms complete frames. It never
// returns a session-scoped error for an ordinary malformed request; those
// are reported per-stream through Dispatcher.OnError with newTxn=true, so
// a single bad request does not take down a keep-alive connection that the
// caller might otherwise reuse.
func (c *Codec) Parse(data []byte) (int, error) {
	switch c.state {
	case stateAwaitingRequest:
		return c.parseRequest(data)
	case stateReadingBody:
		return c.parseBody(data)
	case stateReadingChunk:
		return c.parseChunk(data)
	}
	return 0, nil
}

func (c *Codec) parseRequest(data []byte) (int, error) {
	c.parser.Reset(data)
	c.req.Reset()
	n, err := c.parser.ParseRequest(&c.req)
	if err != nil {
		id := c.NewStreamID()
		c.d.OnError(id, fmt.Errorf("h1: malformed request: %w", err), true)
		c.keepAlive = false
		return len(data), nil
	}
	if n == 0 {
		return 0, nil // need more data
	}

	id := c.NewStreamID()
	c.streamID = id
	c.txnOpen = true
	c.keepAlive = c.req.KeepAlive

	msg := &engine.Message{
		Method:    c.req.Method,
		Path:      c.req.Path,
		Scheme:    "http",
		Authority: c.req.Host,
		Headers:   c.req.Headers,
	}

	c.d.OnMessageBegin(id, msg)
	c.d.OnHeadersComplete(id, msg)

	switch {
	case c.req.ChunkedEncoding:
		c.state = stateReadingChunk
	case c.req.ContentLength > 0:
		c.state = stateReadingBody
		c.bodyRemaining = c.req.ContentLength
	default:
		c.state = stateAwaitingRequest
		c.txnOpen = false
		c.d.OnMessageComplete(id, false)
	}
	return n, nil
}

func (c *Codec) parseBody(data []byte) (int, error) {
	n := int64(len(data))
	if n > c.bodyRemaining {
		n = c.bodyRemaining
	}
	if n > 0 {
		c.d.OnBody(c.streamID, data[:n])
		c.bodyRemaining -= n
	}
	if c.bodyRemaining == 0 {
		c.state = stateAwaitingRequest
		c.txnOpen = false
		c.d.OnMessageComplete(c.streamID, false)
	}
	return int(n), nil
}

func (c *Codec) parseChunk(data []byte) (int, error) {
	c.parser.Reset(data)
	chunk, consumed, err := c.parser.ParseChunkedBody()
	if err != nil {
		c.d.OnError(c.streamID, fmt.Errorf("h1: chunk decode: %w", err), false)
		c.keepAlive = false
		c.state = stateAwaitingRequest
		c.txnOpen = false
		return len(data), nil
	}
	if consumed == 0 {
		return 0, nil // need more data
	}
	if len(chunk) == 0 {
		// terminal 0-length chunk
		c.state = stateAwaitingRequest
		c.txnOpen = false
		c.d.OnMessageComplete(c.streamID, false)
		return consumed, nil
	}
	c.d.OnBody(c.streamID, chunk)
	return consumed, nil
}

// --- outbound serialization (grounded on internal/h1/response_writer.go) ---

var (
	crlf      = []byte("\r\n")
	headerSep = []byte(": ")
)

func (c *Codec) GenerateHeader(dst []byte, id engine.StreamID, msg *engine.Message, eom bool) []byte {
	status := msg.Status
	if status == 0 {
		status = 200
	}
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, statusText(status)...)
	dst = append(dst, crlf...)
	hasDate := false
	for _, h := range msg.Headers {
		dst = append(dst, h[0]...)
		dst = append(dst, headerSep...)
		dst = append(dst, h[1]...)
		dst = append(dst, crlf...)
		if h[0] == "date" {
			hasDate = true
		}
	}
	if !hasDate {
		dst = append(dst, "date: "...)
		dst = append(dst, date.Current()...)
		dst = append(dst, crlf...)
	}
	dst = append(dst, "connection: "...)
	if c.keepAlive {
		dst = append(dst, "keep-alive\r\n"...)
	} else {
		dst = append(dst, "close\r\n"...)
	}
	dst = append(dst, crlf...)
	if eom {
		c.afterEgressComplete()
	}
	return dst
}

func (c *Codec) GenerateBody(dst []byte, id engine.StreamID, data []byte, eom bool) []byte {
	dst = append(dst, data...)
	if eom {
		c.afterEgressComplete()
	}
	return dst
}

func (c *Codec) GenerateChunkHeader(dst []byte, id engine.StreamID, length uint64) []byte {
	dst = strconv.AppendUint(dst, length, 16)
	return append(dst, crlf...)
}

func (c *Codec) GenerateChunkTerminator(dst []byte, id engine.StreamID) []byte {
	return append(dst, "0\r\n\r\n"...)
}

func (c *Codec) GenerateTrailers(dst []byte, id engine.StreamID, trailers []engine.Header) []byte {
	for _, h := range trailers {
		dst = append(dst, h[0]...)
		dst = append(dst, headerSep...)
		dst = append(dst, h[1]...)
		dst = append(dst, crlf...)
	}
	return append(dst, crlf...)
}

func (c *Codec) GenerateEOM(dst []byte, id engine.StreamID) []byte {
	c.afterEgressComplete()
	return dst
}

// GenerateAbort for HTTP/1.1 carries no reset frame; an abort just forces
// the connection closed once the current write drains (no keep-alive).
func (c *Codec) GenerateAbort(dst []byte, id engine.StreamID, code engine.AbortCode) []byte {
	c.keepAlive = false
	return dst
}

func (c *Codec) GenerateGoAway(dst []byte, lastGoodStreamID engine.StreamID, code engine.GoAwayCode, debug []byte) []byte {
	c.keepAlive = false
	return dst
}

func (c *Codec) GeneratePingRequest(dst []byte, id uint64) []byte { return dst }
func (c *Codec) GeneratePingReply(dst []byte, id uint64) []byte   { return dst }
func (c *Codec) GenerateWindowUpdate(dst []byte, id engine.StreamID, delta uint32) []byte {
	return dst
}
func (c *Codec) GenerateSettings(dst []byte, settings []engine.Setting) []byte { return dst }

func (c *Codec) afterEgressComplete() {
	// nothing additional to track on the write path today; reserved for
	// connection-reuse bookkeeping once a pool of Codec instances exists.
}

// statusText mirrors internal/h1/response_writer.go's table; kept local
// since the donor's copy is unexported.
func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
