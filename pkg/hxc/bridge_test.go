package hxc

import (
	"errors"
	"strings"
	"testing"

	"github.com/flowbound/hxc/internal/engine"
)

var errMalformedRequestLine = errors.New("h1: malformed request line")

type fakeTransport struct {
	writes   [][]byte
	closed   bool
	writeErr error
}

func (f *fakeTransport) Write(buf []byte, cork, eor bool) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return nil
}
func (f *fakeTransport) PauseReads()            {}
func (f *fakeTransport) ResumeReads()           {}
func (f *fakeTransport) HalfCloseReads()        {}
func (f *fakeTransport) HalfCloseWrites()       {}
func (f *fakeTransport) Close() error           { f.closed = true; return nil }
func (f *fakeTransport) PendingWriteBytes() int { return 0 }
func (f *fakeTransport) LocalAddr() string      { return "local" }
func (f *fakeTransport) PeerAddr() string       { return "peer" }

// fakeCodec records generated frames as tagged strings rather than a real
// wire format; enough for the bridge to drive a full request/response cycle
// without involving the HTTP/1 or HTTP/2 codecs.
type fakeCodec struct {
	d        engine.Dispatcher
	nextID   engine.StreamID
	sentMsgs []*engine.Message
}

func (c *fakeCodec) SetDispatcher(d engine.Dispatcher)         { c.d = d }
func (c *fakeCodec) Parse(data []byte) (int, error)            { return len(data), nil }
func (c *fakeCodec) GenerateHeader(dst []byte, id engine.StreamID, msg *engine.Message, eom bool) []byte {
	c.sentMsgs = append(c.sentMsgs, msg)
	return append(dst, 'H')
}
func (c *fakeCodec) GenerateBody(dst []byte, id engine.StreamID, data []byte, eom bool) []byte {
	return append(dst, data...)
}
func (c *fakeCodec) GenerateChunkHeader(dst []byte, id engine.StreamID, length uint64) []byte {
	return append(dst, 'C')
}
func (c *fakeCodec) GenerateChunkTerminator(dst []byte, id engine.StreamID) []byte { return append(dst, 'T') }
func (c *fakeCodec) GenerateTrailers(dst []byte, id engine.StreamID, trailers []engine.Header) []byte {
	return append(dst, 'L')
}
func (c *fakeCodec) GenerateEOM(dst []byte, id engine.StreamID) []byte { return dst }
func (c *fakeCodec) GenerateAbort(dst []byte, id engine.StreamID, code engine.AbortCode) []byte {
	return append(dst, 'A')
}
func (c *fakeCodec) GenerateGoAway(dst []byte, lastGoodStreamID engine.StreamID, code engine.GoAwayCode, debug []byte) []byte {
	return append(dst, 'G')
}
func (c *fakeCodec) GeneratePingRequest(dst []byte, id uint64) []byte { return append(dst, 'P') }
func (c *fakeCodec) GeneratePingReply(dst []byte, id uint64) []byte   { return append(dst, 'p') }
func (c *fakeCodec) GenerateWindowUpdate(dst []byte, id engine.StreamID, delta uint32) []byte {
	return append(dst, 'W')
}
func (c *fakeCodec) GenerateSettings(dst []byte, settings []engine.Setting) []byte { return append(dst, 'S') }
func (c *fakeCodec) NewStreamID() engine.StreamID {
	c.nextID += 2
	return c.nextID
}
func (c *fakeCodec) SupportsStreamReset() bool   { return true }
func (c *fakeCodec) SupportsTwoPhaseGoAway() bool { return true }
func (c *fakeCodec) IsStreamMultiplexing() bool   { return true }
func (c *fakeCodec) IsReusable() bool             { return true }

func newTestSession(router *Router) (*engine.Session, *fakeTransport, *fakeCodec) {
	tr := &fakeTransport{}
	cd := &fakeCodec{}
	ctrl := NewController(router)
	s := engine.NewSession(engine.Downstream, engine.DefaultConfig(), tr, cd, ctrl, nil, nil)
	return s, tr, cd
}

func TestBridgeServesRouteOnMessageComplete(t *testing.T) {
	router := NewRouter()
	router.GET("/hello/:name", func(ctx *Context) error {
		return ctx.JSON(200, map[string]string{"greeting": "hi " + ctx.Param("name")})
	})

	s, tr, cd := newTestSession(router)

	s.OnMessageBegin(1, &engine.Message{Method: "GET", Path: "/hello/ada"})
	s.OnHeadersComplete(1, &engine.Message{Method: "GET", Path: "/hello/ada"})
	s.OnMessageComplete(1, false)
	s.FlushEgress()

	if len(cd.sentMsgs) != 1 {
		t.Fatalf("expected one generated header frame, got %d", len(cd.sentMsgs))
	}
	if cd.sentMsgs[0].Status != 200 {
		t.Fatalf("expected status 200, got %d", cd.sentMsgs[0].Status)
	}
	if len(tr.writes) == 0 {
		t.Fatalf("expected bytes to be written to the transport")
	}
}

func TestBridgeBuffersBodyUntilComplete(t *testing.T) {
	router := NewRouter()
	var gotBody string
	router.POST("/echo", func(ctx *Context) error {
		gotBody = string(ctx.Body())
		return ctx.String(200, "ok")
	})

	s, _, _ := newTestSession(router)

	s.OnMessageBegin(1, &engine.Message{Method: "POST", Path: "/echo"})
	s.OnHeadersComplete(1, &engine.Message{Method: "POST", Path: "/echo"})
	s.OnBody(1, []byte("hello "))
	s.OnBody(1, []byte("world"))
	s.OnMessageComplete(1, false)

	if gotBody != "hello world" {
		t.Fatalf("expected buffered body %q, got %q", "hello world", gotBody)
	}
}

func TestBridgeNotFoundFlowsThroughErrorHandler(t *testing.T) {
	router := NewRouter()
	s, _, cd := newTestSession(router)

	s.OnMessageBegin(1, &engine.Message{Method: "GET", Path: "/missing"})
	s.OnHeadersComplete(1, &engine.Message{Method: "GET", Path: "/missing"})
	s.OnMessageComplete(1, false)

	if len(cd.sentMsgs) != 1 || cd.sentMsgs[0].Status != 404 {
		t.Fatalf("expected a 404 response, got %+v", cd.sentMsgs)
	}
}

func TestDirectResponseHandlerUsesErrorKindStatus(t *testing.T) {
	router := NewRouter()
	ctrl := NewController(router)
	h := ctrl.DirectResponseHandler(nil, engine.ErrKindParse, nil)
	if h == nil {
		t.Fatalf("expected a non-nil direct-response handler")
	}
}

func TestSessionOnErrorNewTxnSendsBadRequestThroughRealController(t *testing.T) {
	router := NewRouter()
	s, tr, cd := newTestSession(router)

	s.OnError(1, errMalformedRequestLine, true)
	s.FlushEgress()

	if len(cd.sentMsgs) != 1 {
		t.Fatalf("expected one generated header frame, got %d", len(cd.sentMsgs))
	}
	if cd.sentMsgs[0].Status != 400 {
		t.Fatalf("expected status 400, got %d", cd.sentMsgs[0].Status)
	}
	if len(tr.writes) == 0 {
		t.Fatalf("expected bytes to be written to the transport")
	}
	var body []byte
	for _, w := range tr.writes {
		body = append(body, w...)
	}
	if !strings.Contains(string(body), "Bad Request") {
		t.Fatalf("expected the written bytes to carry the Bad Request body, got %q", body)
	}
}

func TestHTTPStatusText(t *testing.T) {
	if !strings.Contains(httpStatusText(503), "Unavailable") {
		t.Fatalf("expected 503 status text to mention Unavailable")
	}
}
