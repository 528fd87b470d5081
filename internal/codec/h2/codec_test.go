package h2

import (
	"testing"

	"github.com/flowbound/hxc/internal/engine"
)

type recordingDispatcher struct {
	begun     []engine.StreamID
	pushed    []engine.StreamID
	headers   []*engine.Message
	body      [][]byte
	completed []engine.StreamID
	errs      []error
	aborts    []engine.AbortCode
	settings  [][]engine.Setting
	pingReqs  []uint64
	pingReps  []uint64
	goaways   []engine.GoAwayCode
	winUpdate []int64
}

func (r *recordingDispatcher) OnMessageBegin(id engine.StreamID, msg *engine.Message) {
	r.begun = append(r.begun, id)
}
func (r *recordingDispatcher) OnPushMessageBegin(id, assoc engine.StreamID, msg *engine.Message) {
	r.pushed = append(r.pushed, id)
}
func (r *recordingDispatcher) OnHeadersComplete(id engine.StreamID, msg *engine.Message) {
	r.headers = append(r.headers, msg)
}
func (r *recordingDispatcher) OnBody(id engine.StreamID, chunk []byte) {
	r.body = append(r.body, append([]byte(nil), chunk...))
}
func (r *recordingDispatcher) OnChunkHeader(id engine.StreamID, length uint64) {}
func (r *recordingDispatcher) OnChunkComplete(id engine.StreamID)             {}
func (r *recordingDispatcher) OnTrailersComplete(id engine.StreamID, t []engine.Header) {
	r.headers = append(r.headers, &engine.Message{Headers: t})
}
func (r *recordingDispatcher) OnMessageComplete(id engine.StreamID, upgrade bool) {
	r.completed = append(r.completed, id)
}
func (r *recordingDispatcher) OnError(id engine.StreamID, err error, newTxn bool) {
	r.errs = append(r.errs, err)
}
func (r *recordingDispatcher) OnAbort(id engine.StreamID, code engine.AbortCode) {
	r.aborts = append(r.aborts, code)
}
func (r *recordingDispatcher) OnGoAway(id engine.StreamID, code engine.GoAwayCode, debug []byte) {
	r.goaways = append(r.goaways, code)
}
func (r *recordingDispatcher) OnPingRequest(id uint64) { r.pingReqs = append(r.pingReqs, id) }
func (r *recordingDispatcher) OnPingReply(id uint64)   { r.pingReps = append(r.pingReps, id) }
func (r *recordingDispatcher) OnWindowUpdate(id engine.StreamID, delta int64) {
	r.winUpdate = append(r.winUpdate, delta)
}
func (r *recordingDispatcher) OnSettings(settings []engine.Setting) {
	r.settings = append(r.settings, settings)
}

func TestGenerateResponseThenParseRoundTrip(t *testing.T) {
	server := NewServerCodec()
	var buf []byte
	buf = server.GenerateHeader(buf, 1, &engine.Message{Status: 200, Headers: []engine.Header{{"content-type", "text/plain"}}}, false)
	buf = server.GenerateBody(buf, 1, []byte("hi"), true)

	client := NewClientCodec()
	d := &recordingDispatcher{}
	client.SetDispatcher(d)

	consumed, err := client.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("expected full buffer consumed, got %d/%d", consumed, len(buf))
	}
	if len(d.headers) != 1 || d.headers[0].Status != 200 {
		t.Fatalf("unexpected headers: %+v", d.headers)
	}
	if len(d.body) != 1 || string(d.body[0]) != "hi" {
		t.Fatalf("unexpected body: %+v", d.body)
	}
	if len(d.completed) != 1 || d.completed[0] != 1 {
		t.Fatalf("expected message-complete for stream 1, got %+v", d.completed)
	}
}

func TestGenerateRequestHeadersEndStream(t *testing.T) {
	server := NewServerCodec()
	buf := server.GenerateHeader(nil, 3, &engine.Message{Method: "GET", Path: "/", Scheme: "http", Authority: "example.com"}, true)

	client := NewClientCodec()
	d := &recordingDispatcher{}
	client.SetDispatcher(d)

	consumed, err := client.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("expected full buffer consumed, got %d/%d", consumed, len(buf))
	}
	if len(d.begun) != 1 || d.begun[0] != 3 {
		t.Fatalf("expected message-begin for stream 3, got %+v", d.begun)
	}
	if len(d.headers) != 1 || d.headers[0].Method != "GET" || d.headers[0].Path != "/" || d.headers[0].Authority != "example.com" {
		t.Fatalf("unexpected parsed request: %+v", d.headers)
	}
	if len(d.completed) != 1 {
		t.Fatalf("expected end-of-stream headers to complete the message, got %+v", d.completed)
	}
}

func TestGenerateSettingsRoundTrip(t *testing.T) {
	server := NewServerCodec()
	buf := server.GenerateSettings(nil, []engine.Setting{{ID: engine.SettingMaxConcurrentStreams, Value: 100}})

	client := NewClientCodec()
	d := &recordingDispatcher{}
	client.SetDispatcher(d)

	consumed, err := client.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("expected full buffer consumed, got %d/%d", consumed, len(buf))
	}
	if len(d.settings) != 1 || len(d.settings[0]) != 1 || d.settings[0][0].Value != 100 {
		t.Fatalf("unexpected settings: %+v", d.settings)
	}
}

func TestGenerateAbortRoundTrip(t *testing.T) {
	server := NewServerCodec()
	buf := server.GenerateAbort(nil, 5, engine.AbortCode(8))

	client := NewClientCodec()
	d := &recordingDispatcher{}
	client.SetDispatcher(d)

	consumed, err := client.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("expected full buffer consumed, got %d/%d", consumed, len(buf))
	}
	if len(d.aborts) != 1 || d.aborts[0] != 8 {
		t.Fatalf("unexpected aborts: %+v", d.aborts)
	}
}

func TestParseStopsOnIncompleteFrame(t *testing.T) {
	server := NewServerCodec()
	full := server.GenerateSettings(nil, []engine.Setting{{ID: 3, Value: 1}})

	client := NewClientCodec()
	d := &recordingDispatcher{}
	client.SetDispatcher(d)

	// Present everything but the last byte: the frame header declares a
	// length the buffer doesn't yet satisfy, so Parse must consume nothing.
	consumed, err := client.Parse(full[:len(full)-1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("expected no bytes consumed for a partial frame, got %d", consumed)
	}
	if len(d.settings) != 0 {
		t.Fatalf("expected no dispatch before the frame is complete, got %+v", d.settings)
	}
}

func TestConnectionWindowUpdateOpensOnPositiveTransition(t *testing.T) {
	c := NewServerCodec()
	c.connSendWindow = 0
	if opened := c.OnConnectionWindowUpdate(10); !opened {
		t.Fatalf("expected window-open transition when going from 0 to positive")
	}
	if c.ConnectionSendWindow() != 10 {
		t.Fatalf("expected window of 10, got %d", c.ConnectionSendWindow())
	}
	if opened := c.OnConnectionWindowUpdate(5); opened {
		t.Fatalf("expected no further open transition once already positive")
	}
	c.ConsumeConnectionSendWindow(15)
	if c.ConnectionSendWindow() != 0 {
		t.Fatalf("expected window back to 0 after consuming, got %d", c.ConnectionSendWindow())
	}
}
