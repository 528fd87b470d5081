package hxc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/flowbound/hxc/internal/engine"
)

// Headers represents a request or response header set with case-insensitive,
// lazily-indexed access, mirroring the donor's zero-copy header view.
type Headers struct {
	headers [][2]string
	index   map[string]int
}

// NewHeaders creates an empty Headers set.
func NewHeaders() Headers {
	return Headers{headers: make([][2]string, 0)}
}

// Set sets a header value, replacing any existing value. Keys are folded to
// lowercase.
func (h *Headers) Set(key, value string) {
	lowerKey := strings.ToLower(key)
	if h.index == nil {
		h.index = make(map[string]int, len(h.headers)+2)
		for i := range h.headers {
			h.index[h.headers[i][0]] = i
		}
	}
	if idx, ok := h.index[lowerKey]; ok {
		h.headers[idx][1] = value
		return
	}
	h.index[lowerKey] = len(h.headers)
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Get retrieves a header value by key (case-insensitive).
func (h *Headers) Get(key string) string {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if idx, ok := h.index[lowerKey]; ok {
			return h.headers[idx][1]
		}
		return ""
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return h.headers[i][1]
		}
	}
	return ""
}

// Del removes a header by key.
func (h *Headers) Del(key string) {
	lowerKey := strings.ToLower(key)
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			h.headers = append(h.headers[:i], h.headers[i+1:]...)
			h.index = nil
			return
		}
	}
}

// All returns every header as a name/value pair.
func (h *Headers) All() [][2]string { return h.headers }

// Has reports whether a header is present.
func (h *Headers) Has(key string) bool { return h.Get(key) != "" || h.contains(key) }

func (h *Headers) contains(key string) bool {
	lowerKey := strings.ToLower(key)
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return true
		}
	}
	return false
}

var responseBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Context is the per-transaction request/response context handed to
// application Handlers. It buffers the response body so a handler can set
// headers after writing (mirroring net/http's deferred header flush) and
// flushes everything through the owning Transaction's send-* API in one
// shot unless Flush is called explicitly for streaming responses.
type Context struct {
	txn *engine.Transaction
	ctx context.Context

	method    string
	path      string
	scheme    string
	authority string
	headers   Headers

	statusCode      int
	responseHeaders Headers
	responseBody    *bytes.Buffer
	headersSent     bool

	params map[string]string
	values map[string]interface{}

	query url.Values
	body  []byte

	flushHook func()
}

// NewContext constructs a Context for an inbound transaction. msg carries
// the headers already delivered through OnHeadersComplete.
func NewContext(ctx context.Context, txn *engine.Transaction, msg *engine.Message) *Context {
	c := &Context{
		txn:             txn,
		ctx:             ctx,
		method:          msg.Method,
		path:            msg.Path,
		scheme:          msg.Scheme,
		authority:       msg.Authority,
		headers:         NewHeaders(),
		statusCode:      200,
		responseHeaders: NewHeaders(),
		responseBody:    responseBufPool.Get().(*bytes.Buffer),
	}
	for _, h := range msg.Headers {
		c.headers.Set(h[0], h[1])
	}
	return c
}

// appendBody accumulates an ingress body chunk; called by the engine
// handler adapter as OnBody chunks arrive, before the Context is handed to
// application code on OnMessageComplete.
func (c *Context) appendBody(chunk []byte) { c.body = append(c.body, chunk...) }

// Body returns the full, already-buffered request body.
func (c *Context) Body() []byte { return c.body }

// BindJSON unmarshals the request body as JSON into v.
func (c *Context) BindJSON(v interface{}) error {
	return json.Unmarshal(c.body, v)
}

// FormValue parses the request body as application/x-www-form-urlencoded
// and returns the named value.
func (c *Context) FormValue(key string) string {
	values, err := url.ParseQuery(string(c.body))
	if err != nil {
		return ""
	}
	return values.Get(key)
}

// Context returns the Go context carried alongside the request, for
// cancellation-aware downstream calls.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) Method() string    { return c.method }
func (c *Context) Path() string      { return c.path }
func (c *Context) Scheme() string    { return c.scheme }
func (c *Context) Authority() string { return c.authority }
func (c *Context) Header() *Headers  { return &c.headers }

// StreamID returns the transaction's stream id.
func (c *Context) StreamID() engine.StreamID { return c.txn.ID() }

// RemoteAddr returns the peer address of the underlying connection, as
// reported by the transport rather than any client-supplied header.
func (c *Context) RemoteAddr() string { return c.txn.PeerAddr() }

// ActiveTransactions returns the number of live transactions on this
// request's connection, a cheap concurrency signal for health/diagnostic
// endpoints.
func (c *Context) ActiveTransactions() int { return c.txn.ActiveTransactionCount() }

// Abort resets the underlying transaction instead of attempting to write a
// response. Use this from recovery/error paths once headers have already
// been sent and a fresh response can no longer be framed.
func (c *Context) Abort(code engine.AbortCode) error { return c.txn.SendAbort(code) }

// OnFlush registers fn to run once this request's response has actually
// been confirmed written to the transport, rather than merely enqueued
// (which is all that has happened by the time a Handler returns). Only one
// hook is kept; a later call replaces an earlier one.
func (c *Context) OnFlush(fn func()) { c.flushHook = fn }

// --- response building -----------------------------------------------

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) { c.statusCode = code }

// Status returns the currently-set response status code.
func (c *Context) Status() int { return c.statusCode }

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) { c.responseHeaders.Set(key, value) }

// Write appends raw bytes to the buffered response body.
func (c *Context) Write(b []byte) (int, error) { return c.responseBody.Write(b) }

// WriteString appends a string to the buffered response body.
func (c *Context) WriteString(s string) (int, error) { return c.responseBody.WriteString(s) }

// JSON marshals v and writes it with an application/json content type.
func (c *Context) JSON(code int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SetStatus(code)
	c.SetHeader("content-type", "application/json; charset=utf-8")
	_, err = c.Write(b)
	if err != nil {
		return err
	}
	return c.flush()
}

// String writes a formatted plain-text response.
func (c *Context) String(code int, format string, args ...interface{}) error {
	c.SetStatus(code)
	c.SetHeader("content-type", "text/plain; charset=utf-8")
	_, err := c.WriteString(fmt.Sprintf(format, args...))
	if err != nil {
		return err
	}
	return c.flush()
}

// HTML writes an HTML response.
func (c *Context) HTML(code int, html string) error {
	c.SetStatus(code)
	c.SetHeader("content-type", "text/html; charset=utf-8")
	if _, err := c.WriteString(html); err != nil {
		return err
	}
	return c.flush()
}

// Data writes a response with an explicit content type.
func (c *Context) Data(code int, contentType string, data []byte) error {
	c.SetStatus(code)
	c.SetHeader("content-type", contentType)
	if _, err := c.Write(data); err != nil {
		return err
	}
	return c.flush()
}

// NoContent writes a response with no body.
func (c *Context) NoContent(code int) error {
	c.SetStatus(code)
	return c.flush()
}

// File serves a file from disk, setting content-type from its extension.
func (c *Context) File(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return c.String(404, "Not Found")
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return c.Data(200, ct, data)
}

// Attachment serves a file from disk as a downloadable attachment.
func (c *Context) Attachment(path, filename string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return c.String(404, "Not Found")
	}
	c.SetHeader("content-disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return c.Data(200, ct, data)
}

// Redirect writes a redirect response.
func (c *Context) Redirect(code int, location string) error {
	c.SetStatus(code)
	c.SetHeader("location", location)
	return c.flush()
}

// toEngineHeaders converts raw [2]string pairs to the engine.Header type.
func toEngineHeaders(pairs [][2]string) []engine.Header {
	headers := make([]engine.Header, len(pairs))
	for i, p := range pairs {
		headers[i] = engine.Header(p)
	}
	return headers
}

// flush sends the buffered status/headers/body through the transaction in
// one headers-then-body-then-EOM sequence.
func (c *Context) flush() error {
	if c.headersSent {
		return nil
	}
	c.headersSent = true
	msg := &engine.Message{Status: c.statusCode, Headers: toEngineHeaders(c.responseHeaders.All())}
	body := c.responseBody.Bytes()
	if len(body) == 0 {
		if _, err := c.txn.SendHeaders(msg); err != nil {
			return err
		}
		_, err := c.txn.SendEOM()
		return err
	}
	if _, err := c.txn.SendHeaders(msg); err != nil {
		return err
	}
	_, err := c.txn.SendBody(body, true)
	return err
}

// Flush sends headers immediately (for streaming responses) without an EOM,
// so subsequent Write+Flush calls can stream a body incrementally.
func (c *Context) Flush() error {
	if !c.headersSent {
		c.headersSent = true
		msg := &engine.Message{Status: c.statusCode, Headers: toEngineHeaders(c.responseHeaders.All())}
		if _, err := c.txn.SendHeaders(msg); err != nil {
			return err
		}
	}
	if c.responseBody.Len() == 0 {
		return nil
	}
	body := c.responseBody.Bytes()
	c.responseBody.Reset()
	_, err := c.txn.SendBody(body, false)
	return err
}

// End finalizes a streaming response started with Flush.
func (c *Context) End() error {
	if err := c.Flush(); err != nil {
		return err
	}
	_, err := c.txn.SendEOM()
	return err
}

// PushPromise initiates a server push for path, associated with this
// transaction, and returns the pushed Transaction so the caller can send its
// response through the normal send-* API.
func (c *Context) PushPromise(path string, headers []engine.Header, h engine.Handler) (*engine.Transaction, error) {
	msg := &engine.Message{Method: "GET", Path: path, Scheme: c.scheme, Authority: c.authority, Headers: headers}
	return c.txn.NewPushedTransaction(msg, h)
}

// release returns the response buffer to the pool; called once the
// transaction detaches.
func (c *Context) release() {
	c.responseBody.Reset()
	responseBufPool.Put(c.responseBody)
}

// --- request helpers ----------------------------------------------------

// Query returns a single query-string value.
func (c *Context) Query(key string) string { return c.queryValues().Get(key) }

// QueryDefault returns a query-string value or def if absent.
func (c *Context) QueryDefault(key, def string) string {
	if v := c.queryValues().Get(key); v != "" {
		return v
	}
	return def
}

// QueryInt parses a query-string value as an int, or returns def on error.
func (c *Context) QueryInt(key string, def int) int {
	v := c.queryValues().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// QueryBool parses a query-string value as a bool, or returns def on error.
func (c *Context) QueryBool(key string, def bool) bool {
	v := c.queryValues().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (c *Context) queryValues() url.Values {
	if c.query != nil {
		return c.query
	}
	if i := strings.IndexByte(c.path, '?'); i >= 0 {
		c.query, _ = url.ParseQuery(c.path[i+1:])
	} else {
		c.query = url.Values{}
	}
	return c.query
}

// Param returns a path parameter captured by the router.
func (c *Context) Param(name string) string { return c.params[name] }

func (c *Context) setParams(p map[string]string) { c.params = p }

// Cookie returns a request cookie value by name.
func (c *Context) Cookie(name string) string {
	cookieHeader := c.headers.Get("cookie")
	for _, part := range strings.Split(cookieHeader, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// SetCookie appends a Set-Cookie response header.
func (c *Context) SetCookie(name, value string, maxAgeSeconds int) {
	c.responseHeaders.Set("set-cookie", fmt.Sprintf("%s=%s; Path=/; Max-Age=%d", name, value, maxAgeSeconds))
}

// Set stores a value in the request-scoped context store.
func (c *Context) Set(key string, value interface{}) {
	if c.values == nil {
		c.values = make(map[string]interface{}, 4)
	}
	c.values[key] = value
}

// Get retrieves a value previously stored with Set.
func (c *Context) Get(key string) (interface{}, bool) {
	if c.values == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// MustGet retrieves a value previously stored with Set, panicking if absent.
func (c *Context) MustGet(key string) interface{} {
	v, ok := c.Get(key)
	if !ok {
		panic("hxc: context value not found: " + key)
	}
	return v
}
