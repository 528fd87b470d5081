package hxc

import (
	"errors"
	"strings"
	"testing"
)

func TestRecoveryCatchesPanic(t *testing.T) {
	h := Recovery()(HandlerFunc(func(ctx *Context) error {
		panic("boom")
	}))
	ctx := newTestContext("GET", "/panic")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("expected Recovery to swallow the panic, got %v", err)
	}
	if ctx.Status() != 500 {
		t.Fatalf("expected status 500, got %d", ctx.Status())
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	h := CORS(DefaultCORSConfig())(HandlerFunc(func(ctx *Context) error {
		called = true
		return nil
	}))
	ctx := newTestContext("OPTIONS", "/anything")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected preflight to short-circuit before the handler")
	}
	if ctx.Status() != 204 {
		t.Fatalf("expected 204, got %d", ctx.Status())
	}
	if ctx.responseHeaders.Get("access-control-allow-origin") != "*" {
		t.Fatalf("expected default allow-origin header")
	}
}

func TestCORSPassesThroughNonOptions(t *testing.T) {
	called := false
	h := CORS(DefaultCORSConfig())(HandlerFunc(func(ctx *Context) error {
		called = true
		return nil
	}))
	ctx := newTestContext("GET", "/anything")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected GET request to reach the handler")
	}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	h := RequestID()(HandlerFunc(func(ctx *Context) error { return nil }))
	ctx := newTestContext("GET", "/")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, ok := ctx.Get("request-id")
	if !ok || id == "" {
		t.Fatalf("expected a generated request id")
	}
	if ctx.responseHeaders.Get("x-request-id") != id {
		t.Fatalf("expected response header to match stored request id")
	}
}

func TestRequestIDHonorsInboundHeader(t *testing.T) {
	h := RequestID()(HandlerFunc(func(ctx *Context) error { return nil }))
	ctx := newTestContext("GET", "/")
	ctx.headers.Set("x-request-id", "fixed-id")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, _ := ctx.Get("request-id")
	if id != "fixed-id" {
		t.Fatalf("expected inbound request id to be reused, got %v", id)
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	cfg := DefaultRateLimiterConfig(1)
	cfg.BurstSize = 1
	h := RateLimiterWithConfig(cfg)(HandlerFunc(func(ctx *Context) error { return nil }))

	ctx1 := newTestContext("GET", "/limited")
	ctx1.headers.Set("x-forwarded-for", "1.2.3.4")
	if err := h.Serve(ctx1); err != nil {
		t.Fatalf("unexpected error on first request: %v", err)
	}
	if ctx1.Status() == 429 {
		t.Fatalf("expected first request to be allowed")
	}

	ctx2 := newTestContext("GET", "/limited")
	ctx2.headers.Set("x-forwarded-for", "1.2.3.4")
	if err := h.Serve(ctx2); err != nil {
		t.Fatalf("unexpected error on second request: %v", err)
	}
	if ctx2.Status() != 429 {
		t.Fatalf("expected second request from the same key to be rate-limited, got %d", ctx2.Status())
	}
}

func TestRateLimiterSkipsConfiguredPaths(t *testing.T) {
	cfg := DefaultRateLimiterConfig(1)
	cfg.BurstSize = 1
	cfg.SkipPaths = []string{"/health"}
	h := RateLimiterWithConfig(cfg)(HandlerFunc(func(ctx *Context) error { return nil }))

	for i := 0; i < 3; i++ {
		ctx := newTestContext("GET", "/health")
		ctx.headers.Set("x-forwarded-for", "9.9.9.9")
		if err := h.Serve(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ctx.Status() == 429 {
			t.Fatalf("expected /health to be exempt from rate limiting")
		}
	}
}

func TestTokenBucketAllowsUpToBurst(t *testing.T) {
	tb := newTokenBucket(1, 3)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if tb.allow() {
		t.Fatalf("expected request beyond burst to be denied")
	}
}

func TestLoggerSkipsConfiguredPaths(t *testing.T) {
	var out strings.Builder
	cfg := DefaultLoggerConfig()
	cfg.Output = &out
	cfg.SkipPaths = []string{"/health"}
	h := LoggerWithConfig(cfg)(HandlerFunc(func(ctx *Context) error { return nil }))

	ctx := newTestContext("GET", "/health")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no log output for a skipped path, got %q", out.String())
	}
}

func TestLoggerWritesEntryWithError(t *testing.T) {
	var out strings.Builder
	cfg := DefaultLoggerConfig()
	cfg.Output = &out
	wantErr := errors.New("handler failed")
	h := LoggerWithConfig(cfg)(HandlerFunc(func(ctx *Context) error { return wantErr }))

	ctx := newTestContext("GET", "/fails")
	if err := h.Serve(ctx); err != wantErr {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
	// Logger defers the actual write to the flush hook, normally run by
	// bridgeHandler once the transport confirms the response landed; fire it
	// directly here since this test exercises the middleware standalone.
	if ctx.flushHook != nil {
		ctx.flushHook()
	}
	if !strings.Contains(out.String(), "handler failed") {
		t.Fatalf("expected log line to mention the error, got %q", out.String())
	}
}

func TestHealthInterceptsConfiguredPath(t *testing.T) {
	called := false
	h := Health()(HandlerFunc(func(ctx *Context) error {
		called = true
		return nil
	}))
	ctx := newTestContext("GET", "/health")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected Health to intercept before the wrapped handler")
	}
	if ctx.Status() != 200 {
		t.Fatalf("expected 200, got %d", ctx.Status())
	}
}

func TestCompressSkipsWhenNotAccepted(t *testing.T) {
	h := Compress()(HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, strings.Repeat("a", 2000))
	}))
	ctx := newTestContext("GET", "/big")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.responseHeaders.Get("content-encoding") != "" {
		t.Fatalf("expected no compression without an Accept-Encoding header")
	}
}

func TestCompressGzipsLargeResponse(t *testing.T) {
	h := Compress()(HandlerFunc(func(ctx *Context) error {
		ctx.SetStatus(200)
		_, err := ctx.WriteString(strings.Repeat("a", 4096))
		return err
	}))
	ctx := newTestContext("GET", "/big")
	ctx.headers.Set("accept-encoding", "gzip")
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.responseHeaders.Get("content-encoding") != "gzip" {
		t.Fatalf("expected gzip encoding for a highly compressible body, got %q", ctx.responseHeaders.Get("content-encoding"))
	}
	if ctx.responseBody.Len() >= 4096 {
		t.Fatalf("expected compressed body to be smaller than the original")
	}
}
