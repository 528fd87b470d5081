package hxc

import (
	"testing"
)

func TestHeadersSetGetCaseInsensitive(t *testing.T) {
	h := NewHeaders()
	h.Set("Content-Type", "application/json")
	if got := h.Get("content-type"); got != "application/json" {
		t.Fatalf("expected case-insensitive get, got %q", got)
	}
	h.Set("content-type", "text/plain")
	if got := h.Get("Content-Type"); got != "text/plain" {
		t.Fatalf("expected overwrite, got %q", got)
	}
	if !h.Has("content-type") {
		t.Fatalf("expected Has to report true")
	}
	h.Del("content-type")
	if h.Has("content-type") {
		t.Fatalf("expected header to be removed")
	}
}

func TestContextJSONBuffersBodyAndSetsHeader(t *testing.T) {
	ctx := newTestContext("GET", "/json")
	if err := ctx.JSON(201, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Status() != 201 {
		t.Fatalf("expected status 201, got %d", ctx.Status())
	}
	if ctx.responseHeaders.Get("content-type") == "" {
		t.Fatalf("expected content-type header to be set")
	}
	if ctx.responseBody.Len() == 0 {
		t.Fatalf("expected non-empty response body")
	}
}

func TestContextQueryHelpers(t *testing.T) {
	ctx := newTestContext("GET", "/search?q=go&limit=10&verbose=true")
	if ctx.Query("q") != "go" {
		t.Fatalf("expected q=go, got %q", ctx.Query("q"))
	}
	if ctx.QueryInt("limit", 0) != 10 {
		t.Fatalf("expected limit=10, got %d", ctx.QueryInt("limit", 0))
	}
	if !ctx.QueryBool("verbose", false) {
		t.Fatalf("expected verbose=true")
	}
	if ctx.QueryDefault("missing", "fallback") != "fallback" {
		t.Fatalf("expected fallback default")
	}
}

func TestContextCookies(t *testing.T) {
	ctx := newTestContext("GET", "/")
	ctx.headers.Set("cookie", "session=abc123; theme=dark")
	if ctx.Cookie("session") != "abc123" {
		t.Fatalf("expected session cookie abc123, got %q", ctx.Cookie("session"))
	}
	ctx.SetCookie("session", "xyz", 3600)
	if ctx.responseHeaders.Get("set-cookie") == "" {
		t.Fatalf("expected set-cookie header")
	}
}

func TestContextSetGetMustGet(t *testing.T) {
	ctx := newTestContext("GET", "/")
	ctx.Set("request-id", "abc")
	v, ok := ctx.Get("request-id")
	if !ok || v != "abc" {
		t.Fatalf("expected to retrieve stored value, got %v ok=%v", v, ok)
	}
	if _, ok := ctx.Get("missing"); ok {
		t.Fatalf("expected missing key to be absent")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected MustGet to panic for a missing key")
		}
	}()
	ctx.MustGet("missing")
}

func TestContextBindJSON(t *testing.T) {
	ctx := newTestContext("POST", "/echo")
	ctx.appendBody([]byte(`{"name":"ada"}`))
	var payload struct {
		Name string `json:"name"`
	}
	if err := ctx.BindJSON(&payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Name != "ada" {
		t.Fatalf("expected name=ada, got %q", payload.Name)
	}
}

func TestContextFormValue(t *testing.T) {
	ctx := newTestContext("POST", "/submit")
	ctx.appendBody([]byte("name=ada&lang=go"))
	if ctx.FormValue("lang") != "go" {
		t.Fatalf("expected lang=go, got %q", ctx.FormValue("lang"))
	}
}
