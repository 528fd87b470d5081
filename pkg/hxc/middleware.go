package hxc

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/flowbound/hxc/internal/engine"
)

// LoggerConfig configures the Logger middleware.
type LoggerConfig struct {
	Output       io.Writer
	Format       string
	SkipPaths    []string
	CustomFields func(ctx *Context) map[string]interface{}
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Output: os.Stdout, Format: "text"}
}

// Logger logs each request to stdout in text format.
func Logger() Middleware { return LoggerWithConfig(DefaultLoggerConfig()) }

// LoggerWithConfig is Logger with custom output/format/skip paths. Unlike a
// net/http access log, which can only time how long the handler took to
// return, the log line here is emitted once the response has actually been
// confirmed written to the connection (Context.OnFlush): enqueuing a
// response and having it leave the wire are two different moments once
// writes are asynchronous and window-limited, and "duration" ought to mean
// the second one.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "text"
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}

			start := time.Now()
			err := next.Serve(ctx)

			entry := map[string]interface{}{
				"method":    ctx.Method(),
				"path":      ctx.Path(),
				"status":    ctx.Status(),
				"authority": ctx.Authority(),
				"remote":    ctx.RemoteAddr(),
			}
			if reqID, ok := ctx.Get("request-id"); ok {
				entry["request_id"] = reqID
			}
			if config.CustomFields != nil {
				for k, v := range config.CustomFields(ctx) {
					entry[k] = v
				}
			}
			if err != nil {
				entry["error"] = err.Error()
			}

			ctx.OnFlush(func() {
				entry["time"] = start.Format(time.RFC3339)
				entry["duration"] = time.Since(start).Milliseconds()
				writeLogEntry(config.Output, config.Format, entry)
			})
			return err
		})
	}
}

func writeLogEntry(w io.Writer, format string, entry map[string]interface{}) {
	if format == "json" {
		data, _ := json.Marshal(entry)
		_, _ = fmt.Fprintf(w, "%s\n", data)
		return
	}
	_, _ = fmt.Fprintf(w, "[%s] %s %s %d %dms remote=%v",
		entry["time"], entry["method"], entry["path"], entry["status"], entry["duration"], entry["remote"])
	if reqID, ok := entry["request_id"]; ok {
		_, _ = fmt.Fprintf(w, " req_id=%v", reqID)
	}
	if errText, ok := entry["error"]; ok {
		_, _ = fmt.Fprintf(w, " error=%q", errText)
	}
	_, _ = fmt.Fprintln(w)
}

// Recovery turns a panic during request handling into a 500 response
// instead of taking down the connection's event loop. If the panic happens
// after the handler already started a streaming response (Context.Flush),
// headers are already on the wire and a fresh status line can't be framed
// on top of them the way net/http's WriteHeader-guard would prevent anyway;
// the only sound recovery left is resetting the transaction outright.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			defer func() {
				if r := recover(); r != nil {
					if ctx.headersSent {
						_ = ctx.Abort(engine.AbortCode(0))
						return
					}
					_ = ctx.String(500, "Internal Server Error")
				}
			}()
			return next.Serve(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns permissive CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:      "*",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders:     "Accept, Content-Type, Content-Length, Authorization",
		AllowCredentials: false,
		MaxAge:           3600,
	}
}

// CORS sets Access-Control-* response headers and short-circuits preflight
// OPTIONS requests with a 204. A wildcard AllowOrigin paired with
// AllowCredentials is nonsensical per the fetch spec (browsers reject
// credentialed responses carrying "Access-Control-Allow-Origin: *"), so that
// combination reflects the request's own Origin header instead of echoing
// the wildcard verbatim the way the donor did.
func CORS(config CORSConfig) Middleware {
	if config.AllowOrigin == "" {
		config.AllowOrigin = "*"
	}
	if config.AllowMethods == "" {
		config.AllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = "Accept, Content-Type, Content-Length, Authorization"
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			allowOrigin := config.AllowOrigin
			if config.AllowCredentials && allowOrigin == "*" {
				if origin := ctx.Header().Get("origin"); origin != "" {
					allowOrigin = origin
				}
			}
			ctx.SetHeader("access-control-allow-origin", allowOrigin)
			ctx.SetHeader("access-control-allow-methods", config.AllowMethods)
			ctx.SetHeader("access-control-allow-headers", config.AllowHeaders)
			if config.AllowCredentials {
				ctx.SetHeader("access-control-allow-credentials", "true")
				ctx.SetHeader("vary", "Origin")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("access-control-max-age", fmt.Sprintf("%d", config.MaxAge))
			}
			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}
			return next.Serve(ctx)
		})
	}
}

// RequestID stamps every request with a unique id, honoring an inbound
// X-Request-ID if one was already set by an upstream proxy. A connection's
// own stream id is already a small dense counter scoped to that connection
// (engine.Codec.NewStreamID), so pairing it with the peer address is enough
// to make the id globally unique without reaching for a random source.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header().Get("x-request-id")
			if requestID == "" {
				requestID = generateRequestID(ctx)
			}
			ctx.Set("request-id", requestID)
			ctx.SetHeader("x-request-id", requestID)
			return next.Serve(ctx)
		})
	}
}

func generateRequestID(ctx *Context) string {
	return fmt.Sprintf("%s-%d-%d", ctx.RemoteAddr(), ctx.StreamID(), time.Now().UnixNano())
}

// Timeout attaches a deadline to the request's Go context so handlers that
// make downstream calls through ctx.Context() can cancel promptly. Unlike a
// net/http server, a session's handler call always runs on the connection's
// own event-loop turn, so Timeout cannot preempt a handler that ignores the
// deadline; it can only fail the request early if the deadline has already
// passed by the time the handler returns.
func Timeout(duration time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			timeoutCtx, cancel := context.WithTimeout(ctx.Context(), duration)
			defer cancel()

			original := ctx.ctx
			ctx.ctx = timeoutCtx
			err := next.Serve(ctx)
			ctx.ctx = original

			if timeoutCtx.Err() == context.DeadlineExceeded && !ctx.headersSent {
				return ctx.String(504, "Gateway Timeout")
			}
			return err
		})
	}
}

// CompressConfig configures the Compress middleware.
type CompressConfig struct {
	Level         int
	MinSize       int
	ExcludedTypes []string
}

// DefaultCompressConfig compresses responses over 1KiB except media types.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/", "video/", "audio/", "application/zip", "application/gzip",
		},
	}
}

// Compress compresses response bodies with brotli when the client's
// Accept-Encoding lists br, otherwise with gzip when it lists gzip; the
// client's ordering and q-values are not consulted. It falls back to the uncompressed body
// when compression doesn't actually shrink it.
func Compress() Middleware { return CompressWithConfig(DefaultCompressConfig()) }

// CompressWithConfig is Compress with custom level/threshold/exclusions. It
// only has a window to act on handlers that build their response through
// Write/WriteString and let Router.Serve's trailing flush send it: a handler
// that calls String/JSON/Flush itself has already sent headers and body
// straight through the transaction before this middleware's deferred logic
// below ever runs, so there is nothing left here to compress.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header().Get("accept-encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")
			if !supportsBrotli && !supportsGzip {
				return next.Serve(ctx)
			}

			sentBeforeHandler := ctx.headersSent
			original := ctx.responseBody
			temp := responseBufPool.Get().(*bytes.Buffer)
			temp.Reset()
			ctx.responseBody = temp

			err := next.Serve(ctx)
			sentDuringHandler := !sentBeforeHandler && ctx.headersSent
			body := append([]byte(nil), temp.Bytes()...)

			ctx.responseBody = original
			temp.Reset()
			responseBufPool.Put(temp)

			if sentDuringHandler {
				return err
			}

			shouldCompress := len(body) >= config.MinSize
			contentType := ctx.responseHeaders.Get("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					shouldCompress = false
					break
				}
			}
			if !shouldCompress {
				_, werr := ctx.responseBody.Write(body)
				if werr != nil && err == nil {
					err = werr
				}
				return err
			}

			var compressed bytes.Buffer
			var encoding string
			if supportsBrotli {
				w := brotli.NewWriterLevel(&compressed, config.Level)
				if _, werr := w.Write(body); werr != nil {
					_ = w.Close()
					_, _ = ctx.responseBody.Write(body)
					return err
				}
				_ = w.Close()
				encoding = "br"
			} else {
				w, _ := gzip.NewWriterLevel(&compressed, config.Level)
				if _, werr := w.Write(body); werr != nil {
					_ = w.Close()
					_, _ = ctx.responseBody.Write(body)
					return err
				}
				_ = w.Close()
				encoding = "gzip"
			}

			if compressed.Len() < len(body) && compressed.Len() > 0 {
				ctx.SetHeader("content-encoding", encoding)
				ctx.SetHeader("vary", "Accept-Encoding")
				_, werr := ctx.responseBody.Write(compressed.Bytes())
				if werr != nil && err == nil {
					err = werr
				}
			} else {
				_, werr := ctx.responseBody.Write(body)
				if werr != nil && err == nil {
					err = werr
				}
			}
			return err
		})
	}
}

// RateLimiterConfig configures the RateLimiter middleware.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
	KeyFunc           func(ctx *Context) string
	SkipPaths         []string
	ErrorHandler      func(ctx *Context) error
}

// defaultRateLimitKey keys on a proxy-supplied client IP when present (the
// request genuinely came from somewhere else), falling back to the
// connection's own peer address rather than the Host header an unproxied
// client could set to anything.
func defaultRateLimitKey(ctx *Context) string {
	clientIP := ctx.Header().Get("x-forwarded-for")
	if clientIP == "" {
		clientIP = ctx.Header().Get("x-real-ip")
	}
	if clientIP == "" {
		clientIP = ctx.RemoteAddr()
	}
	return clientIP
}

// DefaultRateLimiterConfig returns a config allowing requestsPerSecond with
// a 2x burst, keyed by client IP, skipping /health and /metrics.
func DefaultRateLimiterConfig(requestsPerSecond int) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         requestsPerSecond * 2,
		KeyFunc:           defaultRateLimitKey,
		SkipPaths:         []string{"/health", "/metrics"},
		ErrorHandler: func(ctx *Context) error {
			ctx.SetHeader("x-ratelimit-limit", fmt.Sprintf("%d", requestsPerSecond))
			ctx.SetHeader("x-ratelimit-remaining", "0")
			ctx.SetHeader("retry-after", "1")
			return ctx.String(429, "Too Many Requests")
		},
	}
}

// RateLimiter limits requests per key using a token bucket.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(requestsPerSecond))
}

// RateLimiterWithConfig is RateLimiter with custom key/skip/error handling.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("hxc: requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = defaultRateLimitKey
	}
	if config.ErrorHandler == nil {
		rps := config.RequestsPerSecond
		config.ErrorHandler = func(ctx *Context) error {
			ctx.SetHeader("x-ratelimit-limit", fmt.Sprintf("%d", rps))
			ctx.SetHeader("x-ratelimit-remaining", "0")
			ctx.SetHeader("retry-after", "1")
			return ctx.String(429, "Too Many Requests")
		}
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	limiters := make(map[string]*tokenBucket)
	var mu sync.RWMutex

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, limiter := range limiters {
				if time.Since(limiter.lastAccess) > 10*time.Minute {
					delete(limiters, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}

			key := config.KeyFunc(ctx)
			if key == "" {
				return next.Serve(ctx)
			}

			// A single multiplexed connection racing more concurrent
			// streams than the configured burst allows is its own signal,
			// independent of the token bucket: a generic per-IP limiter
			// has no notion of "concurrent streams on one connection" the
			// way a multiplexing transport does.
			if ctx.ActiveTransactions() > config.BurstSize {
				ctx.SetHeader("retry-after", "1")
				return config.ErrorHandler(ctx)
			}

			mu.Lock()
			limiter, exists := limiters[key]
			if !exists {
				limiter = newTokenBucket(config.RequestsPerSecond, config.BurstSize)
				limiters[key] = limiter
			}
			limiter.lastAccess = time.Now()
			mu.Unlock()

			if !limiter.allow() {
				ctx.SetHeader("x-ratelimit-limit", fmt.Sprintf("%d", config.RequestsPerSecond))
				ctx.SetHeader("x-ratelimit-remaining", "0")
				ctx.SetHeader("x-ratelimit-reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))
				ctx.SetHeader("retry-after", "1")
				return config.ErrorHandler(ctx)
			}

			remaining := limiter.remaining()
			ctx.SetHeader("x-ratelimit-limit", fmt.Sprintf("%d", config.RequestsPerSecond))
			ctx.SetHeader("x-ratelimit-remaining", fmt.Sprintf("%d", remaining))
			ctx.SetHeader("x-ratelimit-reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))
			return next.Serve(ctx)
		})
	}
}

// tokenBucket implements a token bucket rate limiter, refilled lazily on
// each allow() call rather than by a background ticker.
type tokenBucket struct {
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate, burst int) *tokenBucket {
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: time.Now(),
		lastAccess: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(float64(elapsed.Nanoseconds()) / float64(time.Second) * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.tokens < 0 {
		return 0
	}
	return tb.tokens
}

// HealthConfig configures the Health middleware.
type HealthConfig struct {
	Path    string
	Handler func(ctx *Context) error
}

var startTime = time.Now()

// DefaultHealthConfig serves /health with process uptime and the requesting
// connection's own in-flight transaction count, a cheap per-connection
// concurrency signal a generic net/http health check has no equivalent of.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Path: "/health",
		Handler: func(ctx *Context) error {
			return ctx.JSON(200, map[string]interface{}{
				"status":              "ok",
				"timestamp":           time.Now().UTC().Format(time.RFC3339),
				"uptime":              time.Since(startTime).String(),
				"active_transactions": ctx.ActiveTransactions(),
			})
		},
	}
}

// Health intercepts requests to a fixed health-check path before they reach
// the router, so it works even if the embedder never registers a /health
// route.
func Health() Middleware { return HealthWithConfig(DefaultHealthConfig()) }

// HealthWithConfig is Health with a custom path/handler.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	if config.Handler == nil {
		config.Handler = DefaultHealthConfig().Handler
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() == config.Path {
				return config.Handler(ctx)
			}
			return next.Serve(ctx)
		})
	}
}
