package hxc

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OpenTelemetry tracing middleware.
type TracingConfig struct {
	TracerName string
	SkipPaths  []string
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig skips health and metrics endpoints.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "hxc",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing wraps a Handler chain with a server span per request.
func Tracing() Middleware { return TracingWithConfig(DefaultTracingConfig()) }

// TracingWithConfig is Tracing with custom configuration.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "hxc"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	tracer := otel.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}

			carrier := &headerCarrier{headers: ctx.Header()}
			parentCtx := config.Propagator.Extract(ctx.Context(), carrier)

			spanCtx, span := tracer.Start(parentCtx, ctx.Method()+" "+ctx.Path(), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", ctx.Method()),
				attribute.String("http.target", ctx.Path()),
				attribute.String("http.scheme", ctx.Scheme()),
				attribute.String("http.host", ctx.Authority()),
				attribute.Int("http.request_content_length", len(ctx.Body())),
			)
			if reqID, ok := ctx.Get("request-id"); ok {
				if s, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", s))
				}
			}

			originalCtx := ctx.ctx
			ctx.ctx = spanCtx
			err := next.Serve(ctx)
			ctx.ctx = originalCtx

			span.SetAttributes(attribute.Int("http.status_code", ctx.Status()))
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case ctx.Status() >= 400:
				span.SetStatus(codes.Error, "request error")
			default:
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}

// headerCarrier adapts Headers to propagation.TextMapCarrier.
type headerCarrier struct{ headers *Headers }

func (hc *headerCarrier) Get(key string) string { return hc.headers.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.headers.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.headers.headers))
	for _, h := range hc.headers.headers {
		keys = append(keys, h[0])
	}
	return keys
}
