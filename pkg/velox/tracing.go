package velox

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OpenTelemetry middleware.
type TracingConfig struct {
	// TracerName names the tracer (default "velox").
	TracerName string
	// SkipPaths lists paths to leave untraced, e.g. health checks.
	SkipPaths []string
	// Propagator extracts the parent span context from request headers
	// (default W3C TraceContext).
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "velox",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns the OpenTelemetry middleware with default configuration.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that opens one server span per
// request and propagates the incoming trace context.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "velox"
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
		return HandlerFunc(func(c *Context) error {
			if skip[c.Path()] {
				return next.Serve(c)
			}

			parent := config.Propagator.Extract(c.Context(), headerCarrier{c})
			spanCtx, span := tracer.Start(
				parent,
				c.Method()+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.target", c.Path()),
				attribute.String("http.host", c.Authority()),
				attribute.Int("http.request_content_length", len(c.Body())),
			)
			if id := RequestIDFrom(c); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			prev := c.Context()
			c.WithContext(spanCtx)
			err := next.Serve(c)
			c.WithContext(prev)

			span.SetAttributes(attribute.Int("http.status_code", c.Status()))
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case c.Status() >= 400:
				span.SetStatus(codes.Error, "HTTP error")
			default:
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier.
// Extraction is read-only; Set is a no-op on an inbound request.
type headerCarrier struct{ c *Context }

func (hc headerCarrier) Get(key string) string { return hc.c.Header(key) }

func (hc headerCarrier) Set(key, value string) {}

func (hc headerCarrier) Keys() []string {
	headers := hc.c.Headers()
	keys := make([]string, 0, len(headers))
	for _, h := range headers {
		keys = append(keys, h[0])
	}
	return keys
}
