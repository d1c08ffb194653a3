package velox

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Logger returns a middleware that logs one line per request with method,
// path, status, and latency.
func Logger(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(c *Context) error {
			start := time.Now()
			err := next.Serve(c)
			logger.Printf("%s %s -> %d (%s)", c.Method(), c.Path(), c.Status(), time.Since(start))
			return err
		})
	}
}

// Recovery returns a middleware that converts handler panics into a 500
// response instead of tearing down the event loop.
func Recovery(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(c *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Printf("panic serving %s %s: %v\n%s", c.Method(), c.Path(), r, debug.Stack())
					if !c.Sent() {
						err = c.String(500, "internal server error")
					} else {
						err = fmt.Errorf("velox: panic after response: %v", r)
					}
				}
			}()
			return next.Serve(c)
		})
	}
}

// requestIDKey is the context-value key middleware and handlers share for
// the request id.
const requestIDKey = "request-id"

// RequestID returns a middleware that attaches a request id: the peer's
// x-request-id header when present, a fresh UUID otherwise. The id is
// echoed in the response headers.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(c *Context) error {
			id := c.Header("x-request-id")
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)
			c.SetHeader("x-request-id", id)
			return next.Serve(c)
		})
	}
}

// RequestIDFrom returns the request id attached by RequestID, if any.
func RequestIDFrom(c *Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
