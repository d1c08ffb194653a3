package velox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veloxhttp/velox/internal/session"
)

// Context carries one request exchange through the handler chain. It wraps
// the protocol stream and the responder capability, and accumulates response
// headers until the handler commits a status and body.
type Context struct {
	ctx    context.Context
	stream *session.Stream
	w      session.Responder

	status      int
	respHeaders [][2]string
	respSize    int
	sent        bool

	// encoder optionally transforms the body at commit time, returning the
	// encoded bytes and the content-encoding token. Set by Compress.
	encoder func(body []byte) ([]byte, string, bool)

	params map[string]string
	values map[string]any
}

func newContext(ctx context.Context, st *session.Stream, w session.Responder) *Context {
	return &Context{ctx: ctx, stream: st, w: w}
}

// Context returns the request-scoped context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// WithContext replaces the request-scoped context, for middleware that
// derives spans or deadlines.
func (c *Context) WithContext(ctx context.Context) { c.ctx = ctx }

// Method returns the request method.
func (c *Context) Method() string { return c.stream.Method }

// Path returns the request target path.
func (c *Context) Path() string { return c.stream.Path }

// Authority returns the request authority (Host).
func (c *Context) Authority() string { return c.stream.Authority }

// Body returns the request body.
func (c *Context) Body() []byte { return c.stream.Body }

// Header returns the first request header value for name, case-insensitive.
func (c *Context) Header(name string) string {
	for _, h := range c.stream.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Headers returns all request headers.
func (c *Context) Headers() [][2]string { return c.stream.Headers }

// Param returns a path parameter captured by the router.
func (c *Context) Param(name string) string { return c.params[name] }

// Get retrieves a request-scoped value set by middleware.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores a request-scoped value.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Status returns the committed response status, 0 before commit.
func (c *Context) Status() int { return c.status }

// ResponseSize returns the committed response body size in bytes.
func (c *Context) ResponseSize() int { return c.respSize }

// Sent reports whether a response has been committed.
func (c *Context) Sent() bool { return c.sent }

// SetHeader adds a response header. Headers added after the response is
// committed are dropped.
func (c *Context) SetHeader(name, value string) {
	c.respHeaders = append(c.respHeaders, [2]string{strings.ToLower(name), value})
}

// Bytes commits a response with the given status, content type, and body.
func (c *Context) Bytes(status int, contentType string, body []byte) error {
	if contentType != "" {
		c.SetHeader("content-type", contentType)
	}
	return c.commit(status, body)
}

// String commits a text/plain response.
func (c *Context) String(status int, body string) error {
	return c.Bytes(status, "text/plain; charset=utf-8", []byte(body))
}

// JSON marshals v and commits an application/json response.
func (c *Context) JSON(status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Bytes(status, "application/json", b)
}

// NoContent commits a bodiless response.
func (c *Context) NoContent(status int) error {
	return c.commit(status, nil)
}

func (c *Context) commit(status int, body []byte) error {
	if c.sent {
		return fmt.Errorf("velox: response already sent")
	}
	c.sent = true
	c.status = status
	if c.encoder != nil && len(body) > 0 {
		if encoded, token, ok := c.encoder(body); ok {
			body = encoded
			c.respHeaders = append(c.respHeaders, [2]string{"content-encoding", token})
		}
	}
	c.respSize = len(body)

	resp := session.NewResponse(body, c.respHeaders...)
	defer resp.Unref()
	return c.w.QueueResponse(status, resp)
}
