// Package velox is the public surface of the server: configuration, the
// request context, routing, middleware, and the listener facade.
package velox

// Handler serves one completed request exchange.
type Handler interface {
	Serve(c *Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c *Context) error

// Serve calls the wrapped function.
func (f HandlerFunc) Serve(c *Context) error { return f(c) }

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(next Handler) Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
