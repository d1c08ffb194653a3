package session

import "context"

// Responder is the capability handed to the response-producing layer: queue
// exactly one response for the stream currently being served.
type Responder interface {
	QueueResponse(statusCode int, resp *Response) error
}

// Handler is the application-facing contract. It is invoked once per
// completed request exchange with the stream carrying the request data.
type Handler interface {
	ServeStream(ctx context.Context, st *Stream, w Responder) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, st *Stream, w Responder) error

// ServeStream calls the wrapped function.
func (f HandlerFunc) ServeStream(ctx context.Context, st *Stream, w Responder) error {
	return f(ctx, st, w)
}
