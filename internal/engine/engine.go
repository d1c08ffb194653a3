// Package engine adapts the framed-protocol implementation (HTTP/2 frames,
// HPACK, flow control) behind the narrow capability surface the connection
// layer consumes. The connection layer never parses frames itself; it feeds
// received bytes in, drains produced bytes out, and reacts to the stream
// callbacks the engine delivers.
package engine

import (
	"errors"

	"github.com/veloxhttp/velox/internal/buffer"
	"github.com/veloxhttp/velox/internal/session"
	"golang.org/x/net/http2"
)

// ErrBadClientMagic is the decode failure raised when the bytes following
// connection upgrade do not spell the HTTP/2 preface.
var ErrBadClientMagic = errors.New("engine: invalid client connection preface")

// Engine is the protocol engine capability consumed by the connection layer.
// Implementations own all framing state; the connection owns the buffers.
type Engine interface {
	// Feed hands the unconsumed slice of the read buffer to the engine for
	// incremental parsing and returns how many bytes were consumed. A
	// non-nil error is a fatal decode error: the caller should submit a
	// shutdown frame, flush, and close the connection.
	Feed(p []byte) (int, error)

	// WantRead and WantWrite report whether the engine expects further
	// inbound bytes or has (or may produce) outbound bytes. Both false,
	// with an empty write buffer, means orderly completion.
	WantRead() bool
	WantWrite() bool

	// FillOutput produces pending frames, including response body frames
	// bounded by flow-control windows, and appends them to wb.
	FillOutput(wb *buffer.WriteBuffer) error

	// Flush appends only already-serialized frames to wb, without
	// producing new body data. Used on the shutdown path.
	Flush(wb *buffer.WriteBuffer) error

	// BuildHeaderFrame serializes the response header frame for st.
	BuildHeaderFrame(st *session.Stream, statusCode int, resp *session.Response) error

	// SubmitShutdown queues a GOAWAY-equivalent frame naming the last
	// stream guaranteed processed. Submitting twice is a no-op.
	SubmitShutdown(lastStreamID uint32, code http2.ErrCode)
}

// Events are the per-stream callbacks the engine delivers while parsing.
// They run synchronously inside Feed, on the goroutine servicing the
// connection's readiness event.
type Events interface {
	// StreamOpened announces a new peer-initiated stream; the listener
	// returns the session stream record the engine should populate.
	StreamOpened(id uint32) *session.Stream
	// HeadersComplete fires when the request header block is decoded.
	HeadersComplete(st *session.Stream)
	// StreamEnded fires when the request side of the exchange is complete
	// and the response-producing layer may run.
	StreamEnded(st *session.Stream)
	// StreamClosed fires when the stream is done or reset; the listener
	// releases the stream's resources.
	StreamClosed(id uint32)
	// StreamSuspended fires when response body production stalls because
	// the peer's flow-control window is exhausted.
	StreamSuspended(id uint32)
	// WindowAvailable fires when a window update makes a previously
	// stalled stream writable again.
	WindowAvailable(id uint32)
}

// Options carry the locally advertised protocol settings.
type Options struct {
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	InitialWindowSize    uint32
}

// DefaultOptions mirror the protocol defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
	}
}
