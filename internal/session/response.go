package session

import (
	"io"
	"sync/atomic"
)

// SizeUnknown marks a streamed response whose total body size is not known
// up front.
const SizeUnknown int64 = -1

// Response is a shared, reference-counted artifact: a status line's worth of
// headers plus a body. The same response may be queued on a stream while the
// component that created it still holds it, so its lifetime is the longest
// holder's. The count is atomic because the creating side may live on a
// different goroutine than the connection servicing the stream.
type Response struct {
	refs atomic.Int32

	Headers [][2]string
	// Body holds the full body when the size is known. Reader supplies a
	// streamed body when TotalSize is SizeUnknown.
	Body      []byte
	Reader    io.Reader
	TotalSize int64

	released func()
}

// NewResponse creates a fixed-size response owned by the caller (count 1).
func NewResponse(body []byte, headers ...[2]string) *Response {
	r := &Response{
		Headers:   headers,
		Body:      body,
		TotalSize: int64(len(body)),
	}
	r.refs.Store(1)
	return r
}

// NewStreamedResponse creates a response whose body is pulled from rd.
// Pass SizeUnknown when the length cannot be declared.
func NewStreamedResponse(rd io.Reader, totalSize int64, headers ...[2]string) *Response {
	r := &Response{
		Headers:   headers,
		Reader:    rd,
		TotalSize: totalSize,
	}
	r.refs.Store(1)
	return r
}

// AddHeader appends a header to the response.
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, [2]string{name, value})
}

// Ref adds a shared holder.
func (r *Response) Ref() { r.refs.Add(1) }

// Unref drops one holder; the last drop frees the body. Callers must not
// touch the response after their final Unref.
func (r *Response) Unref() {
	if r.refs.Add(-1) > 0 {
		return
	}
	r.Body = nil
	r.Reader = nil
	if r.released != nil {
		r.released()
	}
}

// RefCount exposes the current holder count for diagnostics and tests.
func (r *Response) RefCount() int32 { return r.refs.Load() }

// OnRelease registers a hook invoked when the last holder drops.
func (r *Response) OnRelease(fn func()) { r.released = fn }
