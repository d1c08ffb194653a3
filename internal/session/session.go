// Package session holds the per-connection protocol session: the set of
// multiplexed streams, the currently active stream, and the shared response
// objects attached to streams for transmission.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNoActiveStream is reported when a response is queued while no
	// stream is receiving callback attention. It is a local failure; the
	// connection stays up.
	ErrNoActiveStream = errors.New("session: no active stream")
	// ErrFrameBuild is reported when header frame construction fails after
	// a response was attached. The caller is expected to close the
	// connection; the response stays attached and is released with the
	// stream.
	ErrFrameBuild = errors.New("session: header frame construction failed")
)

// FrameBuilder is the slice of the protocol engine the session needs to turn
// an attached response into wire frames.
type FrameBuilder interface {
	BuildHeaderFrame(st *Stream, statusCode int, resp *Response) error
}

// Stream is one multiplexed request/response exchange within a Session. It
// is created when the engine announces a new stream and destroyed when the
// engine signals stream close; it never outlives its session.
type Stream struct {
	ID        uint32
	Method    string
	Path      string
	Authority string
	Headers   [][2]string
	Body      []byte

	// Response state. A response is attached at most once unless reset;
	// WritePos counts body bytes already handed to the engine and never
	// exceeds Response.TotalSize when the size is known.
	Response     *Response
	ResponseCode int
	WritePos     int64
	// Suppressed marks HEAD and 1xx/204/304 exchanges whose declared body
	// must never be materialized on the wire.
	Suppressed bool
}

// BodyComplete reports whether no response body bytes remain to hand to the
// engine.
func (st *Stream) BodyComplete() bool {
	if st.Response == nil || st.Suppressed {
		return true
	}
	if st.Response.TotalSize < 0 {
		return false
	}
	return st.WritePos >= st.Response.TotalSize
}

// Session owns the handle to the protocol engine for one upgraded
// connection. Fields are mutated only by the goroutine currently servicing
// the connection's readiness event, so no locking is needed here.
type Session struct {
	// ID is a diagnostic identifier carried in logs.
	ID string

	builder FrameBuilder

	currentStreamID uint32
	acceptedMax     uint32

	streams   map[uint32]*Stream
	suspended map[uint32]struct{}
	closed    bool
}

// New creates a session bound to the given frame builder.
func New(builder FrameBuilder) *Session {
	return &Session{
		ID:        uuid.NewString(),
		builder:   builder,
		streams:   make(map[uint32]*Stream),
		suspended: make(map[uint32]struct{}),
	}
}

// OpenStream registers a new stream announced by the engine and records it
// as the highest acknowledged stream id for orderly shutdown.
func (s *Session) OpenStream(id uint32) *Stream {
	st := &Stream{ID: id}
	s.streams[id] = st
	if id > s.acceptedMax {
		s.acceptedMax = id
	}
	return st
}

// Stream looks up a live stream by id.
func (s *Session) Stream(id uint32) (*Stream, bool) {
	st, ok := s.streams[id]
	return st, ok
}

// StreamCount returns the number of live streams.
func (s *Session) StreamCount() int { return len(s.streams) }

// AcceptedMax returns the last stream id acknowledged, used when emitting a
// shutdown frame.
func (s *Session) AcceptedMax() uint32 { return s.acceptedMax }

// SetCurrent records the stream currently receiving callback attention.
func (s *Session) SetCurrent(id uint32) { s.currentStreamID = id }

// Current returns the stream currently receiving callback attention.
func (s *Session) Current() uint32 { return s.currentStreamID }

// CloseStream destroys a stream and releases its share of the attached
// response, if any. Closing an unknown id is a no-op.
func (s *Session) CloseStream(id uint32) {
	st, ok := s.streams[id]
	if !ok {
		return
	}
	delete(s.streams, id)
	delete(s.suspended, id)
	if st.Response != nil {
		st.Response.Unref()
		st.Response = nil
	}
}

// Suspend marks a stream as flow-control-blocked: the engine cannot emit
// more body data until the peer's window refills.
func (s *Session) Suspend(id uint32) {
	if _, ok := s.streams[id]; ok {
		s.suspended[id] = struct{}{}
	}
}

// Resume moves a stream back into the runnable set after the engine reports
// window availability. It reports whether the stream was suspended, in which
// case the caller must re-request write interest.
func (s *Session) Resume(id uint32) bool {
	if _, ok := s.suspended[id]; !ok {
		return false
	}
	delete(s.suspended, id)
	return true
}

// SuspendedCount returns the number of flow-control-blocked streams.
func (s *Session) SuspendedCount() int { return len(s.suspended) }

// QueueResponse attaches a response to the currently active stream. On
// success the session holds its own reference to the response; the caller's
// reference is untouched. Status codes that forbid a body (1xx, 204, 304)
// and HEAD exchanges are marked so the frame producer reports the body as
// already sent without materializing any bytes. The engine is asked to build
// the header frame immediately; a build failure leaves the response attached
// but abandons transmission, and the caller should close the connection.
func (s *Session) QueueResponse(statusCode int, resp *Response) error {
	st, ok := s.streams[s.currentStreamID]
	if !ok {
		return ErrNoActiveStream
	}

	resp.Ref()
	if st.Response != nil {
		// Replacing an attached response releases the stream's share of
		// the previous one.
		st.Response.Unref()
	}
	st.Response = resp
	st.ResponseCode = statusCode

	if strings.EqualFold(st.Method, "HEAD") ||
		statusCode < 200 ||
		statusCode == 204 ||
		statusCode == 304 {
		// Pretend the full body has already been sent.
		st.WritePos = resp.TotalSize
		st.Suppressed = true
	} else {
		st.WritePos = 0
		st.Suppressed = false
	}

	if err := s.builder.BuildHeaderFrame(st, statusCode, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameBuild, err)
	}
	return nil
}

// Close destroys the session: every live stream is closed and its response
// share released. Closing twice is a no-op.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.streams {
		s.CloseStream(id)
	}
}
