package engine

import (
	"bytes"
	"fmt"
	"io"

	"github.com/veloxhttp/velox/internal/buffer"
	"github.com/veloxhttp/velox/internal/preface"
	"github.com/veloxhttp/velox/internal/session"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// streamState is the engine's own view of one stream: the peer's send
// window, which frames have been emitted, and whether body production is
// stalled on flow control.
type streamState struct {
	st           *session.Stream
	sendWindow   int32
	headersSent  bool
	endSent      bool
	remoteClosed bool
	blocked      bool
}

// contState accumulates a header block split across CONTINUATION frames.
type contState struct {
	id       uint32
	frag     []byte
	end      bool
	trailers bool
}

// FramerEngine implements Engine on top of the x/net/http2 framer and HPACK
// codecs. It buffers fed bytes internally, so Feed consumes its whole input
// unless a fatal decode error stops the session.
type FramerEngine struct {
	events Events
	opts   Options

	in  bytes.Buffer // fed bytes awaiting parse
	out bytes.Buffer // serialized frames awaiting the write buffer

	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
	hdec *hpack.Decoder

	prefaceDone bool
	goAwaySent  bool
	peerClosed  bool

	peerMaxFrame      uint32
	peerInitialWindow int32
	connSendWindow    int32

	lastStreamID uint32
	streams      map[uint32]*streamState
	cont         *contState
}

// NewFramerEngine creates an engine and immediately queues the server
// SETTINGS frame, so a fresh session wants writability before any byte is
// fed (the preface acknowledgment the peer is waiting for).
func NewFramerEngine(events Events, opts Options) *FramerEngine {
	e := &FramerEngine{
		events:            events,
		opts:              opts,
		peerMaxFrame:      16384,
		peerInitialWindow: 65535,
		connSendWindow:    65535,
		streams:           make(map[uint32]*streamState),
	}
	e.fr = http2.NewFramer(&e.out, inReader{&e.in})
	// Inbound frames above the advertised SETTINGS_MAX_FRAME_SIZE are a
	// FRAME_SIZE_ERROR, not something to parse.
	e.fr.SetMaxReadFrameSize(opts.MaxFrameSize)
	e.henc = hpack.NewEncoder(&e.hbuf)
	e.hdec = hpack.NewDecoder(4096, nil)

	_ = e.fr.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: opts.MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
	)
	return e
}

// inReader drains the engine's inbound buffer for the framer. Feed only
// invokes ReadFrame once a whole frame is buffered, so a short read here
// would be a bug rather than a wait condition.
type inReader struct{ buf *bytes.Buffer }

func (r inReader) Read(p []byte) (int, error) {
	if r.buf.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return r.buf.Read(p)
}

// Feed implements Engine.
func (e *FramerEngine) Feed(p []byte) (int, error) {
	e.in.Write(p)

	if !e.prefaceDone {
		if e.in.Len() < preface.TokenLen {
			return len(p), nil
		}
		magic := e.in.Next(preface.TokenLen)
		if !bytes.Equal(magic, []byte(preface.Token)) {
			return 0, ErrBadClientMagic
		}
		e.prefaceDone = true
	}

	for e.in.Len() >= 9 {
		head := e.in.Bytes()
		length := int(uint32(head[0])<<16 | uint32(head[1])<<8 | uint32(head[2]))
		if e.in.Len() < 9+length {
			break
		}
		f, err := e.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				_ = e.fr.WriteRSTStream(se.StreamID, se.Code)
				e.closeStream(se.StreamID)
				continue
			}
			return 0, fmt.Errorf("engine: frame decode: %w", err)
		}
		if err := e.dispatch(f); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (e *FramerEngine) dispatch(f http2.Frame) error {
	if e.cont != nil {
		cf, ok := f.(*http2.ContinuationFrame)
		if !ok || cf.StreamID != e.cont.id {
			return fmt.Errorf("engine: expected CONTINUATION on stream %d, got %v", e.cont.id, f.Header().Type)
		}
		return e.handleContinuation(cf)
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return e.handleSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = e.fr.WritePing(true, f.Data)
		}
		return nil
	case *http2.WindowUpdateFrame:
		return e.handleWindowUpdate(f)
	case *http2.HeadersFrame:
		return e.handleHeaders(f)
	case *http2.ContinuationFrame:
		return fmt.Errorf("engine: CONTINUATION without preceding header block")
	case *http2.DataFrame:
		return e.handleData(f)
	case *http2.RSTStreamFrame:
		e.closeStream(f.StreamID)
		return nil
	case *http2.GoAwayFrame:
		e.peerClosed = true
		return nil
	case *http2.PushPromiseFrame:
		return fmt.Errorf("engine: client sent PUSH_PROMISE")
	default:
		// PRIORITY and unknown extension frames are ignored.
		return nil
	}
}

func (e *FramerEngine) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var fatal error
	_ = f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			if s.Val < 16384 || s.Val > (1<<24)-1 {
				fatal = fmt.Errorf("engine: SETTINGS_MAX_FRAME_SIZE out of range: %d", s.Val)
				return fatal
			}
			e.peerMaxFrame = s.Val
		case http2.SettingInitialWindowSize:
			if s.Val > 0x7fffffff {
				fatal = fmt.Errorf("engine: SETTINGS_INITIAL_WINDOW_SIZE too large: %d", s.Val)
				return fatal
			}
			delta := int32(s.Val) - e.peerInitialWindow
			e.peerInitialWindow = int32(s.Val)
			for _, ss := range e.streams {
				ss.sendWindow += delta
			}
		}
		return nil
	})
	if fatal != nil {
		return fatal
	}
	return e.fr.WriteSettingsAck()
}

func (e *FramerEngine) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.Increment == 0 {
		return fmt.Errorf("engine: WINDOW_UPDATE with zero increment on stream %d", f.StreamID)
	}
	if f.StreamID == 0 {
		next := int64(e.connSendWindow) + int64(f.Increment)
		if next > 0x7fffffff {
			return fmt.Errorf("engine: connection window overflow")
		}
		e.connSendWindow = int32(next)
		e.notifyUnblocked()
		return nil
	}
	ss, ok := e.streams[f.StreamID]
	if !ok {
		if f.StreamID > e.lastStreamID {
			return fmt.Errorf("engine: WINDOW_UPDATE on idle stream %d", f.StreamID)
		}
		return nil // already-closed stream, ignore
	}
	next := int64(ss.sendWindow) + int64(f.Increment)
	if next > 0x7fffffff {
		_ = e.fr.WriteRSTStream(f.StreamID, http2.ErrCodeFlowControl)
		e.closeStream(f.StreamID)
		return nil
	}
	ss.sendWindow = int32(next)
	if ss.blocked && ss.sendWindow > 0 && e.connSendWindow > 0 {
		ss.blocked = false
		e.events.WindowAvailable(f.StreamID)
	}
	return nil
}

// notifyUnblocked re-enables every stream that stalled on the connection
// window once it refills.
func (e *FramerEngine) notifyUnblocked() {
	if e.connSendWindow <= 0 {
		return
	}
	for id, ss := range e.streams {
		if ss.blocked && ss.sendWindow > 0 {
			ss.blocked = false
			e.events.WindowAvailable(id)
		}
	}
}

func (e *FramerEngine) handleHeaders(f *http2.HeadersFrame) error {
	ss, exists := e.streams[f.StreamID]
	if exists {
		// A header block on a live stream is only valid as trailers.
		if !f.StreamEnded() {
			return fmt.Errorf("engine: second HEADERS without END_STREAM on stream %d", f.StreamID)
		}
	} else {
		if f.StreamID%2 == 0 || f.StreamID <= e.lastStreamID {
			return fmt.Errorf("engine: invalid new stream id %d", f.StreamID)
		}
		if uint32(len(e.streams)) >= e.opts.MaxConcurrentStreams {
			_ = e.fr.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream)
			return nil
		}
		e.lastStreamID = f.StreamID
		ss = &streamState{
			st:         e.events.StreamOpened(f.StreamID),
			sendWindow: e.peerInitialWindow,
		}
		e.streams[f.StreamID] = ss
	}

	frag := append([]byte(nil), f.HeaderBlockFragment()...)
	if !f.HeadersEnded() {
		e.cont = &contState{id: f.StreamID, frag: frag, end: f.StreamEnded(), trailers: exists}
		return nil
	}
	return e.finishHeaderBlock(ss, frag, f.StreamEnded(), exists)
}

func (e *FramerEngine) handleContinuation(f *http2.ContinuationFrame) error {
	e.cont.frag = append(e.cont.frag, f.HeaderBlockFragment()...)
	if !f.HeadersEnded() {
		return nil
	}
	cs := e.cont
	e.cont = nil
	ss, ok := e.streams[cs.id]
	if !ok {
		return nil
	}
	return e.finishHeaderBlock(ss, cs.frag, cs.end, cs.trailers)
}

func (e *FramerEngine) finishHeaderBlock(ss *streamState, block []byte, endStream, trailers bool) error {
	var fields [][2]string
	e.hdec.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, [2]string{hf.Name, hf.Value})
	})
	if _, err := e.hdec.Write(block); err != nil {
		return fmt.Errorf("engine: header block decode: %w", err)
	}
	if err := e.hdec.Close(); err != nil {
		return fmt.Errorf("engine: header block decode: %w", err)
	}

	st := ss.st
	if trailers {
		st.Headers = append(st.Headers, fields...)
	} else {
		for _, h := range fields {
			switch h[0] {
			case ":method":
				st.Method = h[1]
			case ":path":
				st.Path = h[1]
			case ":authority":
				st.Authority = h[1]
			case ":scheme":
				// Recorded nowhere; the connection is the scheme.
			default:
				st.Headers = append(st.Headers, h)
			}
		}
		e.events.HeadersComplete(st)
	}

	if endStream {
		ss.remoteClosed = true
		e.events.StreamEnded(st)
	}
	return nil
}

func (e *FramerEngine) handleData(f *http2.DataFrame) error {
	ss, ok := e.streams[f.StreamID]
	if !ok {
		if f.StreamID > e.lastStreamID || f.StreamID == 0 {
			return fmt.Errorf("engine: DATA on idle stream %d", f.StreamID)
		}
		_ = e.fr.WriteRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
		return nil
	}
	if ss.remoteClosed {
		_ = e.fr.WriteRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
		e.closeStream(f.StreamID)
		return nil
	}

	data := f.Data()
	ss.st.Body = append(ss.st.Body, data...)
	if n := uint32(len(data)); n > 0 {
		// Replenish both receive windows right away; request bodies are
		// consumed as they arrive.
		_ = e.fr.WriteWindowUpdate(f.StreamID, n)
		_ = e.fr.WriteWindowUpdate(0, n)
	}
	if f.StreamEnded() {
		ss.remoteClosed = true
		e.events.StreamEnded(ss.st)
	}
	return nil
}

// BuildHeaderFrame implements Engine. The frame carries END_STREAM when the
// response declares no body bytes to send (suppressed or empty), in which
// case the stream completes here.
func (e *FramerEngine) BuildHeaderFrame(st *session.Stream, statusCode int, resp *session.Response) error {
	ss, ok := e.streams[st.ID]
	if !ok {
		return fmt.Errorf("engine: no stream %d", st.ID)
	}

	e.hbuf.Reset()
	if err := e.henc.WriteField(hpack.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", statusCode)}); err != nil {
		return err
	}
	for _, h := range resp.Headers {
		if err := e.henc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return err
		}
	}

	endStream := st.BodyComplete()
	block := e.hbuf.Bytes()
	maxFrame := int(e.peerMaxFrame)
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		if first {
			err := e.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      st.ID,
				BlockFragment: chunk,
				EndHeaders:    len(block) == 0,
				EndStream:     endStream,
			})
			if err != nil {
				return err
			}
			first = false
		} else {
			if err := e.fr.WriteContinuation(st.ID, len(block) == 0, chunk); err != nil {
				return err
			}
		}
	}

	ss.headersSent = true
	if endStream {
		ss.endSent = true
		e.closeStream(st.ID)
	}
	return nil
}

// FillOutput implements Engine: it first produces body frames for every
// stream with an attached response, bounded by the connection and stream
// windows and the peer's max frame size, then moves all serialized frames
// into the write buffer.
func (e *FramerEngine) FillOutput(wb *buffer.WriteBuffer) error {
	for id, ss := range e.streams {
		if !ss.headersSent || ss.endSent || ss.st.Response == nil || ss.st.Suppressed {
			continue
		}
		if err := e.produceBody(id, ss); err != nil {
			return err
		}
	}
	return e.Flush(wb)
}

// Flush implements Engine.
func (e *FramerEngine) Flush(wb *buffer.WriteBuffer) error {
	if e.out.Len() == 0 {
		return nil
	}
	_, _ = wb.Write(e.out.Bytes())
	e.out.Reset()
	return nil
}

func (e *FramerEngine) produceBody(id uint32, ss *streamState) error {
	st := ss.st
	resp := st.Response
	for {
		if e.connSendWindow <= 0 || ss.sendWindow <= 0 {
			if !ss.blocked {
				ss.blocked = true
				e.events.StreamSuspended(id)
			}
			return nil
		}
		allow := e.connSendWindow
		if ss.sendWindow < allow {
			allow = ss.sendWindow
		}
		if int32(e.peerMaxFrame) < allow {
			allow = int32(e.peerMaxFrame)
		}

		var chunk []byte
		var endStream bool
		if resp.Reader != nil {
			buf := make([]byte, allow)
			n, err := resp.Reader.Read(buf)
			if err != nil && err != io.EOF {
				return fmt.Errorf("engine: response body read: %w", err)
			}
			chunk = buf[:n]
			endStream = err == io.EOF
		} else {
			remaining := resp.Body[st.WritePos:]
			if int64(allow) < int64(len(remaining)) {
				chunk = remaining[:allow]
			} else {
				chunk = remaining
			}
			endStream = st.WritePos+int64(len(chunk)) >= resp.TotalSize
		}

		if len(chunk) == 0 && !endStream {
			// Streamed body with nothing available right now; emitting an
			// empty DATA frame would just burn a write pass.
			return nil
		}
		if err := e.fr.WriteData(id, endStream, chunk); err != nil {
			return err
		}
		st.WritePos += int64(len(chunk))
		e.connSendWindow -= int32(len(chunk))
		ss.sendWindow -= int32(len(chunk))

		if endStream {
			ss.endSent = true
			e.closeStream(id)
			return nil
		}
	}
}

// closeStream forgets the engine's record and notifies the listener, which
// owns the session-side stream.
func (e *FramerEngine) closeStream(id uint32) {
	if _, ok := e.streams[id]; !ok {
		return
	}
	delete(e.streams, id)
	e.events.StreamClosed(id)
}

// SubmitShutdown implements Engine.
func (e *FramerEngine) SubmitShutdown(lastStreamID uint32, code http2.ErrCode) {
	if e.goAwaySent {
		return
	}
	e.goAwaySent = true
	_ = e.fr.WriteGoAway(lastStreamID, code, nil)
}

// WantRead implements Engine.
func (e *FramerEngine) WantRead() bool {
	return !e.goAwaySent && !e.peerClosed
}

// WantWrite implements Engine.
func (e *FramerEngine) WantWrite() bool {
	if e.out.Len() > 0 {
		return true
	}
	for _, ss := range e.streams {
		if ss.headersSent && !ss.endSent && ss.st.Response != nil && !ss.st.Suppressed && !ss.blocked {
			return true
		}
	}
	return false
}
