package engine

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/veloxhttp/velox/internal/buffer"
	"github.com/veloxhttp/velox/internal/preface"
	"github.com/veloxhttp/velox/internal/session"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// eventLog implements Events over a real session and records every callback.
type eventLog struct {
	sess      *session.Session
	opened    []uint32
	headers   []uint32
	ended     []uint32
	closed    []uint32
	suspended []uint32
	resumable []uint32
}

func (l *eventLog) StreamOpened(id uint32) *session.Stream {
	l.opened = append(l.opened, id)
	return l.sess.OpenStream(id)
}
func (l *eventLog) HeadersComplete(st *session.Stream) { l.headers = append(l.headers, st.ID) }
func (l *eventLog) StreamEnded(st *session.Stream)     { l.ended = append(l.ended, st.ID) }
func (l *eventLog) StreamClosed(id uint32) {
	l.closed = append(l.closed, id)
	l.sess.CloseStream(id)
}
func (l *eventLog) StreamSuspended(id uint32) { l.suspended = append(l.suspended, id) }
func (l *eventLog) WindowAvailable(id uint32) { l.resumable = append(l.resumable, id) }

func newTestEngine(opts Options) (*FramerEngine, *eventLog) {
	l := &eventLog{}
	e := NewFramerEngine(l, opts)
	l.sess = session.New(e)
	return e, l
}

type frameInfo struct {
	typ      http2.FrameType
	streamID uint32
	flags    http2.Flags
	data     []byte
}

// drainFrames moves the engine's pending output through a write buffer and
// parses it back into frame summaries.
func drainFrames(t *testing.T, e *FramerEngine, produce bool) []frameInfo {
	t.Helper()
	wb := buffer.NewWriteBuffer(0)
	var err error
	if produce {
		err = e.FillOutput(wb)
	} else {
		err = e.Flush(wb)
	}
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	fr := http2.NewFramer(nil, bytes.NewReader(wb.Pending()))
	var out []frameInfo
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("parse output: %v", err)
		}
		fi := frameInfo{typ: f.Header().Type, streamID: f.Header().StreamID, flags: f.Header().Flags}
		if df, ok := f.(*http2.DataFrame); ok {
			fi.data = append([]byte(nil), df.Data()...)
		}
		out = append(out, fi)
	}
}

// clientWriter builds the byte stream a client would send.
type clientWriter struct {
	buf  bytes.Buffer
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
}

func newClientWriter(withPreface bool) *clientWriter {
	c := &clientWriter{}
	c.fr = http2.NewFramer(&c.buf, nil)
	c.henc = hpack.NewEncoder(&c.hbuf)
	if withPreface {
		c.buf.WriteString(preface.Token)
	}
	return c
}

func (c *clientWriter) settings(settings ...http2.Setting) *clientWriter {
	_ = c.fr.WriteSettings(settings...)
	return c
}

func (c *clientWriter) headers(id uint32, endStream bool, fields ...[2]string) *clientWriter {
	c.hbuf.Reset()
	for _, f := range fields {
		_ = c.henc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]})
	}
	_ = c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: append([]byte(nil), c.hbuf.Bytes()...),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	return c
}

func getRequest(id uint32) [][2]string {
	return [][2]string{
		{":method", "GET"}, {":scheme", "https"}, {":path", "/"}, {":authority", "example.test"},
	}
}

func feedAll(t *testing.T, e *FramerEngine, c *clientWriter) {
	t.Helper()
	p := c.buf.Bytes()
	n, err := e.Feed(p)
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if n != len(p) {
		t.Fatalf("Feed() consumed %d of %d bytes", n, len(p))
	}
	c.buf.Reset()
}

func TestNewEngine_AdvertisesSettings(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	if !e.WantWrite() {
		t.Fatal("WantWrite() = false before any input; the settings frame is already queued")
	}
	frames := drainFrames(t, e, false)
	if len(frames) != 1 || frames[0].typ != http2.FrameSettings {
		t.Fatalf("initial output = %+v, want a single SETTINGS frame", frames)
	}
	if frames[0].flags.Has(http2.FlagSettingsAck) {
		t.Error("initial SETTINGS frame carries the ack flag")
	}
}

func TestFeed_RejectsBadPreface(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	garbage := []byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	if _, err := e.Feed(garbage); !errors.Is(err, ErrBadClientMagic) {
		t.Fatalf("Feed() error = %v, want ErrBadClientMagic", err)
	}
}

func TestFeed_PartialPrefaceWaits(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	n, err := e.Feed([]byte(preface.Token[:10]))
	if err != nil || n != 10 {
		t.Fatalf("Feed() = (%d, %v), want (10, nil)", n, err)
	}
	if !e.WantRead() {
		t.Error("WantRead() = false while the preface is incomplete")
	}
	n, err = e.Feed([]byte(preface.Token[10:]))
	if err != nil || n != preface.TokenLen-10 {
		t.Fatalf("Feed() = (%d, %v) on preface remainder", n, err)
	}
}

func TestFeed_RequestLifecycle(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	feedAll(t, e, newClientWriter(true).settings().headers(1, true, getRequest(1)...))

	if len(l.opened) != 1 || l.opened[0] != 1 {
		t.Fatalf("opened = %v, want [1]", l.opened)
	}
	if len(l.headers) != 1 || len(l.ended) != 1 {
		t.Fatalf("headers = %v, ended = %v; want one of each", l.headers, l.ended)
	}
	st, ok := l.sess.Stream(1)
	if !ok {
		t.Fatal("stream 1 not registered in the session")
	}
	if st.Method != "GET" || st.Path != "/" || st.Authority != "example.test" {
		t.Errorf("decoded request = %q %q %q", st.Method, st.Path, st.Authority)
	}

	frames := drainFrames(t, e, false)
	var sawAck bool
	for _, f := range frames {
		if f.typ == http2.FrameSettings && f.flags.Has(http2.FlagSettingsAck) {
			sawAck = true
		}
	}
	if !sawAck {
		t.Errorf("output %+v missing SETTINGS ack", frames)
	}
}

func TestResponse_HeadersThenBody(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	feedAll(t, e, newClientWriter(true).settings().headers(1, true, getRequest(1)...))
	drainFrames(t, e, false)

	l.sess.SetCurrent(1)
	resp := session.NewResponse([]byte("hello, stream"), [2]string{"content-type", "text/plain"})
	if err := l.sess.QueueResponse(200, resp); err != nil {
		t.Fatalf("QueueResponse() error = %v", err)
	}

	frames := drainFrames(t, e, true)
	if len(frames) != 2 {
		t.Fatalf("output = %+v, want HEADERS then DATA", frames)
	}
	if frames[0].typ != http2.FrameHeaders || frames[0].flags.Has(http2.FlagHeadersEndStream) {
		t.Errorf("first frame = %+v, want HEADERS without END_STREAM", frames[0])
	}
	if frames[1].typ != http2.FrameData || !frames[1].flags.Has(http2.FlagDataEndStream) {
		t.Errorf("second frame = %+v, want DATA with END_STREAM", frames[1])
	}
	if string(frames[1].data) != "hello, stream" {
		t.Errorf("body = %q", frames[1].data)
	}
	if len(l.closed) != 1 || l.closed[0] != 1 {
		t.Errorf("closed = %v, want [1] once the body completes", l.closed)
	}
}

func TestResponse_HeadRequestSuppressesBody(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	fields := getRequest(1)
	fields[0] = [2]string{":method", "HEAD"}
	feedAll(t, e, newClientWriter(true).settings().headers(1, true, fields...))
	drainFrames(t, e, false)

	l.sess.SetCurrent(1)
	resp := session.NewResponse([]byte("phantom body"))
	if err := l.sess.QueueResponse(200, resp); err != nil {
		t.Fatalf("QueueResponse() error = %v", err)
	}

	frames := drainFrames(t, e, true)
	if len(frames) != 1 || frames[0].typ != http2.FrameHeaders {
		t.Fatalf("output = %+v, want a single HEADERS frame", frames)
	}
	if !frames[0].flags.Has(http2.FlagHeadersEndStream) {
		t.Error("HEADERS frame missing END_STREAM on a bodiless exchange")
	}
	if len(l.closed) != 1 {
		t.Errorf("closed = %v, want the stream completed at the header frame", l.closed)
	}
}

func TestFlowControl_SuspendAndResume(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	c := newClientWriter(true).
		settings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4}).
		headers(1, true, getRequest(1)...)
	feedAll(t, e, c)
	drainFrames(t, e, false)

	l.sess.SetCurrent(1)
	resp := session.NewResponse([]byte("0123456789"))
	if err := l.sess.QueueResponse(200, resp); err != nil {
		t.Fatalf("QueueResponse() error = %v", err)
	}

	frames := drainFrames(t, e, true)
	if len(frames) != 2 || frames[1].typ != http2.FrameData {
		t.Fatalf("output = %+v, want HEADERS then a window-limited DATA frame", frames)
	}
	if string(frames[1].data) != "0123" {
		t.Errorf("first chunk = %q, want the 4 bytes the window allows", frames[1].data)
	}
	if frames[1].flags.Has(http2.FlagDataEndStream) {
		t.Error("END_STREAM set with body bytes still pending")
	}
	if len(l.suspended) != 1 || l.suspended[0] != 1 {
		t.Fatalf("suspended = %v, want [1]", l.suspended)
	}
	if e.WantWrite() {
		t.Error("WantWrite() = true while the only stream is flow-control blocked")
	}

	c2 := newClientWriter(false)
	_ = c2.fr.WriteWindowUpdate(1, 100)
	feedAll(t, e, c2)
	if len(l.resumable) != 1 || l.resumable[0] != 1 {
		t.Fatalf("resumable = %v, want [1] after the window refills", l.resumable)
	}

	frames = drainFrames(t, e, true)
	if len(frames) != 1 || frames[0].typ != http2.FrameData {
		t.Fatalf("output = %+v, want the remaining DATA frame", frames)
	}
	if string(frames[0].data) != "456789" || !frames[0].flags.Has(http2.FlagDataEndStream) {
		t.Errorf("final chunk = %q (end stream %v)", frames[0].data, frames[0].flags.Has(http2.FlagDataEndStream))
	}
	if len(l.closed) != 1 {
		t.Errorf("closed = %v, want [1]", l.closed)
	}
}

func TestFeed_RequestBodyAccumulates(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	c := newClientWriter(true).settings().headers(1, false,
		[2]string{":method", "POST"}, [2]string{":scheme", "https"},
		[2]string{":path", "/upload"}, [2]string{":authority", "example.test"})
	_ = c.fr.WriteData(1, false, []byte("part one "))
	_ = c.fr.WriteData(1, true, []byte("part two"))
	feedAll(t, e, c)

	st, _ := l.sess.Stream(1)
	if string(st.Body) != "part one part two" {
		t.Errorf("Body = %q", st.Body)
	}
	if len(l.ended) != 1 {
		t.Errorf("ended = %v, want [1] at the final DATA frame", l.ended)
	}

	frames := drainFrames(t, e, false)
	var updates int
	for _, f := range frames {
		if f.typ == http2.FrameWindowUpdate {
			updates++
		}
	}
	if updates != 4 {
		t.Errorf("window updates = %d, want 4 (stream and connection, per DATA frame)", updates)
	}
}

// scriptedReader serves one scripted chunk per Read call; an empty chunk
// models a body source with nothing available right now.
type scriptedReader struct {
	chunks []string
	next   int
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if r.next >= len(r.chunks) {
		return 0, io.EOF
	}
	c := r.chunks[r.next]
	r.next++
	return copy(p, c), nil
}

func TestStreamedResponse_NoEmptyDataFrames(t *testing.T) {
	e, l := newTestEngine(DefaultOptions())
	feedAll(t, e, newClientWriter(true).settings().headers(1, true, getRequest(1)...))
	drainFrames(t, e, false)

	l.sess.SetCurrent(1)
	rd := &scriptedReader{chunks: []string{"", "streamed"}}
	resp := session.NewStreamedResponse(rd, session.SizeUnknown)
	if err := l.sess.QueueResponse(200, resp); err != nil {
		t.Fatalf("QueueResponse() error = %v", err)
	}

	// First pass: the reader has nothing yet. HEADERS only, no DATA.
	frames := drainFrames(t, e, true)
	for _, f := range frames {
		if f.typ == http2.FrameData {
			t.Fatalf("output = %+v; empty reads must not produce DATA frames", frames)
		}
	}

	// Second pass: a chunk arrives, then EOF ends the stream.
	frames = drainFrames(t, e, true)
	var data []frameInfo
	for _, f := range frames {
		if f.typ == http2.FrameData {
			data = append(data, f)
		}
	}
	if len(data) == 0 || string(data[0].data) != "streamed" {
		t.Fatalf("DATA frames = %+v, want the streamed chunk", data)
	}
	for _, f := range data {
		if len(f.data) == 0 && !f.flags.Has(http2.FlagDataEndStream) {
			t.Errorf("zero-length DATA frame without END_STREAM: %+v", f)
		}
	}
	if !data[len(data)-1].flags.Has(http2.FlagDataEndStream) {
		t.Error("final DATA frame missing END_STREAM")
	}
}

func TestFeed_OversizedFrameRejected(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())

	length := 20000 // above the advertised 16384 maximum
	var buf bytes.Buffer
	buf.WriteString(preface.Token)
	buf.Write([]byte{byte(length >> 16), byte(length >> 8), byte(length)})
	buf.Write([]byte{0x0, 0x0})          // DATA, no flags
	buf.Write([]byte{0x0, 0x0, 0x0, 0x1}) // stream 1
	buf.Write(make([]byte, length))

	if _, err := e.Feed(buf.Bytes()); err == nil {
		t.Fatal("Feed() accepted a frame above the advertised max frame size")
	}
}

func TestSubmitShutdown_Idempotent(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	drainFrames(t, e, false) // discard the settings frame

	e.SubmitShutdown(7, http2.ErrCodeProtocol)
	e.SubmitShutdown(7, http2.ErrCodeProtocol)
	if e.WantRead() {
		t.Error("WantRead() = true after shutdown was submitted")
	}
	frames := drainFrames(t, e, false)
	if len(frames) != 1 || frames[0].typ != http2.FrameGoAway {
		t.Fatalf("output = %+v, want exactly one GOAWAY", frames)
	}
}

func TestFeed_PingIsEchoed(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	c := newClientWriter(true).settings()
	_ = c.fr.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	feedAll(t, e, c)

	frames := drainFrames(t, e, false)
	var sawPingAck bool
	for _, f := range frames {
		if f.typ == http2.FramePing && f.flags.Has(http2.FlagPingAck) {
			sawPingAck = true
		}
	}
	if !sawPingAck {
		t.Errorf("output = %+v, missing PING ack", frames)
	}
}

func TestFeed_PushPromiseIsFatal(t *testing.T) {
	e, _ := newTestEngine(DefaultOptions())
	c := newClientWriter(true).settings()
	_ = c.fr.WritePushPromise(http2.PushPromiseParam{StreamID: 1, PromiseID: 2, EndHeaders: true})
	if _, err := e.Feed(c.buf.Bytes()); err == nil {
		t.Fatal("Feed() accepted a client PUSH_PROMISE")
	}
}
