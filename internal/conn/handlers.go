package conn

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/veloxhttp/velox/internal/engine"
	"github.com/veloxhttp/velox/internal/h1"
	"github.com/veloxhttp/velox/internal/preface"
	"github.com/veloxhttp/velox/internal/session"
)

// negotiator is the handler wired while the protocol version is unknown. It
// reads, sniffs the preface, and swaps in the real handler.
type negotiator struct{}

func (n *negotiator) handleRead(c *Conn) {
	if c.receiveOnce() < 0 {
		return
	}
	n.negotiate(c)
}

func (n *negotiator) handleIdle(c *Conn) { n.negotiate(c) }

func (n *negotiator) handleWrite(c *Conn) { c.sendPending() }

func (n *negotiator) close(c *Conn) {}

func (n *negotiator) negotiate(c *Conn) {
	switch preface.Sniff(c.rb.Bytes()) {
	case preface.Undetermined:
		// Too few bytes to commit either way; wait for the next read.
	case preface.HTTP2:
		c.upgradeV2()
	case preface.NotHTTP2:
		c.upgradeV1()
	}
}

func (c *Conn) upgradeV2() {
	h := &v2Handler{c: c}
	c.eng = engine.NewFramerEngine(h, c.opts.Engine)
	c.sess = session.New(c.eng)
	c.vh = h
	c.state = StateActive
	if verboseLogging {
		c.logger.Printf("conn: upgraded to h2 session=%s", c.sess.ID)
	}
	// Server settings are already queued; the peer is waiting for them.
	c.requestWrite()
	h.handleIdle(c)
}

func (c *Conn) upgradeV1() {
	c.vh = &v1Handler{}
	c.state = StateActive
	c.vh.handleIdle(c)
}

// v2Handler drives an upgraded connection and receives the engine's stream
// callbacks.
type v2Handler struct {
	c *Conn
}

func (h *v2Handler) handleRead(c *Conn) {
	if c.receiveOnce() < 0 {
		return
	}
	h.handleIdle(c)
}

// handleIdle drains the unconsumed read region into the engine.
func (h *v2Handler) handleIdle(c *Conn) {
	if c.sess == nil {
		c.finalize(ReasonProtocolError)
		return
	}
	if p := c.rb.Unconsumed(); len(p) > 0 {
		n, err := c.eng.Feed(p)
		if err != nil {
			c.protocolError(err)
			return
		}
		c.rb.Consume(n)
		c.lastActivity = time.Now()
	}
	if c.eng.WantWrite() {
		c.requestWrite()
	}
}

func (h *v2Handler) handleWrite(c *Conn) {
	if c.state == StateActive {
		if err := c.eng.FillOutput(c.wb); err != nil {
			c.protocolError(err)
		}
	}
	if !c.sendPending() {
		return
	}
	if !c.wb.Empty() {
		return
	}
	switch {
	case c.state == StateClosing:
		c.finalize(ReasonOrderly)
	case !c.eng.WantRead() && !c.eng.WantWrite():
		// Engine is done in both directions and everything is on the wire.
		c.finalize(ReasonOrderly)
	}
}

func (h *v2Handler) close(c *Conn) {}

// Engine callbacks. These run synchronously inside Feed.

func (h *v2Handler) StreamOpened(id uint32) *session.Stream {
	return h.c.sess.OpenStream(id)
}

func (h *v2Handler) HeadersComplete(st *session.Stream) {
	if verboseLogging {
		h.c.logger.Printf("conn: headers complete stream=%d %s %s", st.ID, st.Method, st.Path)
	}
}

// StreamEnded dispatches the application handler for a completed request.
func (h *v2Handler) StreamEnded(st *session.Stream) {
	c := h.c
	c.sess.SetCurrent(st.ID)
	if c.opts.Handler == nil {
		h.respondError(st, 404)
		return
	}
	if err := c.opts.Handler.ServeStream(context.Background(), st, c.sess); err != nil {
		if errors.Is(err, session.ErrFrameBuild) {
			c.protocolError(err)
			return
		}
		c.logger.Printf("conn: handler failed stream=%d: %v", st.ID, err)
		if st.Response == nil {
			h.respondError(st, 500)
		}
	}
	c.requestWrite()
}

func (h *v2Handler) respondError(st *session.Stream, code int) {
	resp := session.NewResponse(nil)
	defer resp.Unref()
	if err := h.c.sess.QueueResponse(code, resp); err != nil && errors.Is(err, session.ErrFrameBuild) {
		h.c.protocolError(err)
	}
}

func (h *v2Handler) StreamClosed(id uint32) {
	h.c.sess.CloseStream(id)
}

func (h *v2Handler) StreamSuspended(id uint32) {
	h.c.sess.Suspend(id)
}

func (h *v2Handler) WindowAvailable(id uint32) {
	if h.c.sess.Resume(id) {
		h.c.requestWrite()
	}
}

// v1Handler serves the legacy request/response path: one request parsed at a
// time from the read buffer, the response serialized straight into the write
// buffer.
type v1Handler struct {
	closing bool
}

func (h *v1Handler) handleRead(c *Conn) {
	if c.receiveOnce() < 0 {
		return
	}
	h.handleIdle(c)
}

func (h *v1Handler) handleIdle(c *Conn) {
	for !h.closing {
		req, n, err := h1.Parse(c.rb.Unconsumed())
		if err != nil {
			_ = h1.WriteResponse(c.wb, 400, nil, nil, false, false)
			h.closing = true
			c.state = StateClosing
			if c.reason == ReasonNone {
				c.reason = ReasonProtocolError
			}
			c.requestWrite()
			return
		}
		if req == nil {
			return
		}
		c.rb.Consume(n)
		c.lastActivity = time.Now()
		h.serve(c, req)
	}
}

func (h *v1Handler) serve(c *Conn, req *h1.Request) {
	st := &session.Stream{
		Method:    req.Method,
		Path:      req.Target,
		Authority: req.Host,
		Headers:   req.Headers,
		Body:      req.Body,
	}
	w := &v1Responder{c: c, req: req}
	if c.opts.Handler == nil {
		w.respondEmpty(404)
	} else if err := c.opts.Handler.ServeStream(context.Background(), st, w); err != nil {
		c.logger.Printf("conn: handler failed %s %s: %v", req.Method, req.Target, err)
	}
	if !w.done {
		w.respondEmpty(500)
	}
	if !req.KeepAlive {
		h.closing = true
		c.state = StateClosing
	}
	c.requestWrite()
}

func (h *v1Handler) handleWrite(c *Conn) {
	if !c.sendPending() {
		return
	}
	if c.state == StateClosing && c.wb.Empty() {
		c.finalize(ReasonOrderly)
	}
}

func (h *v1Handler) close(c *Conn) {}

// v1Responder adapts the stream responder contract onto plain-text response
// serialization. Exactly one response is accepted per request.
type v1Responder struct {
	c    *Conn
	req  *h1.Request
	done bool
}

func (w *v1Responder) QueueResponse(statusCode int, resp *session.Response) error {
	if w.done {
		return session.ErrNoActiveStream
	}
	w.done = true
	resp.Ref()
	defer resp.Unref()

	body := resp.Body
	if resp.Reader != nil {
		b, err := io.ReadAll(resp.Reader)
		if err != nil {
			return err
		}
		body = b
	}
	suppress := strings.EqualFold(w.req.Method, "HEAD") ||
		statusCode < 200 || statusCode == 204 || statusCode == 304
	return h1.WriteResponse(w.c.wb, statusCode, resp.Headers, body, w.req.KeepAlive, suppress)
}

func (w *v1Responder) respondEmpty(statusCode int) {
	resp := session.NewResponse(nil)
	_ = w.QueueResponse(statusCode, resp)
	resp.Unref()
}
