// Package conn implements the per-connection state machine bridging a
// non-blocking socket to the protocol engine: version negotiation, buffer
// management, readiness interest, and the close lifecycle.
package conn

import (
	"io"
	"log"
	"time"

	"github.com/veloxhttp/velox/internal/buffer"
	"github.com/veloxhttp/velox/internal/engine"
	"github.com/veloxhttp/velox/internal/session"
	"github.com/veloxhttp/velox/internal/transport"
	"golang.org/x/net/http2"
)

// verboseLogging gates per-event connection tracing. Compiled out in normal
// builds.
const verboseLogging = false

// readIncrement is how much headroom a read pass guarantees before receiving.
const readIncrement = 4096

// State is the connection lifecycle position.
type State int

const (
	// StateNegotiating means the protocol version is still undetermined.
	StateNegotiating State = iota
	// StateActive means version handlers are wired and traffic flows.
	StateActive
	// StateClosing means a shutdown frame was queued or the peer closed;
	// remaining output is draining.
	StateClosing
	// StateClosed is terminal: session and buffers are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// CloseReason records why a connection terminated. The first reason recorded
// wins; later close calls keep it.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonOrderly
	ReasonClientAbort
	ReasonPeerReset
	ReasonReadError
	ReasonWriteError
	ReasonProtocolError
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonOrderly:
		return "orderly completion"
	case ReasonClientAbort:
		return "client abort"
	case ReasonPeerReset:
		return "reset by peer"
	case ReasonReadError:
		return "read error"
	case ReasonWriteError:
		return "write error"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonShutdown:
		return "local shutdown"
	default:
		return "none"
	}
}

// Interest is the advisory readiness bitmask handed to the host event loop.
type Interest uint8

const (
	InterestRead  Interest = 1 << iota
	InterestWrite
)

func (i Interest) Read() bool  { return i&InterestRead != 0 }
func (i Interest) Write() bool { return i&InterestWrite != 0 }

// Options configure one connection.
type Options struct {
	ReadBufferSize  int
	MaxReadBuffer   int
	WriteBufferSize int
	Engine          engine.Options
	Handler         session.Handler
	Logger          *log.Logger
	// NotifyWrite asks the host event loop for a write-readiness pass. It
	// is advisory and must never block.
	NotifyWrite func()
}

// versionHandler is the per-protocol-version behavior selected once at
// negotiation.
type versionHandler interface {
	handleRead(c *Conn)
	handleIdle(c *Conn)
	handleWrite(c *Conn)
	close(c *Conn)
}

// Conn aggregates one socket, its two buffers, the optional protocol
// session, and lifecycle state. All fields are mutated only by the goroutine
// servicing this connection's readiness events.
type Conn struct {
	tc     transport.Conn
	opts   Options
	logger *log.Logger

	rb *buffer.ReadBuffer
	wb *buffer.WriteBuffer

	state  State
	reason CloseReason
	vh     versionHandler

	sess *session.Session
	eng  engine.Engine

	lastActivity time.Time
}

// New creates a negotiating connection over tc.
func New(tc transport.Conn, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.MaxReadBuffer <= 0 {
		opts.MaxReadBuffer = 1 << 20
	}
	c := &Conn{
		tc:           tc,
		opts:         opts,
		logger:       opts.Logger,
		rb:           buffer.NewReadBuffer(opts.ReadBufferSize),
		wb:           buffer.NewWriteBuffer(opts.WriteBufferSize),
		state:        StateNegotiating,
		lastActivity: time.Now(),
	}
	c.vh = &negotiator{}
	return c
}

// State returns the lifecycle position.
func (c *Conn) State() State { return c.state }

// Reason returns the recorded close reason.
func (c *Conn) Reason() CloseReason { return c.reason }

// Session returns the protocol session, nil before upgrade and after close.
func (c *Conn) Session() *session.Session { return c.sess }

// LastActivity returns the timestamp of the last productive I/O, for an
// external timeout reaper to consult.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// Interest reports, as a union, what readiness the connection wants next.
func (c *Conn) Interest() Interest {
	switch c.state {
	case StateClosed:
		return 0
	case StateClosing:
		if !c.wb.Empty() {
			return InterestWrite
		}
		return 0
	}
	var i Interest
	if c.eng == nil || c.eng.WantRead() {
		i |= InterestRead
	}
	if !c.wb.Empty() || (c.eng != nil && c.eng.WantWrite()) {
		i |= InterestWrite
	}
	return i
}

// HandleRead services a read-readiness event. A closing connection only
// drains output, so reads stop being serviced.
func (c *Conn) HandleRead() {
	if c.state == StateClosed || c.state == StateClosing {
		return
	}
	if verboseLogging {
		c.logger.Printf("conn: read event state=%s", c.state)
	}
	c.vh.handleRead(c)
}

// HandleIdle services an idle pass: buffered input is handed to whichever
// protocol layer is wired.
func (c *Conn) HandleIdle() {
	if c.state == StateClosed || c.state == StateClosing {
		return
	}
	c.vh.handleIdle(c)
}

// HandleWrite services a write-readiness event.
func (c *Conn) HandleWrite() {
	if c.state == StateClosed {
		return
	}
	if verboseLogging {
		c.logger.Printf("conn: write event pending=%d", len(c.wb.Pending()))
	}
	c.vh.handleWrite(c)
}

// Shutdown requests an orderly local close: for an upgraded connection a
// shutdown frame naming the last accepted stream is queued and the
// connection drains; otherwise it closes immediately.
func (c *Conn) Shutdown() {
	switch c.state {
	case StateClosed, StateClosing:
		return
	}
	if c.eng != nil {
		c.eng.SubmitShutdown(c.sess.AcceptedMax(), http2.ErrCodeNo)
		_ = c.eng.Flush(c.wb)
		c.state = StateClosing
		if c.reason == ReasonNone {
			c.reason = ReasonShutdown
		}
		c.requestWrite()
		return
	}
	c.finalize(ReasonShutdown)
}

// Abort terminates immediately without draining, for host-observed closes.
func (c *Conn) Abort() {
	c.finalize(ReasonClientAbort)
}

// finalize is the single terminal close path. It releases the session and
// both buffers exactly once; calling it again is a no-op.
func (c *Conn) finalize(reason CloseReason) {
	if c.state == StateClosed {
		return
	}
	if c.reason == ReasonNone {
		c.reason = reason
	}
	if c.vh != nil {
		c.vh.close(c)
	}
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	c.eng = nil
	c.rb.Release()
	c.wb.Release()
	c.state = StateClosed
	if verboseLogging {
		c.logger.Printf("conn: closed reason=%q", c.reason)
	}
}

// protocolError runs the decode-failure shutdown: one best-effort shutdown
// frame carrying the last accepted stream id, flush, then drain and close.
func (c *Conn) protocolError(err error) {
	c.logger.Printf("conn: protocol error: %v", err)
	if c.eng != nil && c.sess != nil {
		c.eng.SubmitShutdown(c.sess.AcceptedMax(), http2.ErrCodeProtocol)
		_ = c.eng.Flush(c.wb)
	}
	if c.reason == ReasonNone {
		c.reason = ReasonProtocolError
	}
	c.state = StateClosing
	if c.wb.Empty() {
		c.finalize(ReasonProtocolError)
		return
	}
	c.requestWrite()
}

func (c *Conn) requestWrite() {
	if c.opts.NotifyWrite != nil {
		c.opts.NotifyWrite()
	}
}

// receiveOnce performs one non-blocking receive into the read buffer's free
// region. It returns the byte count, 0 on would-block or backpressure, and
// -1 when the connection terminated.
func (c *Conn) receiveOnce() int {
	if !c.rb.EnsureHeadroom(readIncrement, c.opts.MaxReadBuffer) {
		return 0 // buffer full: back off until the engine drains it
	}
	n, err := c.tc.Recv(c.rb.Free())
	switch classified := transport.Classify(err); classified {
	case nil:
		if n == 0 {
			c.finalize(ReasonClientAbort)
			return -1
		}
		c.rb.Advance(n)
		c.lastActivity = time.Now()
		return n
	case transport.ErrWouldBlock:
		return 0
	case io.EOF:
		c.finalize(ReasonClientAbort)
		return -1
	case transport.ErrPeerReset:
		c.finalize(ReasonPeerReset)
		return -1
	default:
		c.logger.Printf("conn: receive failed: %v", classified)
		c.finalize(ReasonReadError)
		return -1
	}
}

// sendPending performs one non-blocking send of the write buffer's unsent
// slice. It reports whether the connection is still alive.
func (c *Conn) sendPending() bool {
	if c.wb.Empty() {
		return true
	}
	n, err := c.tc.Send(c.wb.Pending())
	switch classified := transport.Classify(err); classified {
	case nil:
		c.wb.DidSend(n)
		c.lastActivity = time.Now()
		return true
	case transport.ErrWouldBlock:
		c.requestWrite()
		return true
	case transport.ErrPeerReset, io.EOF:
		c.finalize(ReasonPeerReset)
		return false
	default:
		c.logger.Printf("conn: send failed: %v", classified)
		c.finalize(ReasonWriteError)
		return false
	}
}
