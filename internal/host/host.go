// Package host runs connections on a gnet event loop, translating socket
// readiness into the connection layer's read/idle/write entry points.
package host

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/veloxhttp/velox/internal/conn"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// writeDrainRounds bounds how many write passes one drive round services
// before re-checking the read side.
const writeDrainRounds = 32

// driveRounds bounds read/idle/write cycles per traffic event; the loop
// exits earlier as soon as a round makes no progress on the staged input.
const driveRounds = 1024

// Config holds the listener configuration.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	IdleTimeout  time.Duration
	Logger       *log.Logger
	Conn         conn.Options
}

// Server hosts connections on a gnet event loop. It implements
// gnet.EventHandler.
type Server struct {
	gnet.BuiltinEventEngine
	cfg         Config
	logger      *log.Logger
	connections sync.Map // map[gnet.Conn]*hosted
	ctx         context.Context
	cancel      context.CancelFunc
	engine      gnet.Engine
	draining    atomic.Bool
}

// hosted pairs one gnet socket with its connection state machine. driving
// marks that a drive pass is running on the loop goroutine, so write
// interest raised inside it needs no wakeup.
type hosted struct {
	sock    *loopSocket
	c       *conn.Conn
	driving bool
}

// loopSocket adapts a gnet connection to the non-blocking transport
// contract. Inbound bytes are staged by OnTraffic; Recv drains the stage and
// reports would-block when it is empty. Send hands bytes to gnet's outbound
// buffer, which never blocks inside the event loop.
type loopSocket struct {
	w     io.Writer
	stage []byte
}

func (s *loopSocket) Recv(p []byte) (int, error) {
	if len(s.stage) == 0 {
		return 0, syscall.EAGAIN
	}
	n := copy(p, s.stage)
	s.stage = s.stage[n:]
	recvBytes.Add(float64(n))
	return n, nil
}

func (s *loopSocket) Send(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		sentBytes.Add(float64(n))
	}
	return n, err
}

// newHosted wires a connection over w, routing the connection's
// write-interest requests to wake. Wakeups raised during a drive pass are
// suppressed: the pass itself services writes before returning.
func newHosted(w io.Writer, opts conn.Options, wake func()) *hosted {
	h := &hosted{sock: &loopSocket{w: w}}
	opts.NotifyWrite = func() {
		if !h.driving && wake != nil {
			wake()
		}
	}
	h.c = conn.New(h.sock, opts)
	return h
}

// stageLimit caps how much unprocessed inbound data may pile up ahead of
// the read buffer before the peer is considered to be flooding.
func (s *Server) stageLimit() int {
	if s.cfg.Conn.MaxReadBuffer > 0 {
		return 2 * s.cfg.Conn.MaxReadBuffer
	}
	return 2 << 20
}

// admitStage appends freshly received bytes to the connection's stage,
// refusing once the backlog exceeds the limit.
func (s *Server) admitStage(h *hosted, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	if len(h.sock.stage)+len(buf) > s.stageLimit() {
		return false
	}
	h.sock.stage = append(h.sock.stage, buf...)
	return true
}

// drive runs read/idle/write cycles until the staged input is consumed, the
// connection closes, or a round makes no read progress (backpressure or a
// flow-control wait, both resolved by a later event).
func (s *Server) drive(h *hosted) gnet.Action {
	h.driving = true
	defer func() { h.driving = false }()

	for round := 0; round < driveRounds; round++ {
		before := len(h.sock.stage)
		h.c.HandleRead()
		h.c.HandleIdle()
		for i := 0; i < writeDrainRounds && h.c.State() != conn.StateClosed && h.c.Interest().Write(); i++ {
			h.c.HandleWrite()
		}
		if h.c.State() == conn.StateClosed {
			return gnet.Close
		}
		if len(h.sock.stage) == 0 || len(h.sock.stage) == before {
			break
		}
	}
	return gnet.None
}

// NewServer creates a server; connections are configured from cfg.Conn with
// the logger filled in.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, logger: cfg.Logger, ctx: ctx, cancel: cancel}
}

// Start runs the event loop. It blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	if s.cfg.IdleTimeout > 0 {
		options = append(options, gnet.WithTicker(true))
	}
	s.logger.Printf("listening on %s", s.cfg.Addr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop performs a graceful shutdown: every live connection is asked to
// drain with a shutdown frame, then the engine stops.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.draining.Store(true)

	s.connections.Range(func(key, _ interface{}) bool {
		// Wake schedules an OnTraffic pass on the owning loop, where the
		// draining flag turns into a connection shutdown.
		_ = key.(gnet.Conn).Wake(nil)
		return true
	})
	time.Sleep(100 * time.Millisecond)

	s.connections.Range(func(key, _ interface{}) bool {
		_ = key.(gnet.Conn).Close()
		return true
	})

	stopCtx, stopCancel := context.WithTimeout(ctx, 2*time.Second)
	defer stopCancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("engine stop: %v", err)
	}
	return nil
}

// OnBoot stores the engine handle for Stop.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	return gnet.None
}

// OnOpen wires a fresh connection state machine onto the socket.
func (s *Server) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	if s.draining.Load() {
		return nil, gnet.Close
	}
	h := newHosted(gc, s.cfg.Conn, func() { _ = gc.Wake(nil) })
	s.connections.Store(gc, h)
	connectionsAccepted.Inc()
	connectionsActive.Inc()
	if verboseLogging {
		s.logger.Printf("connection open from %s", gc.RemoteAddr())
	}
	return nil, gnet.None
}

// OnClose releases the connection record.
func (s *Server) OnClose(gc gnet.Conn, err error) gnet.Action {
	if v, ok := s.connections.LoadAndDelete(gc); ok {
		h := v.(*hosted)
		h.c.Abort()
		connectionsActive.Dec()
		closeReasons.WithLabelValues(h.c.Reason().String()).Inc()
	}
	if err != nil && verboseLogging {
		s.logger.Printf("connection closed: %v", err)
	}
	return gnet.None
}

// OnTick reaps connections idle past the configured timeout.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	if s.cfg.IdleTimeout <= 0 {
		return time.Minute, gnet.None
	}
	now := time.Now()
	s.connections.Range(func(key, v interface{}) bool {
		h := v.(*hosted)
		if now.Sub(h.c.LastActivity()) > s.cfg.IdleTimeout {
			if verboseLogging {
				s.logger.Printf("closing idle connection %s", key.(gnet.Conn).RemoteAddr())
			}
			_ = key.(gnet.Conn).Close()
		}
		return true
	})
	return s.cfg.IdleTimeout / 2, gnet.None
}

// OnTraffic services a readable socket: stage the inbound bytes, then drive
// the connection until the stage is drained or progress stops.
func (s *Server) OnTraffic(gc gnet.Conn) gnet.Action {
	v, ok := s.connections.Load(gc)
	if !ok {
		return gnet.Close
	}
	h := v.(*hosted)

	if buf, err := gc.Next(-1); err == nil {
		if !s.admitStage(h, buf) {
			s.logger.Printf("inbound backlog over %d bytes, closing %s", s.stageLimit(), gc.RemoteAddr())
			return gnet.Close
		}
	}

	if s.draining.Load() {
		h.c.Shutdown()
	}
	return s.drive(h)
}
