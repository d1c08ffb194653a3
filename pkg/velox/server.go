package velox

import (
	"context"
	"fmt"

	"github.com/veloxhttp/velox/internal/conn"
	"github.com/veloxhttp/velox/internal/date"
	"github.com/veloxhttp/velox/internal/engine"
	"github.com/veloxhttp/velox/internal/host"
	"github.com/veloxhttp/velox/internal/session"
)

// Server accepts connections and dispatches completed requests to a Handler.
type Server struct {
	config     Config
	handler    Handler
	middleware []Middleware
	host       *host.Server
	stopDate   func()
}

// New creates a Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{config: config}
}

// NewWithDefaults creates a Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Use appends middleware; the first added runs outermost.
func (s *Server) Use(mw ...Middleware) *Server {
	s.middleware = append(s.middleware, mw...)
	return s
}

// Handler sets the request handler and returns the server for chaining.
func (s *Server) Handler(h Handler) *Server {
	s.handler = h
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(h Handler) error {
	s.handler = h
	return s.Start()
}

// Start begins accepting connections. It blocks until the server stops.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("velox: handler not set")
	}
	s.stopDate = date.StartTicker()

	chained := Chain(s.handler, s.middleware...)
	s.host = host.NewServer(host.Config{
		Addr:         s.config.Addr,
		Multicore:    s.config.Multicore,
		NumEventLoop: s.config.NumEventLoop,
		ReusePort:    s.config.ReusePort,
		IdleTimeout:  s.config.IdleTimeout.Std(),
		Logger:       s.config.Logger,
		Conn: conn.Options{
			ReadBufferSize: s.config.ReadBufferSize,
			MaxReadBuffer:  s.config.MaxReadBuffer,
			Engine: engine.Options{
				MaxConcurrentStreams: s.config.MaxConcurrentStreams,
				MaxFrameSize:         s.config.MaxFrameSize,
				InitialWindowSize:    s.config.InitialWindowSize,
			},
			Handler: &streamAdapter{handler: chained},
			Logger:  s.config.Logger,
		},
	})
	return s.host.Start()
}

// Stop gracefully shuts down: live connections receive a shutdown frame and
// drain before the listener closes.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopDate != nil {
		s.stopDate()
	}
	if s.host != nil {
		return s.host.Stop(ctx)
	}
	return nil
}

// streamAdapter bridges the connection layer's stream dispatch to the public
// Handler contract.
type streamAdapter struct {
	handler Handler
}

func (a *streamAdapter) ServeStream(ctx context.Context, st *session.Stream, w session.Responder) error {
	c := newContext(ctx, st, w)
	err := a.handler.Serve(c)
	if err != nil {
		if !c.Sent() {
			_ = c.String(500, "internal server error")
		}
		return err
	}
	if !c.Sent() {
		return c.NoContent(204)
	}
	return nil
}
