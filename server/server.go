// Package server implements the broker's TCP ingress and background
// consumer: one accepted connection at a time owns the Ring as its sole
// writer, paired with a consumer goroutine as its sole reader, with a
// graceful handoff whenever a new connection supersedes the current one.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wlvchandler/go-broker/config"
	"github.com/wlvchandler/go-broker/ring"
)

// Server accepts TCP connections on a single port and drains each one
// through a shared Ring into a background consumer. At most one
// connection's ingress/consumer pair runs at a time; accepting a new
// connection cancels and awaits the previous pair before starting the
// next, per spec.md §4.6.
type Server struct {
	cfg   config.Config
	log   *zap.SugaredLogger
	rb    *ring.Ring
	stats Stats

	// frameSize is the current frame's payload size, shared across the
	// whole Server lifetime rather than reallocated per connection: a
	// consumer that inherits backlog bytes written by the *previous*
	// connection (because it was cancelled mid-drain during a handoff)
	// must still size its reads against the size those bytes were
	// written with, not against a freshly-zeroed hint. See DESIGN.md.
	frameSize atomic.Uint32

	ready chan struct{}
	addr  net.Addr
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger sets the structured logger used for connection lifecycle and
// consumer stats events. The default is a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

// New allocates the Ring and returns a Server ready to Run. A Ring
// allocation failure here is fatal, per spec.md §7's "System errors at
// startup terminate the process" policy — New returns the error for the
// caller (main) to act on rather than calling os.Exit itself.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rb, err := ring.New(cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("server: allocate ring: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		log:   zap.NewNop().Sugar(),
		rb:    rb,
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr blocks until Run has bound its listener, then returns the bound
// address. It is primarily useful in tests that bind an ephemeral port
// (Port: 0) and need to learn which port the OS chose.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// Stats returns a snapshot of the consumer's running counters.
func (s *Server) Stats() Snapshot {
	return s.stats.Load()
}

// Run binds 0.0.0.0:<port> and accepts connections until ctx is cancelled
// or a fatal listener error occurs. It returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	defer ln.Close()

	s.addr = ln.Addr()
	close(s.ready)

	s.log.Infow("broker server listening", "addr", s.addr.String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var prevCancel context.CancelFunc
	var prevConn net.Conn
	var prevGroup *errgroup.Group

	awaitPrevious := func() {
		if prevCancel == nil {
			return
		}
		prevCancel()
		if prevConn != nil {
			prevConn.Close()
		}
		if err := prevGroup.Wait(); err != nil && ctx.Err() == nil {
			s.log.Warnw("previous connection exited with error", "err", err)
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				awaitPrevious()
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.log.Infow("accepted connection", "remote", conn.RemoteAddr())

		// Cancel and drain the previous connection's ingress/consumer
		// pair before starting the new one, so at most one of each is
		// ever alive at a time (the SPSC discipline the Ring requires).
		awaitPrevious()

		connCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(connCtx)

		g.Go(func() error {
			return runConsumer(gctx, s.rb, &s.frameSize, &s.stats, s.cfg, s.log)
		})
		g.Go(func() error {
			return handleIngress(gctx, conn, s.rb, &s.frameSize, s.log)
		})

		prevCancel = cancel
		prevConn = conn
		prevGroup = g
	}
}
