package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/casehttpd/internal/config"
	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/util"
)

// Version is reported in the Server header and to scripts.
const Version = "1.0.0"

// ServerSoftware is the Server header value.
const ServerSoftware = "casehttpd/" + Version

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts connections and answers one request on each.
type Server struct {
	cfg   *config.Config
	log   *logger.Logger
	res   *resolver.Resolver
	chain Dispatcher

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewServer creates a Server. cfg must be defaulted and validated.
func NewServer(cfg *config.Config, lg *logger.Logger, res *resolver.Resolver, chain Dispatcher) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if res == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("case chain cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		log:        lg,
		res:        res,
		chain:      chain,
		baseCtx:    ctx,
		cancelBase: cancel,
		conns:      make(map[net.Conn]struct{}),
	}
	if d := cfg.Server.ReadTimeout; d != nil {
		s.readTimeout = d.Value()
	}
	if d := cfg.Server.WriteTimeout; d != nil {
		s.writeTimeout = d.Value()
	}
	s.shutdownTimeout = config.DefaultShutdownTimeout
	if d := cfg.Server.ShutdownTimeout; d != nil {
		s.shutdownTimeout = d.Value()
	}
	return s, nil
}

// Listen opens the configured listener.
func (s *Server) Listen() error {
	maxConns := 0
	if s.cfg.Server.MaxConnections != nil {
		maxConns = *s.cfg.Server.MaxConnections
	}
	addr := s.cfg.ListenAddress()
	ln, err := util.CreateListener("tcp", addr, maxConns)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s already in use: %w", addr, err)
		}
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("Listening", logger.LogFields{
		"address":         ln.Addr().String(),
		"document_root":   s.res.Root(),
		"max_connections": maxConns,
	})
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on the listener opened by Listen until Shutdown.
// It returns ErrServerClosed after a shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("Accept error, retrying", logger.LogFields{"error": err, "delay_ms": tempDelay.Milliseconds()})
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		if !s.trackConn(c) {
			c.Close()
			return ErrServerClosed
		}
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(c)
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Connection handler panicked", logger.LogFields{"remote_addr": c.RemoteAddr().String(), "panic": fmt.Sprint(r)})
		}
	}()

	s.handle(s.baseCtx, newNetConn(c, s.readTimeout, s.writeTimeout), c.RemoteAddr().String())
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Shutdown stops accepting and waits for in-flight requests until ctx is done.
// It then cancels the base context, which kills running scripts, and closes
// any remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	ln := s.listener
	s.mu.Unlock()

	var closeErr error
	if ln != nil {
		closeErr = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("Shutdown grace period expired, aborting in-flight requests", nil)
	}

	s.cancelBase()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	<-done

	if err != nil {
		return err
	}
	return closeErr
}

// Start listens, serves and blocks until SIGINT or SIGTERM triggers a graceful
// shutdown. SIGHUP reopens log files.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			s.shutdownWithTimeout()
			return err
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				s.log.Info("Received SIGHUP, reopening log files", nil)
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err})
				}
				continue
			}
			s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
			s.shutdownWithTimeout()
			<-serveErr
			return nil
		}
	}
}

func (s *Server) shutdownWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("Shutdown did not complete cleanly", logger.LogFields{"error": err})
		return
	}
	s.log.Info("Server stopped", nil)
}
