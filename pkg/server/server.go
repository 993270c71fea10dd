// Package server implements the relay daemon: the TLS listener, session
// lifecycle policy and the command dispatch of the wire protocol.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/udsrelay/udsrelay/pkg/broker"
	"github.com/udsrelay/udsrelay/pkg/config"
	"github.com/udsrelay/udsrelay/pkg/logger"
	"github.com/udsrelay/udsrelay/pkg/stats"
)

// State is the listener lifecycle state
type State int32

// Listener states. Stopped is terminal.
const (
	StateListening State = iota
	StateRelaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateRelaying:
		return "relaying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopGrace bounds how long a forced stop waits for sessions before
// force-closing them
const StopGrace = 5 * time.Second

// Resolver is the broker capability the server consumes: resolve a ticket
// to a destination, and later report usage
type Resolver interface {
	Resolve(ctx context.Context, ticket, sourceIP string) (broker.Destination, error)
	ReportClose(notify string, sent, recv int64, duration time.Duration)
}

// Server owns the listening socket and enforces lifecycle policy. All
// per-session errors are contained to their session; only a bind failure
// is fatal.
type Server struct {
	cfg      *config.ServerConfig
	resolver Resolver
	agg      *stats.Aggregator

	tlsConfig *tls.Config
	listener  net.Listener

	activeSessions atomic.Int64
	retireArmed    atomic.Bool // idle grace window elapsed
	state          atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup // accept loop and idle timer
	sessionWg sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a server. The aggregator is passed in rather than being a
// package singleton so tests can own their instance.
func New(cfg *config.ServerConfig, resolver Resolver, agg *stats.Aggregator) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		agg:      agg,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// NewWithTLSConfig creates a server with an already built TLS config.
// Used by tests and by callers that manage certificates themselves.
func NewWithTLSConfig(cfg *config.ServerConfig, resolver Resolver, agg *stats.Aggregator, tlsConfig *tls.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	return &Server{
		cfg:       cfg,
		resolver:  resolver,
		agg:       agg,
		tlsConfig: tlsConfig,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listening socket and begins accepting. Binding failure
// is fatal for the process and returned, never retried. The returned error
// is nil once the accept loop is running.
func (s *Server) Start() error {
	// Dual-stack listener; ":port" serves both IPv4 and IPv6
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddr, err)
	}

	// worker_count caps concurrent accepted connections
	if s.cfg.WorkerCount > 0 {
		ln = netutil.LimitListener(ln, s.cfg.WorkerCount)
	}
	s.listener = ln

	logger.Info("Relay server listening", "addr", ln.Addr().String(),
		"worker_count", s.cfg.WorkerCount, "command_timeout", s.cfg.CommandTimeout.Std())

	if s.cfg.IdleShutdownTimeout > 0 {
		s.wg.Add(1)
		go s.idleRetirementTimer()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address; valid after Start
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// State reports the listener state machine position
func (s *Server) State() State {
	return State(s.state.Load())
}

// ActiveSessions returns the number of sessions currently relaying
func (s *Server) ActiveSessions() int64 {
	return s.activeSessions.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var retryDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if s.State() == StateStopped {
				return
			}
			if temporaryAcceptError(err) {
				// Transient failures such as EMFILE under load recover
				// once connections drain; back off and keep accepting
				if retryDelay == 0 {
					retryDelay = 5 * time.Millisecond
				} else {
					retryDelay *= 2
				}
				if retryDelay > time.Second {
					retryDelay = time.Second
				}
				logger.Warn("Accept failed, retrying", "err", err, "delay", retryDelay)
				time.Sleep(retryDelay)
				continue
			}
			// The socket is gone for good; retire the listener so the
			// failure is visible through the state machine
			logger.Error("Accept failed, retiring listener", "err", err)
			go s.Stop(true) //nolint:errcheck
			return
		}
		retryDelay = 0

		s.sessionWg.Add(1)
		go func() {
			defer s.sessionWg.Done()
			s.handleConnection(conn)
		}()
	}
}

// temporaryAcceptError reports whether an accept failure is worth retrying
func temporaryAcceptError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Temporary() //nolint:staticcheck
}

// idleRetirementTimer arms retirement once the grace window elapses. The
// listener is never retired while sessions are active; retirement then
// waits until the count returns to zero.
func (s *Server) idleRetirementTimer() {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.IdleShutdownTimeout.Std())
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	s.retireArmed.Store(true)
	if s.activeSessions.Load() == 0 {
		logger.Info("Idle grace window elapsed with no active sessions, retiring listener",
			"idle_shutdown_timeout", s.cfg.IdleShutdownTimeout.Std())
		go s.Stop(true) //nolint:errcheck
	}
}

// sessionStarted moves the state machine to RELAYING
func (s *Server) sessionStarted() {
	s.activeSessions.Add(1)
	s.state.CompareAndSwap(int32(StateListening), int32(StateRelaying))
	s.agg.SessionStarted()
}

// sessionFinished returns to LISTENING when the last session ends, and
// fires deferred idle retirement
func (s *Server) sessionFinished(sent, recv int64) {
	s.agg.RecordSessionClosed(sent, recv)
	if s.activeSessions.Add(-1) == 0 {
		s.state.CompareAndSwap(int32(StateRelaying), int32(StateListening))
		if s.retireArmed.Load() {
			logger.Info("Last session closed after idle grace window, retiring listener")
			go s.Stop(true) //nolint:errcheck
		}
	}
}

// Stop stops the listener. Graceful mode stops accepting and lets in-flight
// sessions finish naturally; otherwise sessions are force-closed after
// StopGrace. Safe to call more than once. Only the listener teardown is
// once-guarded: a hard stop called while a graceful stop is still draining
// runs its own force-close instead of blocking behind the graceful wait.
func (s *Server) Stop(graceful bool) error {
	s.stopOnce.Do(func() {
		logger.Info("Stopping relay server", "graceful", graceful,
			"active_sessions", s.activeSessions.Load())
		s.state.Store(int32(StateStopped))
		if s.listener != nil {
			s.listener.Close() //nolint:errcheck
		}
	})

	if !graceful {
		if !s.waitSessions(StopGrace) {
			logger.Warn("Force-closing sessions after stop grace period", "grace", StopGrace)
		}
		// Cancelling the context force-closes any relay still running and
		// releases the idle timer; this also unblocks a concurrent
		// graceful Stop waiting on those sessions
		s.cancel()
	}

	s.waitSessions(0)
	s.cancel()
	s.wg.Wait()
	logger.Info("Relay server stopped")
	return nil
}

// waitSessions waits for all session goroutines; a zero timeout waits
// forever. Reports whether everything finished in time.
func (s *Server) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessionWg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
