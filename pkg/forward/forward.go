// Package forward implements the client-embedded half of the relay: a
// local plaintext listener whose every accepted connection is tunneled to
// a pre-configured remote relay over TLS, authorized by a ticket fixed at
// construction time.
package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udsrelay/udsrelay/pkg/logger"
	"github.com/udsrelay/udsrelay/pkg/protocol"
	"github.com/udsrelay/udsrelay/pkg/relay"
	"github.com/udsrelay/udsrelay/pkg/stats"
)

// ListenAddress is where the shim binds; only locally running client
// software is supposed to reach it
const ListenAddress = "127.0.0.1"

// DefaultIdleShutdownTimeout applies when the caller does not pick a grace
// window: an on-demand tunnel should not linger forever on an unused port
const DefaultIdleShutdownTimeout = 60 * time.Second

// DefaultOpenTimeout bounds the OPEN exchange. The relay contacts its broker
// and dials the backend before it answers, so this must cover both budgets.
const DefaultOpenTimeout = 30 * time.Second

// Config configures one forwarder instance
type Config struct {
	// RemoteAddr is the host:port of the remote relay
	RemoteAddr string
	// Ticket authorizes every connection through this forwarder
	Ticket string
	// LocalPort to bind; 0 picks an ephemeral port
	LocalPort int
	// IdleShutdownTimeout is the grace window after which an unused
	// listener retires; <=0 selects DefaultIdleShutdownTimeout
	IdleShutdownTimeout time.Duration
	// KeepListening accepts new connections even after the grace window,
	// as long as the listener has not retired
	KeepListening bool
	// OpenTimeout bounds the OPEN exchange with the remote relay; <=0
	// selects DefaultOpenTimeout
	OpenTimeout time.Duration
	// InsecureSkipVerify disables remote certificate checking, for lab and
	// self-signed deployments
	InsecureSkipVerify bool
	// Stats receives session counters; a private aggregator is created
	// when nil
	Stats *stats.Aggregator
}

// Forwarder is a running local-forward listener
type Forwarder struct {
	cfg       Config
	tlsConfig *tls.Config
	listener  net.Listener

	activeConns atomic.Int64
	retireArmed atomic.Bool
	agg         *stats.Aggregator

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Open binds the local listener and starts forwarding. The returned
// forwarder is already accepting; the caller reads the bound port with
// LocalPort.
func Open(cfg Config) (*Forwarder, error) {
	if cfg.RemoteAddr == "" {
		return nil, fmt.Errorf("remote relay address is required")
	}
	if len(cfg.Ticket) != protocol.TicketLength {
		return nil, fmt.Errorf("ticket must be exactly %d characters", protocol.TicketLength)
	}
	if cfg.IdleShutdownTimeout <= 0 {
		cfg.IdleShutdownTimeout = DefaultIdleShutdownTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewAggregator()
	}

	host, _, err := net.SplitHostPort(cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid remote address %q: %w", cfg.RemoteAddr, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(ListenAddress, fmt.Sprint(cfg.LocalPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind local forwarder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		cfg: cfg,
		tlsConfig: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- explicit lab knob
		},
		listener: ln,
		agg:      cfg.Stats,
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("Certificate checking is disabled", "remote", cfg.RemoteAddr)
	}

	logger.Info("Forwarder listening", "local", ln.Addr().String(),
		"remote", cfg.RemoteAddr, "idle_shutdown_timeout", cfg.IdleShutdownTimeout,
		"keep_listening", cfg.KeepListening)

	f.wg.Add(2)
	go f.idleRetirementTimer()
	go f.acceptLoop()
	return f, nil
}

// LocalPort returns the bound local TCP port
func (f *Forwarder) LocalPort() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the local listener address
func (f *Forwarder) Addr() net.Addr {
	return f.listener.Addr()
}

// Stats returns the aggregator sessions report into
func (f *Forwarder) Stats() *stats.Aggregator {
	return f.agg
}

// Stop closes the listener and force-closes in-flight connections.
// Idempotent.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		logger.Debug("Stopping forwarder", "local", f.listener.Addr().String())
		f.cancel()
		f.listener.Close() //nolint:errcheck
		f.wg.Wait()
		logger.Debug("Forwarder stopped", "local", f.listener.Addr().String())
	})
}

// Stopped reports whether the forwarder has shut down
func (f *Forwarder) Stopped() bool {
	select {
	case <-f.ctx.Done():
		return true
	default:
		return false
	}
}

// Clone opens a second forwarder to another destination reusing this one's
// remote endpoint and TLS settings with a fresh ticket, so one validated
// credentialed endpoint can serve multiple logical streams.
func (f *Forwarder) Clone(ticket string) (*Forwarder, error) {
	cfg := f.cfg
	cfg.Ticket = ticket
	cfg.LocalPort = 0
	cfg.Stats = f.agg
	return Open(cfg)
}

// Check probes the remote relay with a TEST exchange: connect, handshake,
// expect OK, close. It creates no session and counts toward no statistics.
func (f *Forwarder) Check(ctx context.Context) bool {
	return probe(ctx, f.cfg.RemoteAddr, f.tlsConfig)
}

// Check probes a remote relay without opening a local forwarder
func Check(ctx context.Context, remoteAddr string, insecureSkipVerify bool) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		logger.Error("Tunnel check got invalid remote address", "remote", remoteAddr, "err", err)
		return false
	}
	return probe(ctx, remoteAddr, &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify, // #nosec G402 -- explicit lab knob
	})
}

func probe(ctx context.Context, remoteAddr string, tlsConfig *tls.Config) bool {
	conn, err := connect(ctx, remoteAddr, tlsConfig)
	if err != nil {
		logger.Error("Tunnel check failed to connect", "remote", remoteAddr, "err", err)
		return false
	}
	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}
	if _, err := conn.Write([]byte(protocol.CommandTest)); err != nil {
		logger.Error("Tunnel check failed to send", "remote", remoteAddr, "err", err)
		return false
	}
	resp := make([]byte, len(protocol.ResponseOK))
	if _, err := io.ReadFull(conn, resp); err != nil || !protocol.IsOK(resp) {
		logger.Error("Tunnel check got invalid response", "remote", remoteAddr, "resp", string(resp), "err", err)
		return false
	}
	logger.Debug("Tunnel is available", "remote", remoteAddr)
	return true
}

// connect dials the remote relay, sends the plaintext preamble and wraps
// the connection in TLS
func connect(ctx context.Context, remoteAddr string, tlsConfig *tls.Config) (*tls.Conn, error) {
	var d net.Dialer
	rawConn, err := d.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		return nil, err
	}

	// No response is expected to the preamble, the relay just consumes it
	if _, err := rawConn.Write(protocol.Handshake); err != nil {
		rawConn.Close() //nolint:errcheck
		return nil, err
	}

	conn := tls.Client(rawConn, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close() //nolint:errcheck
		return nil, err
	}
	return conn, nil
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		local, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.ctx.Done():
			default:
				logger.Error("Forwarder accept failed", "err", err)
			}
			return
		}

		// Past the grace window only keep_listening forwarders take new work
		if f.retireArmed.Load() && !f.cfg.KeepListening {
			logger.Info("Rejected connection after idle grace window",
				"source", local.RemoteAddr().String())
			local.Close() //nolint:errcheck
			continue
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handleConn(local)
		}()
	}
}

func (f *Forwarder) handleConn(local net.Conn) {
	f.activeConns.Add(1)
	defer func() {
		if f.activeConns.Add(-1) == 0 && f.retireArmed.Load() {
			go f.Stop()
		}
	}()

	if err := f.tunnel(local); err != nil {
		logger.Error("Forwarding failed", "remote", f.cfg.RemoteAddr,
			"ticket", protocol.TicketPrefix(f.cfg.Ticket), "err", err)
	}
}

// tunnel opens the remote side for one local connection and relays
func (f *Forwarder) tunnel(local net.Conn) error {
	defer local.Close() //nolint:errcheck

	remote, err := connect(f.ctx, f.cfg.RemoteAddr, f.tlsConfig)
	if err != nil {
		return err
	}
	defer remote.Close() //nolint:errcheck

	// Stop must be able to force-close a connection stuck mid-exchange;
	// within the relay phase Run does its own cancellation, but that alone
	// leaves the OPEN exchange uninterruptible
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-f.ctx.Done():
			remote.Close() //nolint:errcheck
		case <-watchDone:
		}
	}()

	if err := remote.SetDeadline(time.Now().Add(f.cfg.OpenTimeout)); err != nil {
		return err
	}
	if _, err := remote.Write(append([]byte(protocol.CommandOpen), f.cfg.Ticket...)); err != nil {
		return err
	}

	resp := make([]byte, len(protocol.ResponseOK))
	if _, err := io.ReadFull(remote, resp); err != nil {
		return fmt.Errorf("waiting for relay to accept tunnel: %w", err)
	}
	if !protocol.IsOK(resp) {
		// The remainder is a free-form diagnostic from the relay
		diag := make([]byte, 128)
		n, _ := remote.Read(diag)
		return fmt.Errorf("relay refused tunnel: %s%s", resp, diag[:n])
	}
	if err := remote.SetDeadline(time.Time{}); err != nil {
		return err
	}

	sess := relay.NewSession(f.cfg.Ticket, local.RemoteAddr().String(), f.cfg.RemoteAddr)
	f.agg.SessionStarted()
	logger.Debug("Forwarding session opened", "session_id", sess.ID,
		"ticket", protocol.TicketPrefix(f.cfg.Ticket))

	err = relay.Run(f.ctx, sess, local, remote, 0)
	f.agg.RecordSessionClosed(sess.BytesSent(), sess.BytesReceived())
	logger.Debug("Forwarding session closed", "session_id", sess.ID,
		"sent", sess.BytesSent(), "recv", sess.BytesReceived())
	return err
}

// idleRetirementTimer arms retirement after the grace window; if nothing is
// running at that moment the forwarder stops at once, otherwise the last
// connection to finish retires it
func (f *Forwarder) idleRetirementTimer() {
	defer f.wg.Done()
	timer := time.NewTimer(f.cfg.IdleShutdownTimeout)
	defer timer.Stop()

	select {
	case <-f.ctx.Done():
		return
	case <-timer.C:
	}

	f.retireArmed.Store(true)
	if f.activeConns.Load() == 0 {
		logger.Info("Idle grace window elapsed with no connections, retiring forwarder",
			"local", f.listener.Addr().String())
		go f.Stop()
	}
}
