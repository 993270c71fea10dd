package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"github.com/udsrelay/udsrelay/pkg/logger"
	"github.com/udsrelay/udsrelay/pkg/protocol"
	"github.com/udsrelay/udsrelay/pkg/relay"
)

// handleConnection drives one accepted connection through handshake,
// command dispatch and, for OPEN, the relay itself. Every error here is
// contained to this connection.
func (s *Server) handleConnection(rawConn net.Conn) {
	source := rawConn.RemoteAddr().String()

	// The whole handshake+command+ticket exchange shares one deadline.
	// A peer that stalls anywhere inside it is disconnected with no
	// response (slow-loris protection).
	deadline := time.Now().Add(s.cfg.CommandTimeout.Std())
	if err := rawConn.SetReadDeadline(deadline); err != nil {
		rawConn.Close() //nolint:errcheck
		return
	}

	// The preamble travels in plaintext, before TLS negotiation. A
	// connection that does not start with the exact sequence is dropped
	// immediately, without further reads and without a response.
	preamble := make([]byte, protocol.HandshakeLength)
	if _, err := io.ReadFull(rawConn, preamble); err != nil {
		logger.Error("Handshake never completed", "source", source, "err", err)
		rawConn.Close() //nolint:errcheck
		return
	}
	if err := protocol.ValidateHandshake(preamble); err != nil {
		logger.Error("Handshake invalid", "source", source)
		rawConn.Close() //nolint:errcheck
		return
	}

	conn := tls.Server(rawConn, s.tlsConfig)
	defer conn.Close() //nolint:errcheck

	// Same budget covers the TLS handshake and the command exchange
	if err := conn.SetReadDeadline(deadline); err != nil {
		return
	}

	cmdBuf := make([]byte, protocol.CommandLength)
	if _, err := io.ReadFull(conn, cmdBuf); err != nil {
		logger.Error("Command never completed", "source", source, "err", err)
		return
	}

	cmd, err := protocol.ParseCommand(cmdBuf)
	if err != nil {
		logger.Error("Unknown command", "source", source, "err", err)
		conn.Write(protocol.ResponseErrorCommand) //nolint:errcheck
		return
	}

	switch cmd {
	case protocol.CommandTest:
		// Pure liveness probe: no broker contact, no session, no stats
		logger.Info("COMMAND TEST", "source", source)
		conn.Write(protocol.ResponseOK) //nolint:errcheck

	case protocol.CommandStat, protocol.CommandInfo:
		s.handleStats(conn, source)

	case protocol.CommandOpen:
		s.handleOpen(conn, source)
	}
}

// handleOpen reads the ticket, resolves it with the broker, connects to the
// backend and pumps bytes until either side closes
func (s *Server) handleOpen(conn *tls.Conn, source string) {
	ticketBuf := make([]byte, protocol.TicketLength)
	if _, err := io.ReadFull(conn, ticketBuf); err != nil {
		// Command arrived but the ticket did not; same silent close as any
		// other command_timeout violation
		logger.Error("Ticket never completed", "source", source, "err", err)
		return
	}
	ticket, err := protocol.ParseTicket(ticketBuf)
	if err != nil {
		logger.Error("Ticket rejected", "source", source, "err", err)
		conn.Write(protocol.ResponseErrorTicket) //nolint:errcheck
		return
	}

	// Command phase over; relay reads block as long as the session lives
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	sourceIP, _, err := net.SplitHostPort(source)
	if err != nil {
		sourceIP = source
	}

	resolveCtx, cancel := context.WithTimeout(s.ctx, s.cfg.BackendConnectTimeout.Std())
	dst, err := s.resolver.Resolve(resolveCtx, ticket, sourceIP)
	cancel()
	if err != nil {
		logger.Error("Ticket resolution failed", "source", source,
			"ticket", protocol.TicketPrefix(ticket), "err", err)
		conn.Write(protocol.ResponseErrorTicket) //nolint:errcheck
		return
	}

	backend, err := net.DialTimeout("tcp", dst.Addr(), s.cfg.BackendConnectTimeout.Std())
	if err != nil {
		logger.Error("Backend connect failed", "source", source,
			"ticket", protocol.TicketPrefix(ticket), "destination", dst.Addr(), "err", err)
		return
	}

	// Register the session before acknowledging, so a client that sees OK
	// always observes the server as relaying
	sess := relay.NewSession(ticket, source, dst.Addr())
	s.sessionStarted()

	if _, err := conn.Write(protocol.ResponseOK); err != nil {
		backend.Close() //nolint:errcheck
		s.sessionFinished(0, 0)
		return
	}

	logger.Info("OPEN TUNNEL", "session_id", sess.ID, "source", source,
		"destination", dst.Addr(), "ticket", protocol.TicketPrefix(ticket))

	if err := relay.Run(s.ctx, sess, conn, backend, 0); err != nil {
		logger.Error("Relay terminated with error", "session_id", sess.ID,
			"source", source, "err", err)
	}

	sent, recv := sess.BytesSent(), sess.BytesReceived()
	duration := sess.Duration()
	logger.Info("TERMINATED", "session_id", sess.ID, "source", source,
		"destination", dst.Addr(), "sent", sent, "recv", recv,
		"duration", duration.Round(time.Second))

	// Usage reporting is best effort and must not block teardown
	if dst.Notify != "" {
		s.resolver.ReportClose(dst.Notify, sent, recv, duration)
	}
	s.sessionFinished(sent, recv)
}

// handleStats serves the operator STAT/INFO path: a fixed-width shared
// secret, restricted to allowlisted source IPs, answered with one counter
// per line
func (s *Server) handleStats(conn *tls.Conn, source string) {
	secretBuf := make([]byte, protocol.SecretLength)
	if _, err := io.ReadFull(conn, secretBuf); err != nil {
		logger.Error("Stats secret never completed", "source", source, "err", err)
		return
	}

	sourceIP, _, err := net.SplitHostPort(source)
	if err != nil {
		sourceIP = source
	}
	if !s.sourceAllowed(sourceIP) {
		logger.Error("Stats request from disallowed source", "source", source)
		conn.Write(protocol.ResponseForbidden) //nolint:errcheck
		return
	}

	secret := strings.TrimRight(string(secretBuf), " \x00")
	if s.cfg.Secret == "" || secret != s.cfg.Secret {
		logger.Error("Stats request with bad secret", "source", source)
		conn.Write(protocol.ResponseForbidden) //nolint:errcheck
		return
	}

	logger.Info("COMMAND STAT", "source", source)
	for _, line := range s.agg.Snapshot().Lines() {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) sourceAllowed(ip string) bool {
	for _, allowed := range s.cfg.Allow {
		if allowed == ip {
			return true
		}
	}
	return false
}
