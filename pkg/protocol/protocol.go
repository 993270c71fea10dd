// Package protocol implements the relay wire protocol codec: the fixed
// handshake preamble, the command tokens and the response frames. It owns
// no I/O; callers feed it bytes and accumulate partial frames themselves.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Handshake is the fixed magic+version preamble every connection must start
// with. Any mismatch, including a different version byte, is fatal for the
// connection.
var Handshake = []byte{0x5A, 'M', 'G', 'B', 0xA5, 0x01, 0x00}

// Frame sizes
const (
	HandshakeLength = 7
	CommandLength   = 4
	TicketLength    = 48
	SecretLength    = 64
)

// Command is a wire protocol command token
type Command string

// Known commands
const (
	CommandOpen Command = "OPEN" // establish a relay for a ticket
	CommandTest Command = "TEST" // liveness check, no backend contact
	CommandStat Command = "STAT" // operator stats dump (secret protected)
	CommandInfo Command = "INFO" // operator info dump (secret protected)
)

// Response frames. OK is the only success response; error frames are short
// free-form diagnostics so they are easy to read in a packet capture.
var (
	ResponseOK           = []byte("OK")
	ResponseErrorCommand = []byte("ERROR_COMMAND")
	ResponseErrorTicket  = []byte("ERROR_TICKET")
	ResponseErrorTimeout = []byte("TIMEOUT")
	ResponseForbidden    = []byte("FORBIDDEN")
)

// Protocol errors
var (
	// ErrHandshake indicates the leading bytes did not exactly match the
	// handshake preamble. Always fatal, never retried.
	ErrHandshake = errors.New("invalid handshake")

	// ErrUnknownCommand indicates a command token outside the known set
	ErrUnknownCommand = errors.New("unknown command")

	// ErrShortFrame indicates not enough bytes arrived yet. Callers should
	// keep reading: command and ticket may arrive in separate TCP segments.
	ErrShortFrame = errors.New("short frame")

	// ErrBadTicket indicates a ticket with invalid length or characters
	ErrBadTicket = errors.New("invalid ticket")
)

// ValidateHandshake checks that b starts with the exact handshake preamble.
// It returns ErrShortFrame if fewer than HandshakeLength bytes are available
// and ErrHandshake on any mismatch. No partial match is ever accepted.
func ValidateHandshake(b []byte) error {
	if len(b) < HandshakeLength {
		return ErrShortFrame
	}
	if !bytes.Equal(b[:HandshakeLength], Handshake) {
		return ErrHandshake
	}
	return nil
}

// ParseCommand decodes the 4-byte command token at the start of b
func ParseCommand(b []byte) (Command, error) {
	if len(b) < CommandLength {
		return "", ErrShortFrame
	}
	switch cmd := Command(b[:CommandLength]); cmd {
	case CommandOpen, CommandTest, CommandStat, CommandInfo:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, b[:CommandLength])
	}
}

// ParseTicket decodes the fixed-width ticket that follows an OPEN command.
// Exactly TicketLength bytes are consumed; the ticket content stays opaque
// beyond a charset check (letters and digits only).
func ParseTicket(b []byte) (string, error) {
	if len(b) < TicketLength {
		return "", ErrShortFrame
	}
	ticket := b[:TicketLength]
	for _, c := range ticket {
		if !isTicketChar(c) {
			return "", ErrBadTicket
		}
	}
	return string(ticket), nil
}

func isTicketChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// TicketPrefix returns the loggable prefix of a ticket. Full tickets never
// reach the logs, they are credentials.
func TicketPrefix(ticket string) string {
	if len(ticket) > 8 {
		return ticket[:8]
	}
	return ticket
}

// IsOK reports whether a response frame is the success response. Anything
// without the OK prefix is a diagnostic error frame.
func IsOK(resp []byte) bool {
	return bytes.HasPrefix(resp, ResponseOK)
}
