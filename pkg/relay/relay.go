// Package relay implements the data-plane byte pump shared by the server
// daemon and the local-forward shim. It is byte-transparent: no framing is
// imposed on the relayed payload, and per direction at most one chunk is in
// flight, which bounds memory under many concurrent sessions.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// BufferSize is the per-direction chunk size. Large enough to avoid
// excessive syscalls, small enough to bound per-session memory.
const BufferSize = 16 * 1024

// Session is one complete client-backend relay instance. It is owned
// exclusively by its relay goroutines; nothing outside the session mutates
// it. Final byte counts are flushed to the stats aggregator by the caller
// once Run returns.
type Session struct {
	ID          string
	Ticket      string
	Source      string
	Destination string
	StartedAt   time.Time

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// NewSession creates a session with a fresh id
func NewSession(ticket, source, destination string) *Session {
	return &Session{
		ID:          xid.New().String(),
		Ticket:      ticket,
		Source:      source,
		Destination: destination,
		StartedAt:   time.Now(),
	}
}

// BytesSent returns bytes relayed from the client side to the backend
func (s *Session) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived returns bytes relayed from the backend to the client side
func (s *Session) BytesReceived() int64 { return s.bytesReceived.Load() }

// Duration returns the session lifetime so far
func (s *Session) Duration() time.Duration { return time.Since(s.StartedAt) }

// Run pumps bytes between client and backend until either side reaches EOF,
// fails, or ctx is cancelled. Both connections are closed exactly once
// before Run returns; half-open relays are not supported. idleTimeout
// bounds each read when positive; zero lets reads block indefinitely,
// which is normal for a quiet desktop session.
func Run(ctx context.Context, sess *Session, client, backend net.Conn, idleTimeout time.Duration) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()  //nolint:errcheck
			backend.Close() //nolint:errcheck
		})
	}
	defer closeBoth()

	// Cancellation force-closes both legs, which unblocks the pumps
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	errc := make(chan error, 2)
	go func() {
		errc <- pump(backend, client, &sess.bytesSent, idleTimeout)
	}()
	go func() {
		errc <- pump(client, backend, &sess.bytesReceived, idleTimeout)
	}()

	// First termination wins and tears down the whole session
	err := <-errc
	closeBoth()
	<-errc

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// pump copies src to dst in bounded chunks, in FIFO order, counting bytes.
// Clean EOF returns nil; anything else is the session-fatal relay error.
func pump(dst, src net.Conn, counter *atomic.Int64, idleTimeout time.Duration) error {
	buf := make([]byte, BufferSize)
	for {
		if idleTimeout > 0 {
			if err := src.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				return err
			}
		}
		n, err := src.Read(buf)
		if n > 0 {
			// Count what the write actually delivered, not what was read;
			// a failed write may still have pushed a partial chunk through
			written, werr := dst.Write(buf[:n])
			counter.Add(int64(written))
			if werr != nil {
				return normalizeErr(werr)
			}
		}
		if err != nil {
			return normalizeErr(err)
		}
	}
}

// normalizeErr maps the errors produced by the session's own teardown to a
// clean end of stream
func normalizeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
