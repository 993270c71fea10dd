package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udsrelay/udsrelay/pkg/protocol"
)

// pipePair returns two connected conn pairs wired through a Run call:
// clientSide <-> relay <-> backendSide
func startRelay(t *testing.T, idleTimeout time.Duration) (clientSide, backendSide net.Conn, sess *Session, done chan error) {
	t.Helper()

	clientSide, clientConn := net.Pipe()
	backendSide, backendConn := net.Pipe()

	sess = NewSession("ticket", "client", "backend")
	done = make(chan error, 1)
	go func() {
		done <- Run(context.Background(), sess, clientConn, backendConn, idleTimeout)
	}()
	return clientSide, backendSide, sess, done
}

func TestRun_ByteTransparency(t *testing.T) {
	clientSide, backendSide, sess, done := startRelay(t, 0)
	defer clientSide.Close()
	defer backendSide.Close()

	// Binary payload that embeds the handshake magic: after OPEN the pipe
	// must not interpret anything.
	payload := append([]byte("leading"), protocol.Handshake...)
	random := make([]byte, 4*BufferSize+17)
	_, err := rand.Read(random)
	require.NoError(t, err)
	payload = append(payload, random...)

	go func() {
		clientSide.Write(payload) //nolint:errcheck
		clientSide.Close()
	}()

	got, err := io.ReadAll(backendSide)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "payload must arrive unmodified and in order")

	require.NoError(t, <-done)
	assert.EqualValues(t, len(payload), sess.BytesSent())
	assert.EqualValues(t, 0, sess.BytesReceived())
}

func TestRun_BothDirections(t *testing.T) {
	clientSide, backendSide, sess, done := startRelay(t, 0)
	defer clientSide.Close()
	defer backendSide.Close()

	request := []byte("some random data STREAM_END")
	response := []byte("response-12b")

	go func() {
		clientSide.Write(request) //nolint:errcheck
	}()

	got := make([]byte, len(request))
	_, err := io.ReadFull(backendSide, got)
	require.NoError(t, err)
	assert.Equal(t, request, got)

	_, err = backendSide.Write(response)
	require.NoError(t, err)

	got = make([]byte, len(response))
	_, err = io.ReadFull(clientSide, got)
	require.NoError(t, err)
	assert.Equal(t, response, got)

	// Either side closing ends the whole session
	backendSide.Close()
	require.NoError(t, <-done)

	assert.EqualValues(t, len(request), sess.BytesSent())
	assert.EqualValues(t, len(response), sess.BytesReceived())
}

func TestRun_BackendEOFClosesClient(t *testing.T) {
	clientSide, backendSide, _, done := startRelay(t, 0)
	defer clientSide.Close()

	backendSide.Close()
	require.NoError(t, <-done)

	// Client side must observe the teardown
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 1)
	_, err := clientSide.Read(buf)
	assert.Error(t, err)
}

func TestRun_ContextCancel(t *testing.T) {
	clientSide, clientConn := net.Pipe()
	backendSide, backendConn := net.Pipe()
	defer clientSide.Close()
	defer backendSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, NewSession("t", "s", "d"), clientConn, backendConn, 0)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancellation")
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	clientSide, backendSide, _, done := startRelay(t, 100*time.Millisecond)
	defer clientSide.Close()
	defer backendSide.Close()

	select {
	case err := <-done:
		// A timeout is a relay error, not a clean close
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("idle relay never timed out")
	}
}

// wedgedConn delivers a few bytes and then fails the write, like a peer
// whose receive path died mid-chunk
type wedgedConn struct {
	net.Conn
	allow int
}

func (c *wedgedConn) Write(p []byte) (int, error) {
	if c.allow <= 0 {
		return 0, errors.New("write wedged")
	}
	if len(p) > c.allow {
		n, _ := c.Conn.Write(p[:c.allow])
		c.allow = 0
		return n, errors.New("write wedged")
	}
	c.allow -= len(p)
	return c.Conn.Write(p)
}

func TestRun_PartialWriteCounted(t *testing.T) {
	clientSide, clientConn := net.Pipe()
	backendSide, backendConn := net.Pipe()
	defer clientSide.Close()
	defer backendSide.Close()

	sess := NewSession("ticket", "client", "backend")
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), sess, clientConn,
			&wedgedConn{Conn: backendConn, allow: 8}, 0)
	}()
	go io.Copy(io.Discard, backendSide) //nolint:errcheck

	_, err := clientSide.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on the write failure")
	}

	// The eight bytes that made it through before the failure are part of
	// the session's final accounting
	assert.EqualValues(t, 8, sess.BytesSent())
	assert.EqualValues(t, 0, sess.BytesReceived())
}

func TestNewSession(t *testing.T) {
	a := NewSession("ticket-a", "src", "dst")
	b := NewSession("ticket-b", "src", "dst")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "ticket-a", a.Ticket)
	assert.WithinDuration(t, time.Now(), a.StartedAt, time.Second)
}
