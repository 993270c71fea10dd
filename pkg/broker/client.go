// Package broker implements the ticket resolver client, the only component
// that talks to the broker. It exchanges a ticket for a backend destination
// at session open, and reports transfer statistics at session close.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/udsrelay/udsrelay/pkg/config"
	"github.com/udsrelay/udsrelay/pkg/logger"
	"github.com/udsrelay/udsrelay/pkg/protocol"
)

const userAgent = "UDSRelay/1.0"

// TicketError indicates the broker refused or could not resolve a ticket.
// Always fatal for the session: tickets are short-lived and single-shot,
// retrying cannot succeed.
type TicketError struct {
	Ticket string // prefix only
	Reason string
}

func (e *TicketError) Error() string {
	return fmt.Sprintf("ticket %s...: %s", e.Ticket, e.Reason)
}

// Destination is the backend endpoint a ticket resolves to, plus the
// notify-only ticket used when reporting the session close.
type Destination struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Notify string `json:"notify"`
}

// Addr returns the dialable host:port form, bracketing IPv6 hosts
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Client is the HTTP(S)+JSON broker client
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New creates a broker client from configuration
func New(cfg *config.BrokerConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- lab/self-signed broker knob
		logger.Warn("Broker certificate checking is disabled")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpc: &http.Client{
			Timeout:   cfg.Timeout.Std(),
			Transport: transport,
		},
	}
}

// Resolve exchanges a ticket for a backend destination. The caller's source
// IP is passed so the broker can restrict reuse and log trusted access.
// Any transport failure, non-2xx status or malformed body is a TicketError.
func (c *Client) Resolve(ctx context.Context, ticket, sourceIP string) (Destination, error) {
	var dst Destination
	body, err := c.get(ctx, ticket, sourceIP, nil)
	if err != nil {
		return dst, &TicketError{Ticket: protocol.TicketPrefix(ticket), Reason: err.Error()}
	}
	if err := json.Unmarshal(body, &dst); err != nil {
		return dst, &TicketError{Ticket: protocol.TicketPrefix(ticket), Reason: fmt.Sprintf("malformed broker response: %v", err)}
	}
	if dst.Host == "" || dst.Port == 0 {
		return dst, &TicketError{Ticket: protocol.TicketPrefix(ticket), Reason: "broker response missing destination"}
	}
	return dst, nil
}

// ReportClose notifies the broker that a session ended, with final byte
// counts and duration. Best effort: failures are logged and never retried,
// usage reporting must not block session teardown.
func (c *Client) ReportClose(notify string, sent, recv int64, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), c.httpc.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("sent", strconv.FormatInt(sent, 10))
	params.Set("recv", strconv.FormatInt(recv, 10))

	if _, err := c.get(ctx, notify, "stop", params); err != nil {
		logger.Error("Failed to report session close to broker",
			"notify", protocol.TicketPrefix(notify), "sent", sent, "recv", recv,
			"duration", duration, "err", err)
		return
	}
	logger.Debug("Reported session close to broker",
		"notify", protocol.TicketPrefix(notify), "sent", sent, "recv", recv, "duration", duration)
}

// get performs a single broker request: {base}/{ticket}/{msg}/{token}[?query]
func (c *Client) get(ctx context.Context, ticket, msg string, query url.Values) ([]byte, error) {
	u := c.baseURL + "/" + ticket + "/" + msg + "/" + c.token
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
