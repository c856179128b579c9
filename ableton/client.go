// Package ableton talks to the target application's remote-control bridge:
// a TCP stream for synchronous request/response commands and a UDP socket
// for fire-and-forget parameter sets.
//
// The Client is a deliberate chokepoint. Every control command - whether
// dispatched by the router engine's HTTP proxy or an ad hoc query tool -
// funnels through one mutex-serialized connection, because interleaved
// requests on the shared stream would corrupt response framing.
package ableton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/retry"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 10 * time.Second
	readChunkSize      = 8192
)

// Request is the command envelope written to the stream.
type Request struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// Response is the command envelope read back. The peer does not delimit
// messages by length; framing is reconstructed by accumulating bytes until
// a complete JSON document parses.
type Response struct {
	Status  string         `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Client maintains at most one live connection to the command bridge.
type Client struct {
	host        string
	port        int
	dialTimeout time.Duration
	readTimeout time.Duration
	retryConfig retry.Config
	logger      *slog.Logger

	// mu serializes commands: one in-flight request at a time.
	mu   sync.Mutex
	conn net.Conn

	metrics *clientMetrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReadTimeout overrides the response read timeout.
func WithReadTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.readTimeout = d }
}

// WithDialTimeout overrides the connect timeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithClientMetrics enables Prometheus metrics for command traffic.
func WithClientMetrics(m *clientMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a command client for host:port. No connection is made
// until the first command.
func NewClient(host string, port int, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "ableton-client")
	}
	c := &Client{
		host:        host,
		port:        port,
		dialTimeout: defaultDialTimeout,
		readTimeout: defaultReadTimeout,
		retryConfig: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendCommand writes one request and reads its response, establishing the
// connection on demand. Concurrent callers are serialized. Any I/O or parse
// failure, and any error status from the peer, tears the connection down so
// the next call starts clean.
func (c *Client) SendCommand(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	if commandType == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("command type is required"),
			"Client", "SendCommand", "request validation")
	}
	if params == nil {
		params = map[string]any{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	result, err := c.sendLocked(ctx, commandType, params)
	if c.metrics != nil {
		c.metrics.observe(commandType, time.Since(start), err)
	}
	if err != nil {
		c.teardownLocked()
		return nil, err
	}
	return result, nil
}

func (c *Client) sendLocked(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(Request{Type: commandType, Params: params})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "SendCommand", "request encoding")
	}
	if _, err := c.conn.Write(payload); err != nil {
		return nil, errors.WrapTransient(err, "Client", "SendCommand", "request write")
	}

	resp, err := c.readResponseLocked()
	if err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		msg := resp.Message
		if msg == "" {
			msg = "unknown error from target application"
		}
		return nil, errors.WrapPeer(fmt.Errorf("%s", msg), "Client", "SendCommand", commandType)
	}
	if resp.Result == nil {
		return map[string]any{}, nil
	}
	return resp.Result, nil
}

// connectLocked establishes the connection if absent. Caller holds mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	dial := func() error {
		dialer := net.Dialer{Timeout: c.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}

	if err := retry.Do(ctx, c.retryConfig, dial); err != nil {
		return errors.WrapTransient(err, "Client", "connect", fmt.Sprintf("dial %s", addr))
	}
	c.logger.Debug("Connected to command bridge", "addr", addr)
	return nil
}

// readResponseLocked accumulates bytes until a complete JSON document
// parses or the read deadline fails the call. Caller holds mu.
func (c *Client) readResponseLocked() (Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return Response{}, errors.WrapTransient(err, "Client", "readResponse", "deadline set")
	}

	var accumulated []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			accumulated = append(accumulated, chunk[:n]...)
			var resp Response
			if jsonErr := json.Unmarshal(accumulated, &resp); jsonErr == nil {
				return resp, nil
			}
			// Partial document: keep reading.
		}
		if err != nil {
			if len(accumulated) > 0 {
				var resp Response
				if jsonErr := json.Unmarshal(accumulated, &resp); jsonErr == nil {
					return resp, nil
				}
			}
			return Response{}, errors.WrapTransient(err, "Client", "readResponse", "response read")
		}
	}
}

// teardownLocked discards the connection. Caller holds mu.
func (c *Client) teardownLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close discards any live connection. A command in flight finishes first
// (bounded by the read timeout) because Close takes the same mutex.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}
