// Package mocap receives motion-capture value batches over UDP and feeds
// them into the router's ingestion queue.
//
// The capture rig sends JSON datagrams at frame rate. Each datagram is a
// flat object of stream name to numeric value, optionally carrying a
// "streams" array naming the senders the rig currently advertises. Frames
// are disposable: a malformed datagram is discarded and a full queue drops
// the newest frame, because the next frame supersedes it either way.
package mocap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/message"
	"github.com/spacemonqi/ableton-mcp-extended/metric"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/buffer"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/retry"
)

const (
	readDeadlineInterval = 100 * time.Millisecond
	datagramBufferSize   = 65536
	socketBufferSize     = 2 * 1024 * 1024
)

// Metrics holds Prometheus metrics for the mocap listener.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	decodeFailures  prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "mocap",
			Name:      "packets_received_total",
			Help:      "UDP datagrams received from the capture rig",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "mocap",
			Name:      "bytes_received_total",
			Help:      "Bytes received from the capture rig",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "mocap",
			Name:      "decode_failures_total",
			Help:      "Datagrams discarded because they did not parse",
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "mocap",
			Name:      "socket_errors_total",
			Help:      "Socket read errors encountered",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "motionroute",
			Subsystem: "mocap",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received datagram",
		}),
	}

	serviceName := fmt.Sprintf("mocap_%d", port)
	registry.RegisterCounter(serviceName, "packets_received", m.packetsReceived)
	registry.RegisterCounter(serviceName, "bytes_received", m.bytesReceived)
	registry.RegisterCounter(serviceName, "decode_failures", m.decodeFailures)
	registry.RegisterCounter(serviceName, "socket_errors", m.socketErrors)
	registry.RegisterGauge(serviceName, "last_activity", m.lastActivity)
	return m
}

// Listener binds a UDP port, decodes incoming batches, and writes them to
// the ingestion queue.
type Listener struct {
	port   int
	bind   string
	queue  buffer.Buffer[message.Batch]
	logger *slog.Logger

	retryConfig retry.Config

	// receiveLog throttles the received-frame log line so frame-rate
	// traffic does not flood the output.
	receiveLog *rate.Limiter

	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	conn      *net.UDPConn

	packetsReceived atomic.Int64
	decodeFailures  atomic.Int64
	socketErrors    atomic.Int64

	metrics *Metrics
}

// ListenerDeps holds runtime dependencies for the mocap listener.
type ListenerDeps struct {
	Port            int
	Bind            string
	Queue           buffer.Buffer[message.Batch]
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewListener creates a mocap listener. The queue is required; it is the
// handoff point to the router engine.
func NewListener(deps ListenerDeps) *Listener {
	bind := deps.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mocap-listener", "port", deps.Port)
	}

	return &Listener{
		port:        deps.Port,
		bind:        bind,
		queue:       deps.Queue,
		logger:      logger,
		retryConfig: retry.DefaultConfig(),
		receiveLog:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		metrics:     newMetrics(deps.MetricsRegistry, deps.Port),
	}
}

// Initialize validates configuration before the listener starts.
func (l *Listener) Initialize() error {
	if l.port < 0 || l.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", l.port),
			"mocap-listener", "Initialize", "port validation")
	}
	if l.queue == nil {
		return errors.WrapInvalid(fmt.Errorf("nil ingestion queue"),
			"mocap-listener", "Initialize", "queue validation")
	}
	return nil
}

// Start binds the socket and begins the read loop. Idempotent while running.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}

	l.shutdown = make(chan struct{})
	l.done = make(chan struct{})

	if err := retry.Do(ctx, l.retryConfig, l.bindSocket); err != nil {
		l.cleanupLocked()
		return errors.WrapTransient(err, "mocap-listener", "Start", "socket binding")
	}

	l.running.Store(true)
	l.startTime = time.Now()
	l.logger.Info("Listening for motion capture data", "bind", l.bind, "port", l.port)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.done)
		l.readLoop(ctx)
	}()

	return nil
}

func (l *Listener) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", l.bind, l.port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s:%d: %w", l.bind, l.port, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", l.port, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		l.logger.Warn("Could not set UDP buffer size",
			"buffer_size", socketBufferSize, "error", err)
	}

	l.conn = conn
	return nil
}

// Port returns the bound port, useful when started with port 0.
func (l *Listener) Port() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return l.port
	}
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Stop closes the socket and waits for the read loop to drain.
func (l *Listener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)

	l.mu.Lock()
	if l.shutdown != nil {
		select {
		case <-l.shutdown:
		default:
			close(l.shutdown)
		}
	}
	if l.conn != nil {
		_ = l.conn.Close()
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"mocap-listener", "Stop", "graceful shutdown")
	}

	l.mu.Lock()
	l.cleanupLocked()
	l.mu.Unlock()
	return nil
}

func (l *Listener) cleanupLocked() {
	if l.shutdown != nil {
		select {
		case <-l.shutdown:
		default:
			close(l.shutdown)
		}
		l.shutdown = nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func (l *Listener) readLoop(ctx context.Context) {
	datagram := make([]byte, datagramBufferSize)

	for l.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return
		}

		// Short deadline so shutdown is noticed promptly.
		_ = conn.SetReadDeadline(time.Now().Add(readDeadlineInterval))

		n, _, err := conn.ReadFromUDP(datagram)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-l.shutdown:
				return
			default:
			}
			l.socketErrors.Add(1)
			if l.metrics != nil {
				l.metrics.socketErrors.Inc()
			}
			continue
		}

		l.handleDatagram(datagram[:n])
	}
}

func (l *Listener) handleDatagram(data []byte) {
	l.packetsReceived.Add(1)
	if l.metrics != nil {
		l.metrics.packetsReceived.Inc()
		l.metrics.bytesReceived.Add(float64(len(data)))
		l.metrics.lastActivity.Set(float64(time.Now().Unix()))
	}

	batch, err := message.DecodeBatch(data)
	if err != nil {
		// Malformed frames are expected noise on a shared port; discard
		// without logging each one.
		l.decodeFailures.Add(1)
		if l.metrics != nil {
			l.metrics.decodeFailures.Inc()
		}
		return
	}

	if l.receiveLog.Allow() {
		l.logger.Debug("Receiving motion frames",
			"values", len(batch.Values),
			"advertised_streams", len(batch.Streams))
	}

	// A full queue drops this frame inside Write (drop-newest policy);
	// an error here only means the queue was closed during shutdown.
	_ = l.queue.Write(batch)
}

// Stats reports listener counters for the control API.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		PacketsReceived: l.packetsReceived.Load(),
		DecodeFailures:  l.decodeFailures.Load(),
		SocketErrors:    l.socketErrors.Load(),
	}
}

// ListenerStats is a snapshot of listener counters.
type ListenerStats struct {
	PacketsReceived int64 `json:"packets_received"`
	DecodeFailures  int64 `json:"decode_failures"`
	SocketErrors    int64 `json:"socket_errors"`
}
