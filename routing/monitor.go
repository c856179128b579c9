package routing

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

const defaultMonitorSubject = "motionroute.stream-values"

// NATSMonitor publishes live-value snapshots to a NATS subject so remote
// dashboards can subscribe instead of polling the snapshot file. Configured
// with the monitor_nats_url setting; absent, no monitor is created.
type NATSMonitor struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSMonitor connects to the broker and returns a snapshot sink
// publishing on subject (default "motionroute.stream-values").
func NewNATSMonitor(url, subject string, logger *slog.Logger) (*NATSMonitor, error) {
	if logger == nil {
		logger = slog.Default().With("component", "nats-monitor")
	}
	if subject == "" {
		subject = defaultMonitorSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("motionroute-monitor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Monitor broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Monitor broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSMonitor", "connect", "broker dial")
	}

	return &NATSMonitor{conn: conn, subject: subject, logger: logger}, nil
}

// WriteSnapshot publishes the snapshot. Publishing is async on the client
// side; a buffered failure surfaces on the next flush.
func (m *NATSMonitor) WriteSnapshot(snapshot Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.WrapInvalid(err, "NATSMonitor", "WriteSnapshot", "snapshot encoding")
	}
	if err := m.conn.Publish(m.subject, payload); err != nil {
		return errors.WrapTransient(err, "NATSMonitor", "WriteSnapshot", "publish")
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (m *NATSMonitor) Close() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Flush()
	m.conn.Close()
}
