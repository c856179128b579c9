package ableton

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// parameterCommand is the datagram payload for a single parameter set.
type parameterCommand struct {
	Type   string          `json:"type"`
	Params parameterParams `json:"params"`
}

type parameterParams struct {
	TrackIndex     int     `json:"track_index"`
	DeviceIndex    int     `json:"device_index"`
	ParameterIndex int     `json:"parameter_index"`
	Value          float64 `json:"value"`
}

// batchCommand sets several parameters of one device in a single datagram.
type batchCommand struct {
	Type   string      `json:"type"`
	Params batchParams `json:"params"`
}

type batchParams struct {
	TrackIndex       int       `json:"track_index"`
	DeviceIndex      int       `json:"device_index"`
	ParameterIndices []int     `json:"parameter_indices"`
	Values           []float64 `json:"values"`
}

// Sender dispatches parameter values over a connected UDP socket. Sends are
// fire-and-forget: a lost datagram is superseded by the next frame anyway,
// so there is no retry and no acknowledgement.
type Sender struct {
	addr   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn

	metrics *senderMetrics
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderMetrics enables Prometheus metrics for dispatched parameters.
func WithSenderMetrics(m *senderMetrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender creates a parameter sender for host:port and connects the
// socket immediately; a connected UDP socket surfaces ICMP errors on send
// instead of silently blackholing.
func NewSender(host string, port int, logger *slog.Logger, opts ...SenderOption) (*Sender, error) {
	if logger == nil {
		logger = slog.Default().With("component", "ableton-sender")
	}
	s := &Sender{
		addr:   net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) connect() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return errors.WrapInvalid(err, "Sender", "connect", fmt.Sprintf("resolve %s", s.addr))
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return errors.WrapTransient(err, "Sender", "connect", fmt.Sprintf("dial %s", s.addr))
	}
	s.conn = conn
	return nil
}

// SetDeviceParameter dispatches one parameter value.
func (s *Sender) SetDeviceParameter(track, device, parameter int, value float64) error {
	cmd := parameterCommand{
		Type: "set_device_parameter",
		Params: parameterParams{
			TrackIndex:     track,
			DeviceIndex:    device,
			ParameterIndex: parameter,
			Value:          value,
		},
	}
	err := s.send(cmd)
	s.metrics.observe(err)
	return err
}

// BatchSetDeviceParameters dispatches several parameter values for one
// track/device pair in a single datagram. Indices and values must be the
// same length.
func (s *Sender) BatchSetDeviceParameters(track, device int, parameters []int, values []float64) error {
	if len(parameters) != len(values) {
		err := errors.WrapInvalid(
			fmt.Errorf("got %d parameter indices and %d values", len(parameters), len(values)),
			"Sender", "BatchSetDeviceParameters", "length mismatch")
		s.metrics.observe(err)
		return err
	}
	if len(parameters) == 0 {
		return nil
	}
	if len(parameters) == 1 {
		return s.SetDeviceParameter(track, device, parameters[0], values[0])
	}

	cmd := batchCommand{
		Type: "batch_set_device_parameters",
		Params: batchParams{
			TrackIndex:       track,
			DeviceIndex:      device,
			ParameterIndices: parameters,
			Values:           values,
		},
	}
	err := s.send(cmd)
	s.metrics.observe(err)
	return err
}

func (s *Sender) send(cmd any) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.WrapInvalid(err, "Sender", "send", "command encoding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.Wrap(errors.ErrNoConnection, "Sender", "send", "socket closed")
	}
	if _, err := s.conn.Write(payload); err != nil {
		return errors.WrapTransient(err, "Sender", "send", "datagram write")
	}
	return nil
}

// Close releases the socket. Subsequent sends fail.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
