package ableton

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// udpSink captures datagrams on a loopback socket.
type udpSink struct {
	conn     *net.UDPConn
	received chan []byte
}

func newUDPSink(t *testing.T) *udpSink {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	sink := &udpSink{conn: conn, received: make(chan []byte, 16)}
	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			sink.received <- payload
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return sink
}

func (s *udpSink) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.conn.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (s *udpSink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case payload := <-s.received:
		return payload
	case <-time.After(time.Second):
		t.Fatal("no datagram received")
		return nil
	}
}

func TestSetDeviceParameter(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.SetDeviceParameter(0, 1, 2, 62.0))

	var cmd parameterCommand
	require.NoError(t, json.Unmarshal(sink.next(t), &cmd))
	assert.Equal(t, "set_device_parameter", cmd.Type)
	assert.Equal(t, 0, cmd.Params.TrackIndex)
	assert.Equal(t, 1, cmd.Params.DeviceIndex)
	assert.Equal(t, 2, cmd.Params.ParameterIndex)
	assert.Equal(t, 62.0, cmd.Params.Value)
}

func TestBatchSetDeviceParameters(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.BatchSetDeviceParameters(1, 0, []int{2, 5}, []float64{62.0, 0.5}))

	var cmd batchCommand
	require.NoError(t, json.Unmarshal(sink.next(t), &cmd))
	assert.Equal(t, "batch_set_device_parameters", cmd.Type)
	assert.Equal(t, 1, cmd.Params.TrackIndex)
	assert.Equal(t, 0, cmd.Params.DeviceIndex)
	assert.Equal(t, []int{2, 5}, cmd.Params.ParameterIndices)
	assert.Equal(t, []float64{62.0, 0.5}, cmd.Params.Values)
}

func TestBatchOfOneCollapsesToSingle(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.BatchSetDeviceParameters(0, 0, []int{3}, []float64{0.7}))

	var cmd parameterCommand
	require.NoError(t, json.Unmarshal(sink.next(t), &cmd))
	assert.Equal(t, "set_device_parameter", cmd.Type)
	assert.Equal(t, 3, cmd.Params.ParameterIndex)
}

func TestBatchLengthMismatch(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	defer sender.Close()

	err = sender.BatchSetDeviceParameters(0, 0, []int{1, 2}, []float64{0.5})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestBatchEmptyIsNoop(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.BatchSetDeviceParameters(0, 0, nil, nil))
	select {
	case <-sink.received:
		t.Fatal("empty batch must not send a datagram")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	sink := newUDPSink(t)
	host, port := sink.hostPort(t)

	sender, err := NewSender(host, port, nil)
	require.NoError(t, err)
	require.NoError(t, sender.Close())

	err = sender.SetDeviceParameter(0, 0, 0, 1.0)
	require.Error(t, err)
}
