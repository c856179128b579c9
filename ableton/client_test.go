package ableton

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// fakeBridge is a loopback stand-in for the command bridge: it accepts one
// connection at a time, decodes a request, and answers with a canned
// response built by respond.
type fakeBridge struct {
	t        *testing.T
	listener net.Listener
	respond  func(req Request) []byte
}

func newFakeBridge(t *testing.T, respond func(req Request) []byte) *fakeBridge {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBridge{t: t, listener: listener, respond: respond}
	go b.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return b
}

func (b *fakeBridge) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.handle(conn)
	}
}

func (b *fakeBridge) handle(conn net.Conn) {
	defer conn.Close()
	decoder := json.NewDecoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		if _, err := conn.Write(b.respond(req)); err != nil {
			return
		}
	}
}

func (b *fakeBridge) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func okResponse(result map[string]any) []byte {
	payload, _ := json.Marshal(Response{Status: "success", Result: result})
	return payload
}

func TestSendCommandRoundTrip(t *testing.T) {
	bridge := newFakeBridge(t, func(req Request) []byte {
		return okResponse(map[string]any{"echo": req.Type})
	})
	host, port := bridge.hostPort(t)

	client := NewClient(host, port, nil)
	defer client.Close()

	result, err := client.SendCommand(context.Background(), "get_session_info", nil)
	require.NoError(t, err)
	assert.Equal(t, "get_session_info", result["echo"])
}

func TestSendCommandForwardsParams(t *testing.T) {
	var got Request
	bridge := newFakeBridge(t, func(req Request) []byte {
		got = req
		return okResponse(nil)
	})
	host, port := bridge.hostPort(t)

	client := NewClient(host, port, nil)
	defer client.Close()

	_, err := client.SendCommand(context.Background(), "set_track_volume", map[string]any{
		"track_index": 2,
		"value":       0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "set_track_volume", got.Type)
	assert.Equal(t, float64(2), got.Params["track_index"])
	assert.Equal(t, 0.8, got.Params["value"])
}

func TestSendCommandPeerError(t *testing.T) {
	bridge := newFakeBridge(t, func(req Request) []byte {
		payload, _ := json.Marshal(Response{Status: "error", Message: "no such track"})
		return payload
	})
	host, port := bridge.hostPort(t)

	client := NewClient(host, port, nil)
	defer client.Close()

	_, err := client.SendCommand(context.Background(), "get_track_info", nil)
	require.Error(t, err)
	assert.True(t, errors.IsPeer(err))
	assert.Contains(t, err.Error(), "no such track")
}

func TestSendCommandEmptyTypeRejected(t *testing.T) {
	client := NewClient("127.0.0.1", 1, nil)
	_, err := client.SendCommand(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSendCommandFragmentedResponse(t *testing.T) {
	// The bridge may flush a response across several TCP segments; the
	// client must keep accumulating until the document parses.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		payload := okResponse(map[string]any{"tempo": 120.0})
		half := len(payload) / 2
		_, _ = conn.Write(payload[:half])
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.Write(payload[half:])
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := NewClient(host, port, nil)
	defer client.Close()

	result, err := client.SendCommand(context.Background(), "get_session_info", nil)
	require.NoError(t, err)
	assert.Equal(t, 120.0, result["tempo"])
}

func TestSendCommandReadTimeoutTearsDown(t *testing.T) {
	// Server accepts but never responds.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		// Hold the connection open without answering.
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := NewClient(host, port, nil, WithReadTimeout(100*time.Millisecond))
	defer client.Close()

	_, err = client.SendCommand(context.Background(), "get_session_info", nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	client.mu.Lock()
	assert.Nil(t, client.conn, "failed command must discard the connection")
	client.mu.Unlock()
}

func TestSendCommandReconnectsAfterFailure(t *testing.T) {
	bridge := newFakeBridge(t, func(req Request) []byte {
		return okResponse(map[string]any{"ok": true})
	})
	host, port := bridge.hostPort(t)

	client := NewClient(host, port, nil, WithReadTimeout(time.Second))
	defer client.Close()

	_, err := client.SendCommand(context.Background(), "first", nil)
	require.NoError(t, err)

	// Force a dead connection; the next command should redial.
	client.mu.Lock()
	client.conn.Close()
	client.mu.Unlock()

	_, err = client.SendCommand(context.Background(), "second", nil)
	if err != nil {
		// First attempt may surface the broken pipe; one more settles it.
		_, err = client.SendCommand(context.Background(), "second", nil)
	}
	require.NoError(t, err)
}

func TestSendCommandDialFailure(t *testing.T) {
	// Grab a port then close it so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	listener.Close()

	client := NewClient(host, port, nil, WithDialTimeout(100*time.Millisecond))
	_, err = client.SendCommand(context.Background(), "get_session_info", nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
