package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
	"github.com/spacemonqi/ableton-mcp-extended/routing"
)

// fakeCommands scripts command responses for the proxy endpoints.
type fakeCommands struct {
	mu        sync.Mutex
	responses map[string]map[string]any
	err       error
	calls     []string
}

func (f *fakeCommands) SendCommand(_ context.Context, commandType string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandType)
	if f.err != nil {
		return nil, f.err
	}
	if resp, ok := f.responses[commandType]; ok {
		return resp, nil
	}
	return map[string]any{}, nil
}

// staticValues is a fixed live-value view.
type staticValues struct {
	values map[string]float64
}

func (s staticValues) StreamValues() routing.Snapshot {
	return routing.Snapshot{Timestamp: 1234.5, Values: s.values}
}

type apiFixture struct {
	server   *Server
	store    *mappings.Store
	commands *fakeCommands
	base     string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := mappings.NewStore(
		filepath.Join(dir, "mappings.json"),
		filepath.Join(dir, "streams.json"),
		slog.Default(),
	)
	require.NoError(t, err)

	commands := &fakeCommands{responses: map[string]map[string]any{}}
	server := NewServer(ServerDeps{
		Host:     "127.0.0.1",
		Port:     0,
		Store:    store,
		Values:   staticValues{values: map[string]float64{"hip": 0.5}},
		Commands: commands,
	})
	require.NoError(t, server.Initialize())
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(time.Second) })

	return &apiFixture{
		server:   server,
		store:    store,
		commands: commands,
		base:     "http://" + server.Addr(),
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.base+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func validMappingPayload(stream string) map[string]any {
	return map[string]any{
		"motion_stream":   stream,
		"track_index":     0,
		"device_index":    1,
		"parameter_index": 2,
		"range":           []float64{20, 80},
	}
}

func TestMappingCRUDOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.request(t, http.MethodPost, "/api/mappings", validMappingPayload("wrist-bend"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	mapping := body["mapping"].(map[string]any)
	assert.Equal(t, "wrist-bend", mapping["motion_stream"])

	status, body = f.request(t, http.MethodGet, "/api/mappings", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["mappings"], 1)

	status, body = f.request(t, http.MethodPut, "/api/mappings/wrist-bend",
		map[string]any{"smoothing": 0.5})
	require.Equal(t, http.StatusOK, status)
	mapping = body["mapping"].(map[string]any)
	assert.Equal(t, 0.5, mapping["smoothing"])

	status, _ = f.request(t, http.MethodDelete, "/api/mappings/wrist-bend", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, f.store.ListMappings())
}

func TestCreateDuplicateConflicts(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.request(t, http.MethodPost, "/api/mappings", validMappingPayload("hip"))
	require.Equal(t, http.StatusOK, status)

	status, body := f.request(t, http.MethodPost, "/api/mappings", validMappingPayload("hip"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["detail"], "already exists")
}

func TestCreateInvalidPayload(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.request(t, http.MethodPost, "/api/mappings",
		map[string]any{"motion_stream": "hip"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateMissingMappingIs404(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.request(t, http.MethodPut, "/api/mappings/ghost",
		map[string]any{"smoothing": 0.5})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeleteMissingMappingIs404(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.request(t, http.MethodDelete, "/api/mappings/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamValuesEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.request(t, http.MethodGet, "/api/stream-values", nil)
	require.Equal(t, http.StatusOK, status)
	values := body["values"].(map[string]any)
	assert.Equal(t, 0.5, values["hip"])
	assert.Equal(t, 1234.5, body["timestamp"])
}

func TestStreamsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.store.RegisterStreams([]string{"wrist-bend"})

	status, body := f.request(t, http.MethodGet, "/api/streams", nil)
	require.Equal(t, http.StatusOK, status)
	streams := body["streams"].([]any)
	require.Len(t, streams, 1)
	first := streams[0].(map[string]any)
	assert.Equal(t, "wrist-bend", first["name"])
}

func TestCommandProxy(t *testing.T) {
	f := newAPIFixture(t)
	f.commands.responses["get_session_info"] = map[string]any{"tempo": 120.0}

	status, body := f.request(t, http.MethodPost, "/api/command",
		map[string]any{"type": "get_session_info", "params": map[string]any{}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, 120.0, result["tempo"])
}

func TestCommandProxyRequiresType(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.request(t, http.MethodPost, "/api/command", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCommandProxyPeerFailureIs502(t *testing.T) {
	f := newAPIFixture(t)
	f.commands.err = errors.WrapPeer(fmt.Errorf("no such track"),
		"Client", "SendCommand", "get_track_info")

	status, body := f.request(t, http.MethodPost, "/api/command",
		map[string]any{"type": "get_track_info"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["detail"], "no such track")
}

func TestCreateFromLastSelected(t *testing.T) {
	f := newAPIFixture(t)
	f.commands.responses["get_last_selected_parameter"] = map[string]any{
		"type": "parameter",
		"data": map[string]any{
			"track_index":  2.0,
			"device_index": 0.0,
			"param_index":  7.0,
			"track_name":   "Drums",
			"device_name":  "Auto Filter",
			"param_name":   "Frequency",
		},
	}

	status, body := f.request(t, http.MethodPost, "/api/mappings/create-from-last",
		map[string]any{"motion_stream": "wrist-bend", "range_min": 20, "range_max": 80})
	require.Equal(t, http.StatusOK, status)

	mapping := body["mapping"].(map[string]any)
	assert.Equal(t, "Track 2 Auto Filter Frequency", mapping["display_name"])

	stored, ok := f.store.GetMapping("wrist-bend")
	require.True(t, ok)
	track, device, parameter, ok := stored.Target.Indices()
	require.True(t, ok)
	assert.Equal(t, 2, track)
	assert.Equal(t, 0, device)
	assert.Equal(t, 7, parameter)
	assert.Equal(t, []float64{20, 80}, stored.Range)
}

func TestCreateFromLastRejectsNonParameter(t *testing.T) {
	f := newAPIFixture(t)
	f.commands.responses["get_last_selected_parameter"] = map[string]any{
		"type": "clip",
	}

	status, body := f.request(t, http.MethodPost, "/api/mappings/create-from-last",
		map[string]any{"motion_stream": "hip"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "not a parameter")
}

func TestObserveAggregatesState(t *testing.T) {
	f := newAPIFixture(t)
	f.store.RegisterStreams([]string{"hip"})
	f.commands.responses["get_last_selected_parameter"] = map[string]any{"type": "parameter"}

	status, body := f.request(t, http.MethodGet, "/api/observe", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "streams")
	assert.Contains(t, body, "mappings")
	assert.Contains(t, body, "last_selected")
}

func TestObserveSurvivesPeerFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.commands.err = errors.WrapPeer(fmt.Errorf("bridge down"),
		"Client", "SendCommand", "get_last_selected_parameter")

	status, body := f.request(t, http.MethodGet, "/api/observe", nil)
	require.Equal(t, http.StatusOK, status)
	selected := body["last_selected"].(map[string]any)
	assert.Contains(t, selected["error"], "bridge down")
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.base+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))

	// Absent, one is generated.
	resp2, err := http.Get(f.base + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}

func TestWebsocketStreamValues(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws://" + f.server.Addr() + "/ws/stream-values"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snapshot routing.Snapshot
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, 0.5, snapshot.Values["hip"])
}
