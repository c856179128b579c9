package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
)

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mappings": s.store.ListMappings(),
	})
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	mapping, err := normalizeMappingPayload(payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Create is strict: an existing mapping for the stream must be
	// updated through PUT, not silently replaced.
	if _, exists := s.store.GetMapping(mapping.MotionStream); exists {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"detail": fmt.Sprintf("mapping for stream %q already exists", mapping.MotionStream),
		})
		return
	}

	stored, err := s.store.AddMapping(mapping)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mapping": stored})
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("stream")

	existing, ok := s.store.GetMapping(stream)
	if !ok {
		s.writeError(w, errors.WrapNotFound(errors.ErrMappingNotFound,
			"control-api", "handleUpdateMapping", stream))
		return
	}

	payload, err := decodeBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The path wins over any stream name in the body.
	payload["motion_stream"] = stream

	mapping, err := mergeMappingPayload(existing, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stored, err := s.store.UpdateMapping(stream, mapping)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mapping": stored})
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("stream")
	if err := s.store.DeleteMapping(stream); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCreateFromLast(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream, _ := payload["motion_stream"].(string)
	if stream == "" {
		s.writeError(w, errors.WrapInvalid(fmt.Errorf("motion_stream is required"),
			"control-api", "handleCreateFromLast", "stream validation"))
		return
	}

	rangeMin := 0.0
	if v, ok := floatValue(payload["range_min"]); ok {
		rangeMin = v
	}
	rangeMax := 1.0
	if v, ok := floatValue(payload["range_max"]); ok {
		rangeMax = v
	}
	smoothing := 0.0
	if v, ok := floatValue(payload["smoothing"]); ok {
		smoothing = v
	}
	enabled := true
	if v, ok := payload["enabled"].(bool); ok {
		enabled = v
	}

	mapping, err := s.mappingFromLastSelected(r, stream, rangeMin, rangeMax, smoothing, enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stored, err := s.store.AddMapping(mapping)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mapping": stored})
}

// mappingFromLastSelected builds a mapping from the control surface's most
// recently selected parameter.
func (s *Server) mappingFromLastSelected(r *http.Request, stream string, rangeMin, rangeMax, smoothing float64, enabled bool) (mappings.Mapping, error) {
	selected, err := s.lastSelected(r)
	if err != nil {
		return mappings.Mapping{}, err
	}

	if kind, _ := selected["type"].(string); kind != "parameter" {
		return mappings.Mapping{}, errors.WrapInvalid(
			fmt.Errorf("last selected item is not a parameter"),
			"control-api", "mappingFromLastSelected", "selection kind check")
	}

	data, _ := selected["data"].(map[string]any)
	track, trackOK := intValue(data["track_index"])
	device, deviceOK := intValue(data["device_index"])
	parameter, parameterOK := intValue(data["param_index"])
	if !parameterOK {
		parameter, parameterOK = intValue(data["parameter_index"])
	}
	if !trackOK || !deviceOK || !parameterOK {
		return mappings.Mapping{}, errors.WrapInvalid(
			fmt.Errorf("last selected parameter is missing indices"),
			"control-api", "mappingFromLastSelected", "index extraction")
	}

	deviceName, _ := data["device_name"].(string)
	if deviceName == "" {
		deviceName = fmt.Sprintf("Device %d", device)
	}
	paramName, _ := data["param_name"].(string)
	if paramName == "" {
		paramName = fmt.Sprintf("Param %d", parameter)
	}
	trackName, _ := data["track_name"].(string)

	return mappings.Mapping{
		MotionStream: stream,
		Target:       mappings.NewTarget(track, device, parameter),
		TargetMeta: map[string]any{
			"track_name":  trackName,
			"device_name": deviceName,
			"param_name":  paramName,
		},
		DisplayName: fmt.Sprintf("Track %d %s %s", track, deviceName, paramName),
		Range:       []float64{rangeMin, rangeMax},
		Smoothing:   smoothing,
		Enabled:     enabled,
	}, nil
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"streams": s.store.DiscoveredStreams(s.discoveryTTL()),
	})
}

func (s *Server) handleStreamValues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.values.StreamValues())
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	observed := map[string]any{
		"streams":  s.store.DiscoveredStreams(s.discoveryTTL()),
		"mappings": s.store.ListMappings(),
	}

	// The aggregate view is usable even when the target application is
	// down; the selection slot then carries the failure instead.
	selected, err := s.lastSelected(r)
	if err != nil {
		observed["last_selected"] = map[string]any{"error": err.Error()}
	} else {
		observed["last_selected"] = selected
	}

	s.writeJSON(w, http.StatusOK, observed)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	commandType, _ := payload["type"].(string)
	if commandType == "" {
		s.writeError(w, errors.WrapInvalid(fmt.Errorf("type is required"),
			"control-api", "handleCommand", "command validation"))
		return
	}
	params, _ := payload["params"].(map[string]any)

	if s.commands == nil {
		s.writeError(w, errors.WrapTransient(errors.ErrNoConnection,
			"control-api", "handleCommand", "command client unavailable"))
		return
	}

	ctx, cancel := contextWithTimeout(r, commandTimeout)
	defer cancel()
	result, err := s.commands.SendCommand(ctx, commandType, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
}

func (s *Server) handleLastSelected(w http.ResponseWriter, r *http.Request) {
	selected, err := s.lastSelected(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, selected)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) lastSelected(r *http.Request) (map[string]any, error) {
	if s.commands == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection,
			"control-api", "lastSelected", "command client unavailable")
	}
	ctx, cancel := contextWithTimeout(r, commandTimeout)
	defer cancel()
	return s.commands.SendCommand(ctx, "get_last_selected_parameter", nil)
}

// discoveryTTL reads the configured stream TTL, falling back to the
// default window.
func (s *Server) discoveryTTL() time.Duration {
	return s.store.Settings().Seconds("streams_ttl_seconds", defaultCacheTTL)
}
