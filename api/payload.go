package api

import (
	"encoding/json"
	"fmt"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
)

// normalizeMappingPayload converts a loosely-shaped client payload into a
// validated Mapping. Clients may nest the target under "target" or supply
// the index fields at the top level; ranges arrive either as a "range"
// array or as range_min/range_max scalars. A missing display name is
// synthesized from the target indices.
func normalizeMappingPayload(payload map[string]any) (mappings.Mapping, error) {
	stream, _ := payload["motion_stream"].(string)
	if stream == "" {
		return mappings.Mapping{}, errors.WrapInvalid(
			fmt.Errorf("motion_stream is required"),
			"control-api", "normalizeMappingPayload", "stream validation")
	}

	target := map[string]any{}
	if nested, ok := payload["target"].(map[string]any); ok {
		for key, value := range nested {
			target[key] = value
		}
	}
	for _, key := range []string{"track_index", "device_index", "parameter_index"} {
		if value, ok := payload[key]; ok {
			target[key] = value
		}
	}

	track, trackOK := intValue(target["track_index"])
	device, deviceOK := intValue(target["device_index"])
	parameter, parameterOK := intValue(target["parameter_index"])
	if !trackOK || !deviceOK || !parameterOK {
		return mappings.Mapping{}, errors.WrapInvalid(
			fmt.Errorf("track_index, device_index, parameter_index are required"),
			"control-api", "normalizeMappingPayload", "target validation")
	}

	rangeMin, rangeMax := 0.0, 1.0
	if rng, ok := payload["range"].([]any); ok && len(rng) >= 2 {
		if v, ok := floatValue(rng[0]); ok {
			rangeMin = v
		}
		if v, ok := floatValue(rng[1]); ok {
			rangeMax = v
		}
	}
	if v, ok := floatValue(payload["range_min"]); ok {
		rangeMin = v
	}
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

	displayName, _ := payload["display_name"].(string)
	if displayName == "" {
		displayName = fmt.Sprintf("Track %d Device %d Param %d", track, device, parameter)
	}

	var targetMeta map[string]any
	if meta, ok := payload["target_meta"].(map[string]any); ok {
		targetMeta = meta
	}

	return mappings.Mapping{
		MotionStream: stream,
		Target:       mappings.NewTarget(track, device, parameter),
		TargetMeta:   targetMeta,
		DisplayName:  displayName,
		Range:        []float64{rangeMin, rangeMax},
		Smoothing:    smoothing,
		Enabled:      enabled,
	}, nil
}

// mergeMappingPayload overlays a partial update payload on an existing
// mapping, then normalizes the result. Fields absent from the payload keep
// their stored values.
func mergeMappingPayload(existing mappings.Mapping, payload map[string]any) (mappings.Mapping, error) {
	raw, err := json.Marshal(existing)
	if err != nil {
		return mappings.Mapping{}, errors.WrapInvalid(err,
			"control-api", "mergeMappingPayload", "existing mapping encoding")
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return mappings.Mapping{}, errors.WrapInvalid(err,
			"control-api", "mergeMappingPayload", "existing mapping decoding")
	}
	for key, value := range payload {
		merged[key] = value
	}
	return normalizeMappingPayload(merged)
}

// intValue coerces JSON numbers (json.Number from UseNumber decoding, or
// float64 from plain decoding) into an int.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// floatValue coerces JSON numbers into a float64.
func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
