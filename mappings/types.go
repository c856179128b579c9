// Package mappings implements the routing table manager: the persisted
// stream-to-parameter mapping document, thread-safe CRUD, stream discovery
// bookkeeping, and hot reload of external edits.
//
// The persisted document is shared with external editors (the web UI writes
// it, users edit it by hand), so every load normalizes the structure and
// validates it against a JSON schema before it replaces the in-memory
// table. A corrupt document never crashes the process; the table falls back
// to defaults and the failure is logged.
package mappings

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// Target identifies a controllable parameter in the external application.
// Fields are pointers so a mapping with an incomplete target can be stored
// and skipped at routing time instead of failing the whole document.
type Target struct {
	TrackIndex     *int `json:"track_index,omitempty"`
	DeviceIndex    *int `json:"device_index,omitempty"`
	ParameterIndex *int `json:"parameter_index,omitempty"`
}

// NewTarget builds a complete target from the three indices.
func NewTarget(track, device, parameter int) Target {
	return Target{
		TrackIndex:     &track,
		DeviceIndex:    &device,
		ParameterIndex: &parameter,
	}
}

// Indices returns the target's three indices. ok is false when any index is
// absent; such mappings are skipped by the router without error.
func (t Target) Indices() (track, device, parameter int, ok bool) {
	if t.TrackIndex == nil || t.DeviceIndex == nil || t.ParameterIndex == nil {
		return 0, 0, 0, false
	}
	return *t.TrackIndex, *t.DeviceIndex, *t.ParameterIndex, true
}

// Validate checks that the target is complete and non-negative.
func (t Target) Validate() error {
	track, device, parameter, ok := t.Indices()
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("track_index, device_index, parameter_index are required"),
			"Target", "Validate", "completeness check")
	}
	if track < 0 || device < 0 || parameter < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("target indices must be non-negative"),
			"Target", "Validate", "range check")
	}
	return nil
}

// Mapping binds one motion stream to one target parameter. Mappings are
// immutable value objects: updates replace the whole mapping, never mutate
// it in place. The unique key is MotionStream.
type Mapping struct {
	MotionStream string         `json:"motion_stream"`
	Target       Target         `json:"target"`
	TargetMeta   map[string]any `json:"target_meta,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`

	// Range is the [out_min, out_max] output scaling pair. min may exceed
	// max; no ordering invariant is enforced here (see routing package for
	// the resulting clamp behavior). A malformed range falls back to [0,1]
	// at application time.
	Range []float64 `json:"range"`

	// Smoothing is the exponential-blend weight toward the previous output,
	// clamped to [0,1] on write. 0 = no smoothing, 1 = frozen.
	Smoothing float64 `json:"smoothing"`

	Enabled bool `json:"enabled"`

	// UpdatedAt is the Unix time of the last mutation in fractional
	// seconds, matching the persisted document format.
	UpdatedAt float64 `json:"updated_at,omitempty"`
}

// UnmarshalJSON decodes a mapping, defaulting enabled to true when the key
// is absent (hand-edited documents rarely spell it out).
func (m *Mapping) UnmarshalJSON(data []byte) error {
	type alias Mapping
	aux := struct {
		*alias
		Enabled *bool `json:"enabled"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// RangeBounds returns the output range pair, falling back to [0,1] when the
// stored range is malformed. The bounds are returned in the stored order;
// callers must not reorder them.
func (m Mapping) RangeBounds() (outMin, outMax float64) {
	if len(m.Range) < 2 {
		return 0.0, 1.0
	}
	return m.Range[0], m.Range[1]
}

// normalize clamps smoothing into [0,1] and fills a default range.
func (m *Mapping) normalize() {
	if m.Smoothing < 0 {
		m.Smoothing = 0
	} else if m.Smoothing > 1 {
		m.Smoothing = 1
	}
	if len(m.Range) < 2 {
		m.Range = []float64{0.0, 1.0}
	} else {
		m.Range = m.Range[:2]
	}
}

// Validate checks the invariants required to store a mapping.
func (m Mapping) Validate() error {
	if m.MotionStream == "" {
		return errors.WrapInvalid(
			fmt.Errorf("motion_stream is required"),
			"Mapping", "Validate", "key check")
	}
	return m.Target.Validate()
}

// Settings is the free-form settings object of the routing document. Typed
// accessors tolerate the JSON number soup (everything arrives as float64).
type Settings map[string]any

// Int returns the setting as an int, or def when absent or untyped.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// Float returns the setting as a float64, or def when absent or untyped.
func (s Settings) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// String returns the setting as a string, or def when absent or untyped.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the setting as a bool, or def when absent or untyped.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Seconds returns a settings value expressed in fractional seconds as a
// Duration, or def when absent or untyped.
func (s Settings) Seconds(key string, def time.Duration) time.Duration {
	f := s.Float(key, -1)
	if f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// Config is the persisted routing document: a settings object plus the
// ordered mapping list. It is the durable source of truth.
type Config struct {
	Settings Settings  `json:"settings"`
	Mappings []Mapping `json:"mappings"`
}

// DefaultSettings returns the settings written on first boot. Values follow
// the documented defaults of the capture pipeline.
func DefaultSettings() Settings {
	return Settings{
		"mocap_port":             9877,
		"ableton_host":           "localhost",
		"ableton_port":           9878,
		"ableton_tcp_port":       9877,
		"auto_discover_streams":  true,
		"streams_cache_interval": 0.5,
		"streams_ttl_seconds":    5.0,
	}
}

// DefaultConfig returns the document written when none exists.
func DefaultConfig() Config {
	return Config{
		Settings: DefaultSettings(),
		Mappings: []Mapping{},
	}
}

// normalize synthesizes missing sections so every loaded document has the
// same shape regardless of what an external editor left behind.
func (c *Config) normalize() {
	if c.Settings == nil {
		c.Settings = DefaultSettings()
	}
	if c.Mappings == nil {
		c.Mappings = []Mapping{}
	}
	for i := range c.Mappings {
		c.Mappings[i].normalize()
	}
}
