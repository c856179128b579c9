// Package routing implements the router engine: the single consumer of the
// ingestion queue that turns motion samples into parameter dispatches.
package routing

import (
	"fmt"

	"github.com/spacemonqi/ableton-mcp-extended/mappings"
)

// Dispatch is one resolved parameter write.
type Dispatch struct {
	Track     int
	Device    int
	Parameter int
	Value     float64
}

// clamp bounds v by lo and hi in the given order. With an inverted pair
// (lo > hi) the result is always lo, which turns an inverted mapping range
// into a constant output rather than an error.
func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// Smoother holds per-target smoothing state. It is owned exclusively by the
// engine loop, so no locking. State is keyed by stream and target indices
// together: the same stream feeding two targets smooths independently.
type Smoother struct {
	previous map[string]float64
}

// NewSmoother creates an empty smoothing state.
func NewSmoother() *Smoother {
	return &Smoother{previous: make(map[string]float64)}
}

// Transform applies one mapping to a raw sample:
//
//  1. clamp the raw value to [0,1]
//  2. blend with the previous smoothed value for this (stream, target)
//  3. scale into the mapping's output range and clamp to it
//
// Returns false when the mapping's target is incomplete; such mappings are
// skipped silently so a half-edited document never stalls routing.
func (s *Smoother) Transform(stream string, raw float64, m mappings.Mapping) (Dispatch, bool) {
	track, device, parameter, ok := m.Target.Indices()
	if !ok {
		return Dispatch{}, false
	}

	normalized := clamp(raw, 0.0, 1.0)

	smoothing := clamp(m.Smoothing, 0.0, 1.0)
	key := fmt.Sprintf("%s:%d:%d:%d", stream, track, device, parameter)
	if smoothing > 0 {
		previous, seen := s.previous[key]
		if !seen {
			// First sample: no ramp-in from zero, start at the sample.
			previous = normalized
		}
		normalized = smoothing*previous + (1.0-smoothing)*normalized
	}
	s.previous[key] = normalized

	lo, hi := m.RangeBounds()
	value := lo + normalized*(hi-lo)
	value = clamp(value, lo, hi)

	return Dispatch{Track: track, Device: device, Parameter: parameter, Value: value}, true
}

// Forget drops smoothing state for targets no longer mapped. Called by the
// engine's housekeeping tick to keep the map bounded when mappings churn.
func (s *Smoother) Forget(keep func(key string) bool) {
	for key := range s.previous {
		if !keep(key) {
			delete(s.previous, key)
		}
	}
}

// Len reports the number of tracked targets.
func (s *Smoother) Len() int {
	return len(s.previous)
}
