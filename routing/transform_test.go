package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacemonqi/ableton-mcp-extended/mappings"
)

func mappingWith(stream string, rng []float64, smoothing float64) mappings.Mapping {
	return mappings.Mapping{
		MotionStream: stream,
		Target:       mappings.NewTarget(0, 1, 2),
		Range:        rng,
		Smoothing:    smoothing,
		Enabled:      true,
	}
}

func TestTransformScalesIntoRange(t *testing.T) {
	s := NewSmoother()

	d, ok := s.Transform("wrist-bend", 0.7, mappingWith("wrist-bend", []float64{20, 80}, 0))
	require.True(t, ok)
	assert.Equal(t, 0, d.Track)
	assert.Equal(t, 1, d.Device)
	assert.Equal(t, 2, d.Parameter)
	assert.InDelta(t, 62.0, d.Value, 1e-9)
}

func TestTransformClampsRawBelowZero(t *testing.T) {
	s := NewSmoother()

	d, ok := s.Transform("hip", -5.0, mappingWith("hip", []float64{20, 80}, 0))
	require.True(t, ok)
	assert.Equal(t, 20.0, d.Value, "raw -5 clamps to 0 before scaling")
}

func TestTransformClampsRawAboveOne(t *testing.T) {
	s := NewSmoother()

	d, ok := s.Transform("hip", 3.2, mappingWith("hip", []float64{20, 80}, 0))
	require.True(t, ok)
	assert.Equal(t, 80.0, d.Value)
}

func TestTransformSmoothingBlends(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("wrist-bend", []float64{0, 1}, 0.5)

	// Seed the previous smoothed value at 0.2.
	s.previous["wrist-bend:0:1:2"] = 0.2

	d, ok := s.Transform("wrist-bend", 1.0, m)
	require.True(t, ok)
	assert.InDelta(t, 0.6, d.Value, 1e-9, "0.5*0.2 + 0.5*1.0")
}

func TestTransformSmoothingFirstSampleNoRampIn(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("hip", []float64{0, 1}, 0.9)

	// With no prior state the blend starts at the sample itself, so heavy
	// smoothing must not drag the first value toward zero.
	d, ok := s.Transform("hip", 0.8, m)
	require.True(t, ok)
	assert.InDelta(t, 0.8, d.Value, 1e-9)
}

func TestTransformSmoothingConvexCombination(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("hip", []float64{0, 1}, 0.25)

	_, ok := s.Transform("hip", 0.0, m)
	require.True(t, ok)

	d, ok := s.Transform("hip", 1.0, m)
	require.True(t, ok)
	assert.InDelta(t, 0.75, d.Value, 1e-9, "0.25*0.0 + 0.75*1.0")
}

func TestTransformStateIsPerTarget(t *testing.T) {
	s := NewSmoother()
	a := mappingWith("hip", []float64{0, 1}, 0.5)
	b := mappingWith("hip", []float64{0, 1}, 0.5)
	b.Target = mappings.NewTarget(3, 4, 5)

	_, _ = s.Transform("hip", 0.0, a)
	_, _ = s.Transform("hip", 1.0, b)

	// a's state must be untouched by b's sample.
	d, ok := s.Transform("hip", 1.0, a)
	require.True(t, ok)
	assert.InDelta(t, 0.5, d.Value, 1e-9)
}

func TestTransformInvertedRangeIsConstant(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("hip", []float64{80, 20}, 0)

	for _, raw := range []float64{0.0, 0.5, 1.0} {
		d, ok := s.Transform("hip", raw, m)
		require.True(t, ok)
		assert.Equal(t, 80.0, d.Value)
	}
}

func TestTransformMalformedRangeFallsBack(t *testing.T) {
	s := NewSmoother()

	d, ok := s.Transform("hip", 0.4, mappingWith("hip", nil, 0))
	require.True(t, ok)
	assert.InDelta(t, 0.4, d.Value, 1e-9)
}

func TestTransformIncompleteTargetSkipped(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("hip", []float64{0, 1}, 0)
	m.Target = mappings.Target{}

	_, ok := s.Transform("hip", 0.5, m)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "skipped mappings leave no state behind")
}

func TestSmootherForget(t *testing.T) {
	s := NewSmoother()
	m := mappingWith("hip", []float64{0, 1}, 0)

	_, ok := s.Transform("hip", 0.5, m)
	require.True(t, ok)
	require.Equal(t, 1, s.Len())

	s.Forget(func(string) bool { return false })
	assert.Equal(t, 0, s.Len())
}
