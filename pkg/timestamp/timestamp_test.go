package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ms := ToUnixMs(now)
	assert.True(t, now.Equal(FromUnixMs(ms)))
}

func TestZeroValueSemantics(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
}

func TestSecondsConversion(t *testing.T) {
	assert.Equal(t, 1.5, Seconds(1500))
	assert.Equal(t, int64(1500), FromSeconds(1.5))
}

func TestFormat(t *testing.T) {
	ms := int64(1700000000000)
	assert.Equal(t, "2023-11-14T22:13:20Z", Format(ms))
}

func TestSince(t *testing.T) {
	past := Now() - 250
	elapsed := Since(past)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}
