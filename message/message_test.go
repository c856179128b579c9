package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

func TestDecodeBatch(t *testing.T) {
	batch, err := DecodeBatch([]byte(`{"wrist-bend": 0.7, "elbow": 1, "label": "left"}`))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"wrist-bend", "elbow", "label"}, batch.Streams)
	assert.Equal(t, map[string]float64{"wrist-bend": 0.7, "elbow": 1}, batch.Values)
}

func TestDecodeBatchRejectsNonObject(t *testing.T) {
	for _, payload := range []string{`[1,2,3]`, `"text"`, `42`, `not json`, ``} {
		_, err := DecodeBatch([]byte(payload))
		require.Error(t, err, "payload %q", payload)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestDecodeBatchEmptyObject(t *testing.T) {
	batch, err := DecodeBatch([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, batch.Streams)
	assert.Empty(t, batch.Values)
}

func TestDecodeBatchExpandsAdvertisedStreams(t *testing.T) {
	batch, err := DecodeBatch([]byte(`{"streams": ["wrist-bend", "hip"], "wrist-bend": 0.5}`))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"wrist-bend", "hip"}, batch.Streams)
	assert.Equal(t, map[string]float64{"wrist-bend": 0.5}, batch.Values)
}

func TestDecodeBatchNonNumericRegisteredNotRouted(t *testing.T) {
	batch, err := DecodeBatch([]byte(`{"pose": null, "confidence": true, "hip": -5}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pose", "confidence", "hip"}, batch.Streams)
	assert.Equal(t, map[string]float64{"hip": -5}, batch.Values)
}
