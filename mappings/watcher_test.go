package mappings

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnExternalWrite(t *testing.T) {
	store := newTestStore(t)

	w := NewWatcher(store, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(time.Second) }()

	doc := Config{
		Settings: DefaultSettings(),
		Mappings: []Mapping{testMapping("from-editor")},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.ConfigPath(), data, 0o644))

	require.Eventually(t, func() bool {
		return len(store.ListMappings()) == 1
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, "from-editor", store.ListMappings()[0].MotionStream)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddMapping(testMapping("keep"))
	require.NoError(t, err)

	w := NewWatcher(store, nil)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(time.Second) }()

	// A sibling file changing must not trigger a reload that could race
	// with in-memory state; write garbage next door and confirm the table
	// is untouched.
	sibling := store.ConfigPath() + ".bak"
	require.NoError(t, os.WriteFile(sibling, []byte("junk"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, store.ListMappings(), 1)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	w := NewWatcher(store, nil)

	// Stop before start is a no-op.
	require.NoError(t, w.Stop(time.Second))

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(time.Second))
	require.NoError(t, w.Stop(time.Second))
}

func TestWatcherCorruptEditFallsBackToDefaults(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddMapping(testMapping("hip"))
	require.NoError(t, err)

	w := NewWatcher(store, nil)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(time.Second) }()

	require.NoError(t, os.WriteFile(store.ConfigPath(), []byte("{broken"), 0o644))

	require.Eventually(t, func() bool {
		return len(store.ListMappings()) == 0
	}, 3*time.Second, 25*time.Millisecond)
}
