package routing

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// Snapshot is the live-value view published for external monitors. The
// timestamp is Unix seconds with fractional precision, matching the wire
// format the web UI polls.
type Snapshot struct {
	Timestamp float64            `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// SnapshotSink receives periodic live-value snapshots. Sinks are best
// effort: a failing sink is logged and skipped, never fatal to routing.
type SnapshotSink interface {
	WriteSnapshot(snapshot Snapshot) error
}

// FileSink writes each snapshot to a JSON file, overwriting the previous
// one. Monitors poll the file; a torn read just means they retry 50ms
// later, so plain overwrite is enough here (unlike the mapping document,
// which is the source of truth and gets the rename dance).
type FileSink struct {
	path   string
	logger *slog.Logger
}

// NewFileSink creates a snapshot sink writing to path.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default().With("component", "snapshot-sink")
	}
	return &FileSink{path: path, logger: logger}
}

// WriteSnapshot writes the snapshot to the file.
func (f *FileSink) WriteSnapshot(snapshot Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.WrapInvalid(err, "FileSink", "WriteSnapshot", "snapshot encoding")
	}
	if err := os.WriteFile(f.path, payload, 0o644); err != nil {
		return errors.WrapTransient(err, "FileSink", "WriteSnapshot", "snapshot write")
	}
	return nil
}
