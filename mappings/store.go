package mappings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/xeipuuv/gojsonschema"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/timestamp"
)

// Store owns the routing document and the stream discovery registry. One
// mutex guards both, so a hot reload can never interleave with a CRUD
// mutation. All mutations persist the document before returning.
type Store struct {
	configPath string
	cachePath  string
	logger     *slog.Logger
	schema     *gojsonschema.Schema
	fileLock   *flock.Flock

	mu  sync.Mutex
	cfg Config

	// lastSeen maps stream name to last-seen Unix ms. Entries are never
	// deleted, only filtered by TTL at read time; cardinality is bounded
	// by the set of distinct stream names the capture source emits.
	lastSeen map[string]int64

	// lastCacheWrite rate-limits discovery cache persistence (Unix ms).
	lastCacheWrite atomic.Int64
}

// NewStore creates a store backed by configPath, creating the document with
// defaults when it does not exist. cachePath receives the discovered-stream
// side file; pass "" to disable discovery persistence.
func NewStore(configPath, cachePath string, logger *slog.Logger) (*Store, error) {
	if configPath == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Store", "NewStore", "config path")
	}
	if logger == nil {
		logger = slog.Default().With("component", "mappings")
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	s := &Store{
		configPath: configPath,
		cachePath:  cachePath,
		logger:     logger,
		schema:     schema,
		fileLock:   flock.New(configPath + ".lock"),
		lastSeen:   make(map[string]int64),
	}

	if err := s.ensureConfigFile(); err != nil {
		return nil, err
	}
	s.Reload()
	return s, nil
}

// ConfigPath returns the path of the persisted routing document.
func (s *Store) ConfigPath() string {
	return s.configPath
}

// ensureConfigFile writes the default document when none exists.
func (s *Store) ensureConfigFile() error {
	if _, err := os.Stat(s.configPath); err == nil {
		return nil
	}
	if dir := filepath.Dir(s.configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapFatal(err, "Store", "ensureConfigFile", "directory creation")
		}
	}
	if err := s.writeDocument(DefaultConfig()); err != nil {
		return errors.WrapFatal(err, "Store", "ensureConfigFile", "default document write")
	}
	s.logger.Info("Created default routing document", "path", s.configPath)
	return nil
}

// Reload reads the persisted document and atomically replaces the in-memory
// table. A corrupt or invalid document falls back to defaults; reload never
// fails the process.
func (s *Store) Reload() {
	cfg, err := s.readDocument()
	if err != nil {
		s.logger.Warn("Failed to load routing document, using defaults",
			"path", s.configPath, "error", err)
		cfg = DefaultConfig()
	}
	cfg.normalize()

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info("Routing document loaded",
		"path", s.configPath, "mappings", len(cfg.Mappings))
}

// readDocument reads and validates the document under the file lock.
func (s *Store) readDocument() (Config, error) {
	if err := s.fileLock.Lock(); err != nil {
		return Config{}, errors.WrapTransient(err, "Store", "readDocument", "file lock")
	}
	defer func() { _ = s.fileLock.Unlock() }()

	raw, err := os.ReadFile(s.configPath)
	if err != nil {
		return Config{}, errors.WrapTransient(err, "Store", "readDocument", "file read")
	}
	if err := validateDocument(s.schema, raw); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "Store", "readDocument", "JSON parsing")
	}
	return cfg, nil
}

// writeDocument persists cfg atomically: temp write + sync + rename under
// the file lock, so concurrent readers never observe a partial document.
func (s *Store) writeDocument(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Store", "writeDocument", "JSON encoding")
	}

	if err := s.fileLock.Lock(); err != nil {
		return errors.WrapTransient(err, "Store", "writeDocument", "file lock")
	}
	defer func() { _ = s.fileLock.Unlock() }()

	dir := filepath.Dir(s.configPath)
	tmp, err := os.CreateTemp(dir, ".mappings-*.json")
	if err != nil {
		return errors.WrapTransient(err, "Store", "writeDocument", "temp file creation")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "Store", "writeDocument", "temp file write")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "Store", "writeDocument", "temp file sync")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "Store", "writeDocument", "temp file close")
	}
	if err := os.Rename(tmpName, s.configPath); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "Store", "writeDocument", "atomic rename")
	}
	return nil
}

// Settings returns a copy of the current settings object.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Settings, len(s.cfg.Settings))
	for k, v := range s.cfg.Settings {
		out[k] = v
	}
	return out
}

// ListMappings returns a copy of the mapping list in config order.
func (s *Store) ListMappings() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Mapping, len(s.cfg.Mappings))
	copy(out, s.cfg.Mappings)
	return out
}

// GetMapping returns the mapping for stream, if present.
func (s *Store) GetMapping(stream string) (Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.cfg.Mappings {
		if m.MotionStream == stream {
			return m, true
		}
	}
	return Mapping{}, false
}

// MappingsForStream returns the enabled mappings for stream in config order.
func (s *Store) MappingsForStream(stream string) []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Mapping
	for _, m := range s.cfg.Mappings {
		if m.MotionStream == stream && m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// AddMapping stores m, replacing any existing mapping for the same stream
// (one active mapping per stream). The stored mapping is returned with its
// smoothing clamped and updated_at stamped.
func (s *Store) AddMapping(m Mapping) (Mapping, error) {
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	m.normalize()
	m.UpdatedAt = timestamp.Seconds(timestamp.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.cfg.Mappings {
		if s.cfg.Mappings[i].MotionStream == m.MotionStream {
			s.cfg.Mappings[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		s.cfg.Mappings = append(s.cfg.Mappings, m)
	}

	if err := s.writeDocument(s.cfg); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// UpdateMapping replaces the existing mapping for stream with m. Unlike
// AddMapping it requires the mapping to already exist.
func (s *Store) UpdateMapping(stream string, m Mapping) (Mapping, error) {
	m.MotionStream = stream
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	m.normalize()
	m.UpdatedAt = timestamp.Seconds(timestamp.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cfg.Mappings {
		if s.cfg.Mappings[i].MotionStream == stream {
			s.cfg.Mappings[i] = m
			if err := s.writeDocument(s.cfg); err != nil {
				return Mapping{}, err
			}
			return m, nil
		}
	}
	return Mapping{}, errors.WrapNotFound(errors.ErrMappingNotFound,
		"Store", "UpdateMapping", fmt.Sprintf("stream %q", stream))
}

// DeleteMapping removes the mapping for stream. A missing mapping is an
// error; the mapping list is left unchanged in that case.
func (s *Store) DeleteMapping(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cfg.Mappings {
		if s.cfg.Mappings[i].MotionStream == stream {
			s.cfg.Mappings = append(s.cfg.Mappings[:i], s.cfg.Mappings[i+1:]...)
			return s.writeDocument(s.cfg)
		}
	}
	return errors.WrapNotFound(errors.ErrMappingNotFound,
		"Store", "DeleteMapping", fmt.Sprintf("stream %q", stream))
}
