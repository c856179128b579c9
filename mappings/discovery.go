package mappings

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/spacemonqi/ableton-mcp-extended/pkg/timestamp"
)

// StreamInfo is one discovered stream in the side cache and the /streams
// listing. LastSeen is fractional Unix seconds to match the cache format.
type StreamInfo struct {
	Name     string  `json:"name"`
	LastSeen float64 `json:"last_seen"`
}

// streamCache is the on-disk shape of the discovery side file.
type streamCache struct {
	Streams []StreamInfo `json:"streams"`
}

// RegisterStreams bulk-updates last-seen timestamps for the given stream
// names and, when auto-discovery is enabled, persists the discovery cache
// at most once per configured interval regardless of ingestion rate.
func (s *Store) RegisterStreams(names []string) {
	if len(names) == 0 {
		return
	}
	now := timestamp.Now()

	s.mu.Lock()
	for _, name := range names {
		s.lastSeen[name] = now
	}
	autoDiscover := s.cfg.Settings.Bool("auto_discover_streams", true)
	interval := s.cfg.Settings.Seconds("streams_cache_interval", 500*time.Millisecond)
	ttl := s.cfg.Settings.Seconds("streams_ttl_seconds", 5*time.Second)
	s.mu.Unlock()

	if autoDiscover && s.cachePath != "" {
		s.maybeWriteStreamCache(now, interval, ttl)
	}
}

// DiscoveredStreams lists streams seen within ttl, most recent first.
func (s *Store) DiscoveredStreams(ttl time.Duration) []StreamInfo {
	now := timestamp.Now()

	s.mu.Lock()
	streams := s.filterRecentLocked(now, ttl)
	s.mu.Unlock()

	return streams
}

// filterRecentLocked applies the TTL window and ordering. Caller holds mu.
func (s *Store) filterRecentLocked(now int64, ttl time.Duration) []StreamInfo {
	streams := make([]StreamInfo, 0, len(s.lastSeen))
	for name, seen := range s.lastSeen {
		if time.Duration(now-seen)*time.Millisecond <= ttl {
			streams = append(streams, StreamInfo{
				Name:     name,
				LastSeen: timestamp.Seconds(seen),
			})
		}
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].LastSeen != streams[j].LastSeen {
			return streams[i].LastSeen > streams[j].LastSeen
		}
		return streams[i].Name < streams[j].Name
	})
	return streams
}

// maybeWriteStreamCache persists the discovery cache unless one was written
// within the configured interval. Write failures are swallowed: the cache
// is best-effort UI state, never worth failing ingestion for.
func (s *Store) maybeWriteStreamCache(now int64, interval, ttl time.Duration) {
	last := s.lastCacheWrite.Load()
	if time.Duration(now-last)*time.Millisecond < interval {
		return
	}
	if !s.lastCacheWrite.CompareAndSwap(last, now) {
		return // another caller got there first
	}

	s.mu.Lock()
	streams := s.filterRecentLocked(now, ttl)
	s.mu.Unlock()

	data, err := json.MarshalIndent(streamCache{Streams: streams}, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cachePath, data, 0o644); err != nil {
		s.logger.Debug("Discovery cache write failed", "path", s.cachePath, "error", err)
	}
}
