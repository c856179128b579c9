package buffer

import "sync/atomic"

// Statistics tracks buffer activity. All counters are cumulative over the
// buffer's lifetime and safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	overflows atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates a zeroed statistics collector.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a successful write.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a successful read.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records a dropped item.
func (s *Statistics) Drop() { s.drops.Add(1) }

// Overflow records a write that found the buffer full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// UpdateSize records the current buffer size.
func (s *Statistics) UpdateSize(size int64) { s.size.Store(size) }

// Writes returns the total number of successful writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of successful reads.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Overflows returns the total number of full-buffer writes.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// CurrentSize returns the last recorded buffer size.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }
