// Package timestamp provides standardized Unix timestamp handling.
//
// This package uses int64 milliseconds as the canonical timestamp format to
// keep mapping mutation times, discovery last-seen bookkeeping, and snapshot
// stamps comparable without parsing. All timestamps are milliseconds since
// Unix epoch (UTC). A value of 0 means "not set".
package timestamp

import "time"

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns the zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Seconds converts Unix milliseconds to fractional Unix seconds, the format
// the snapshot and discovery cache files use on the wire.
func Seconds(ms int64) float64 {
	return float64(ms) / 1000.0
}

// FromSeconds converts fractional Unix seconds to Unix milliseconds.
func FromSeconds(s float64) int64 {
	return int64(s * 1000.0)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns the empty string if ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Since returns the elapsed duration between ms and now.
func Since(ms int64) time.Duration {
	return time.Duration(Now()-ms) * time.Millisecond
}
