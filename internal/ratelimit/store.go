package ratelimit

import (
	"context"
	"time"
)

// Store is the durable key/value capability the limiter persists its
// counters in. Implementations report a missing key with found=false and a
// nil error.
//
// A ttl of zero means the value does not expire on its own; the limiter
// still treats entries past their reset time as absent.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// AtomicRecorder is implemented by stores that can perform the
// record-submission read-modify-write as a single atomic operation.
// When a store provides it, concurrent recorders for the same key never
// lose increments.
type AtomicRecorder interface {
	RecordAtomic(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error)
}

// Entry is the persisted counter for one form name.
type Entry struct {
	Count int `json:"count"`
	// ResetTime is the end of the window in epoch milliseconds.
	ResetTime int64 `json:"resetTime"`
}

// Expired reports whether the window has ended at now.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixMilli() > e.ResetTime
}

// NextEntry applies one recorded submission to prev (which may be absent
// or expired) and returns the entry to persist.
func NextEntry(prev Entry, found bool, now time.Time, window time.Duration) Entry {
	if !found || prev.Expired(now) {
		return Entry{Count: 1, ResetTime: now.Add(window).UnixMilli()}
	}
	prev.Count++
	return prev
}
