package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It honours TTLs on read and
// records atomically under its mutex. Counters are lost on restart and are
// not shared between replicas.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]memoryItem
	now          func() time.Time
	cleanupEvery time.Duration
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]memoryItem),
		now:          time.Now,
		cleanupEvery: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.lookup(key)
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RecordAtomic implements AtomicRecorder.
func (s *MemoryStore) RecordAtomic(_ context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev Entry
	item, found := s.lookup(key)
	if found {
		if err := json.Unmarshal([]byte(item.value), &prev); err != nil {
			// A corrupt value starts a fresh window.
			found = false
		}
	}
	next := NextEntry(prev, found, now, window)

	raw, err := json.Marshal(next)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	s.put(key, string(raw), ttlUntil(next, now))
	return next, nil
}

// Len counts live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}

// Cleanup drops entries whose TTL has passed.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, item := range s.entries {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (memoryItem, bool) {
	item, ok := s.entries[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		return memoryItem{}, false
	}
	return item, true
}

func (s *MemoryStore) put(key, value string, ttl time.Duration) {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = item
}
