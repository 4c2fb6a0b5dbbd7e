package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// KeyPrefix namespaces limiter entries in the store.
	KeyPrefix = "rate_limit_"

	DefaultMaxSubmissions = 5
	DefaultWindow         = time.Hour
)

// Limiter caps how many submissions a form accepts per window.
//
// It is a fixed-window counter: the first recorded submission opens a
// window of length Window and every submission until the window ends
// counts against the same budget. Up to twice the nominal rate can pass
// around a window boundary; this is accepted because the limiter is an
// advisory deterrent, not an abuse control.
//
// Every method is fail-open. Store failures and corrupt entries are logged
// and treated as "no entry", so infrastructure trouble never blocks a
// visitor.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Limiter)

func WithMaxSubmissions(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		max:    DefaultMaxSubmissions,
		window: DefaultWindow,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) MaxSubmissions() int   { return l.max }
func (l *Limiter) Window() time.Duration { return l.window }

func storageKey(formName string) string { return KeyPrefix + formName }

// ScopedFormName narrows a form's window to a single client.
func ScopedFormName(formName, client string) string {
	if client == "" {
		return formName
	}
	return formName + ":" + client
}

// IsLimited reports whether formName has used its whole budget for the
// current window. An expired entry is deleted on the way.
func (l *Limiter) IsLimited(ctx context.Context, formName string) bool {
	entry, ok := l.load(ctx, formName)
	if !ok {
		return false
	}
	if entry.Expired(l.now()) {
		if err := l.store.Delete(ctx, storageKey(formName)); err != nil {
			l.logger.Warn("Failed to delete expired rate limit entry",
				zap.String("form", formName),
				zap.Error(err))
		}
		return false
	}
	return entry.Count >= l.max
}

// RecordSubmission counts one submission. A missing or expired entry
// starts a fresh window; otherwise the count grows and the reset time is
// kept.
func (l *Limiter) RecordSubmission(ctx context.Context, formName string) {
	if l.store == nil {
		return
	}
	now := l.now()

	if rec, ok := l.store.(AtomicRecorder); ok {
		l.recordAtomic(ctx, rec, formName, now)
		return
	}

	prev, found := l.load(ctx, formName)
	l.write(ctx, formName, NextEntry(prev, found, now, l.window), now)
}

// TryRecord counts one submission only if it fits the window budget and
// reports whether it was admitted. On an AtomicRecorder store the
// increment and the decision come from one atomic operation, so
// concurrent callers cannot admit more than the budget; attempts past the
// budget are still counted there, which never moves the reset time. Store
// failures admit the submission.
func (l *Limiter) TryRecord(ctx context.Context, formName string) (Entry, bool) {
	if l.store == nil {
		return Entry{}, true
	}
	now := l.now()

	if rec, ok := l.store.(AtomicRecorder); ok {
		entry, ok := l.recordAtomic(ctx, rec, formName, now)
		if !ok {
			return Entry{}, true
		}
		return entry, entry.Count <= l.max
	}

	prev, found := l.load(ctx, formName)
	if found && !prev.Expired(now) && prev.Count >= l.max {
		return prev, false
	}
	next := NextEntry(prev, found, now, l.window)
	l.write(ctx, formName, next, now)
	return next, true
}

func (l *Limiter) recordAtomic(ctx context.Context, rec AtomicRecorder, formName string, now time.Time) (Entry, bool) {
	entry, err := rec.RecordAtomic(ctx, storageKey(formName), now, l.window)
	if err != nil {
		l.logger.Error("Failed to record submission",
			zap.String("form", formName),
			zap.Error(err))
		return Entry{}, false
	}
	l.logger.Debug("Submission recorded",
		zap.String("form", formName),
		zap.Int("count", entry.Count))
	return entry, true
}

func (l *Limiter) write(ctx context.Context, formName string, next Entry, now time.Time) {
	raw, err := json.Marshal(next)
	if err != nil {
		l.logger.Error("Failed to encode rate limit entry", zap.String("form", formName), zap.Error(err))
		return
	}
	if err := l.store.Set(ctx, storageKey(formName), string(raw), ttlUntil(next, now)); err != nil {
		l.logger.Error("Failed to record submission",
			zap.String("form", formName),
			zap.Error(err))
		return
	}
	l.logger.Debug("Submission recorded",
		zap.String("form", formName),
		zap.Int("count", next.Count))
}

// RemainingSubmissions is the budget left in the current window.
func (l *Limiter) RemainingSubmissions(ctx context.Context, formName string) int {
	entry, ok := l.active(ctx, formName)
	if !ok {
		return l.max
	}
	return max(0, l.max-entry.Count)
}

// MinutesUntilReset rounds the time left in the window up to whole minutes.
func (l *Limiter) MinutesUntilReset(ctx context.Context, formName string) int {
	entry, ok := l.active(ctx, formName)
	if !ok {
		return 0
	}
	left := entry.ResetTime - l.now().UnixMilli()
	if left <= 0 {
		return 0
	}
	return int((left + time.Minute.Milliseconds() - 1) / time.Minute.Milliseconds())
}

func (l *Limiter) active(ctx context.Context, formName string) (Entry, bool) {
	entry, ok := l.load(ctx, formName)
	if !ok || entry.Expired(l.now()) {
		return Entry{}, false
	}
	return entry, true
}

func (l *Limiter) load(ctx context.Context, formName string) (Entry, bool) {
	if l.store == nil {
		return Entry{}, false
	}
	raw, found, err := l.store.Get(ctx, storageKey(formName))
	if err != nil {
		l.logger.Warn("Rate limit store unavailable, allowing submission",
			zap.String("form", formName),
			zap.Error(err))
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		l.logger.Warn("Corrupt rate limit entry, ignoring",
			zap.String("form", formName),
			zap.Error(err))
		return Entry{}, false
	}
	return entry, true
}

func decodeEntry(raw string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if e.Count < 0 {
		return Entry{}, fmt.Errorf("decode entry: negative count %d", e.Count)
	}
	return e, nil
}

// ttlUntil keeps the stored value around until its window ends.
func ttlUntil(e Entry, now time.Time) time.Duration {
	ttl := time.Duration(e.ResetTime-now.UnixMilli()) * time.Millisecond
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
