/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultSweepInterval determines how often expired entries are removed from the limiter's table.
// It is deliberately decoupled from the window length: an entry may outlive its window
// by up to one sweep cycle, which is a memory-bound laxity, not a correctness issue.
const DefaultSweepInterval = time.Minute * 5

type windowEntry struct {
	count   int
	resetAt time.Time
}

// FixedWindowLimiter implements the fixed-window counter rate limiting algorithm.
// It owns the whole table of per-key entries; at most one live entry exists per key.
// All methods are safe for concurrent use.
type FixedWindowLimiter struct {
	rate Rate
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry

	sweepStopOnce sync.Once
	sweepStop     chan struct{}
	sweepDone     chan struct{}
}

var _ Limiter = (*FixedWindowLimiter)(nil)

// FixedWindowOption is a functional option for the FixedWindowLimiter.
type FixedWindowOption func(*fixedWindowOptions)

type fixedWindowOptions struct {
	now           func() time.Time
	sweepInterval time.Duration
	sweepDisabled bool
}

// WithNowProvider sets the time source for the limiter.
func WithNowProvider(now func() time.Time) FixedWindowOption {
	return func(o *fixedWindowOptions) {
		o.now = now
	}
}

// WithSweepInterval sets how often the background sweep removes expired entries.
func WithSweepInterval(interval time.Duration) FixedWindowOption {
	return func(o *fixedWindowOptions) {
		o.sweepInterval = interval
	}
}

// WithSweepDisabled disables the background sweep goroutine.
// Expired entries are still treated as absent by Check, and may be removed manually
// with SweepExpired or periodically with RunPeriodicSweep.
func WithSweepDisabled() FixedWindowOption {
	return func(o *fixedWindowOptions) {
		o.sweepDisabled = true
	}
}

// NewFixedWindowLimiter creates a new fixed-window rate limiter allowing at most
// maxRate.Count requests per maxRate.Duration for each key.
// Unless WithSweepDisabled is passed, a background goroutine periodically sweeps
// expired entries; Close must be called to stop it.
func NewFixedWindowLimiter(maxRate Rate, options ...FixedWindowOption) (*FixedWindowLimiter, error) {
	if maxRate.Count < 1 {
		return nil, fmt.Errorf("rate count should be >= 1, got %d", maxRate.Count)
	}
	if maxRate.Duration <= 0 {
		return nil, fmt.Errorf("rate duration should be positive, got %s", maxRate.Duration)
	}

	opts := fixedWindowOptions{now: time.Now, sweepInterval: DefaultSweepInterval}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = DefaultSweepInterval
	}

	l := &FixedWindowLimiter{
		rate:    maxRate,
		now:     opts.now,
		entries: make(map[string]*windowEntry),
	}
	if !opts.sweepDisabled {
		l.sweepStop = make(chan struct{})
		l.sweepDone = make(chan struct{})
		go l.runSweep(opts.sweepInterval)
	}
	return l, nil
}

// MustNewFixedWindowLimiter is a version of NewFixedWindowLimiter that panics if an error occurs.
func MustNewFixedWindowLimiter(maxRate Rate, options ...FixedWindowOption) *FixedWindowLimiter {
	l, err := NewFixedWindowLimiter(maxRate, options...)
	if err != nil {
		panic(err)
	}
	return l
}

// Check performs a single rate limit check for the passed key and updates the key's entry:
// the first request in a window (or the first after the previous window expired) creates
// a fresh entry, subsequent requests increment it, and requests over the limit are rejected
// without mutating the entry. Check never blocks and always returns a nil error.
func (l *FixedWindowLimiter) Check(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !entry.resetAt.After(now) {
		entry = &windowEntry{count: 1, resetAt: now.Add(l.rate.Duration)}
		l.entries[key] = entry
		return l.makeDecision(entry, true, 0), nil
	}

	if entry.count >= l.rate.Count {
		return l.makeDecision(entry, false, ceilSeconds(entry.resetAt.Sub(now))), nil
	}

	entry.count++
	return l.makeDecision(entry, true, 0), nil
}

func (l *FixedWindowLimiter) makeDecision(entry *windowEntry, allowed bool, retryAfter time.Duration) Decision {
	remaining := l.rate.Count - entry.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    allowed,
		Limit:      l.rate.Count,
		Remaining:  remaining,
		ResetAt:    entry.resetAt,
		RetryAfter: retryAfter,
	}
}

// SweepExpired removes all entries whose window has already passed and returns their number.
// Entries still within their window are never removed.
func (l *FixedWindowLimiter) SweepExpired() (removed int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.entries {
		if !entry.resetAt.After(now) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// RunPeriodicSweep periodically removes expired entries until the passed context is canceled.
// It may be used instead of the built-in sweep goroutine when the caller wants to own
// the sweeping lifecycle (see WithSweepDisabled).
func (l *FixedWindowLimiter) RunPeriodicSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepExpired()
		}
	}
}

// Len returns the number of stored entries, including not yet swept expired ones.
func (l *FixedWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background sweep goroutine. It is safe to call Close multiple times.
func (l *FixedWindowLimiter) Close() {
	if l.sweepStop == nil {
		return
	}
	l.sweepStopOnce.Do(func() {
		close(l.sweepStop)
	})
	<-l.sweepDone
}

func (l *FixedWindowLimiter) runSweep(interval time.Duration) {
	defer close(l.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			l.SweepExpired()
		}
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
