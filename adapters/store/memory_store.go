package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/formguard/core"
)

// MemoryRateLimitStore keeps sliding windows in process memory.
// Windows are not shared across processes; use RedisRateLimitStore for that.
type MemoryRateLimitStore struct {
	windows map[string][]time.Time
	mu      sync.Mutex
}

// NewMemoryRateLimitStore creates an empty in-memory window store
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		windows: make(map[string][]time.Time),
	}
}

// Allow prunes expired timestamps, then admits the request if fewer than
// limit.Max remain, recording now on admission.
func (s *MemoryRateLimitStore) Allow(ctx context.Context, key string, limit core.RateLimit, now time.Time) (core.RateDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := prune(s.windows[key], now.Add(-limit.Window))

	if len(window) >= limit.Max {
		s.windows[key] = window
		var retryAfter time.Duration
		if len(window) > 0 {
			retryAfter = window[0].Add(limit.Window).Sub(now)
		}
		return core.RateDecision{
			Allowed:    false,
			Count:      len(window),
			RetryAfter: retryAfter,
		}, nil
	}

	window = append(window, now)
	s.windows[key] = window

	return core.RateDecision{
		Allowed:   true,
		Count:     len(window),
		Remaining: limit.Max - len(window),
	}, nil
}

// prune drops timestamps at or before cutoff; timestamps are kept in order
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time(nil), window[i:]...)
}

// Sweep removes keys whose windows have fully expired
func (s *MemoryRateLimitStore) Sweep(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if len(prune(w, now.Add(-window))) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until the returned stop function is
// called. Without it keys of clients that never return are kept forever.
func (s *MemoryRateLimitStore) StartSweeper(interval, window time.Duration) (stop func()) {
	if interval <= 0 {
		interval = window
	}
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				s.Sweep(now, window)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// Len returns the number of tracked keys
func (s *MemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// MemoryTokenLedger is an in-memory TokenLedger
type MemoryTokenLedger struct {
	consumed map[string]time.Time
	mu       sync.Mutex
	now      func() time.Time
}

// NewMemoryTokenLedger creates a new in-memory ledger
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Consume marks a token as used
func (l *MemoryTokenLedger) Consume(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, exists := l.consumed[tokenID]; exists && now.Before(expiry) {
		return false, nil
	}

	// Expired entries are dropped lazily on write
	for id, expiry := range l.consumed {
		if !now.Before(expiry) {
			delete(l.consumed, id)
		}
	}

	l.consumed[tokenID] = now.Add(ttl)
	return true, nil
}
