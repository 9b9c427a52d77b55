package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiter spaces requests to the same source by a minimum interval and caps the number of
// requests in flight across all sources. Grants for one source follow reservation order unless
// a reservation has to queue again after losing its window while waiting for a global slot.
type RateLimiter struct {
	global *semaphore.Weighted

	mu              sync.Mutex
	sources         map[string]*sourceWindow
	defaultInterval time.Duration
	defaultTimeout  time.Duration
}

type sourceWindow struct {
	interval time.Duration
	timeout  time.Duration
	next     time.Time // earliest time the next token may be granted
	last     time.Time // most recent grant
}

// Token is a granted request slot. Release it exactly once; extra releases are ignored.
type Token struct {
	Source    string
	GrantedAt time.Time
	released  *atomic.Bool
}

// NewRateLimiter creates a RateLimiter with the given global cap and per-source defaults.
func NewRateLimiter(maxConcurrent int, defaultInterval, defaultTimeout time.Duration) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &RateLimiter{
		global:          semaphore.NewWeighted(int64(maxConcurrent)),
		sources:         make(map[string]*sourceWindow),
		defaultInterval: defaultInterval,
		defaultTimeout:  defaultTimeout,
	}
}

// Configure sets the minimum interval and request timeout for one source.
func (rl *RateLimiter) Configure(source string, interval, timeout time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windowLocked(source)
	w.interval = interval
	if timeout > 0 {
		w.timeout = timeout
	}
}

// Acquire blocks until the source's interval has elapsed since its previous grant and a global
// slot is free. The interval is waited out before the global slot is taken, so a source that
// is pacing itself never holds capacity another source could use. It returns ctx's error if
// ctx ends first.
func (rl *RateLimiter) Acquire(ctx context.Context, source string) (Token, error) {
	for {
		rl.mu.Lock()
		w := rl.windowLocked(source)
		now := time.Now()
		slot := now
		if w.next.After(slot) {
			slot = w.next
		}
		w.next = slot.Add(w.interval)
		rl.mu.Unlock()

		if err := sleepUntil(ctx, slot); err != nil {
			return Token{}, err
		}
		if err := rl.global.Acquire(ctx, 1); err != nil {
			return Token{}, err
		}

		// A slot reserved behind this one may have been granted while we queued globally.
		granted := time.Now()
		rl.mu.Lock()
		if w.last.IsZero() || granted.Sub(w.last) >= w.interval {
			w.last = granted
			if after := granted.Add(w.interval); after.After(w.next) {
				w.next = after
			}
			rl.mu.Unlock()
			return Token{Source: source, GrantedAt: granted, released: &atomic.Bool{}}, nil
		}
		rl.mu.Unlock()
		rl.global.Release(1)
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	wait := time.Until(t)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release returns the token's global slot.
func (rl *RateLimiter) Release(t Token) {
	if t.released == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	rl.global.Release(1)
}

// Timeout returns the per-request timeout configured for source.
func (rl *RateLimiter) Timeout(source string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.windowLocked(source).timeout
}

// Do acquires a token, runs fn under the source's request timeout, and releases the token.
func (rl *RateLimiter) Do(ctx context.Context, source string, fn func(context.Context) error) error {
	tok, err := rl.Acquire(ctx, source)
	if err != nil {
		return err
	}
	defer rl.Release(tok)

	if timeout := rl.Timeout(source); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (rl *RateLimiter) windowLocked(source string) *sourceWindow {
	w, ok := rl.sources[source]
	if !ok {
		w = &sourceWindow{interval: rl.defaultInterval, timeout: rl.defaultTimeout}
		rl.sources[source] = w
	}
	return w
}

// URLSet is a thread-safe set for tracking visited URLs.
type URLSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewURLSet creates an empty URLSet.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// Add returns true if the URL was newly added, false if already present.
func (s *URLSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[url]; exists {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// Contains returns true if the URL has already been visited.
func (s *URLSet) Contains(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[url]
	return exists
}

// Size returns the number of unique URLs tracked.
func (s *URLSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
