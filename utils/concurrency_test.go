package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestURLSetNoDuplicates(t *testing.T) {
	s := NewURLSet()

	added := s.Add("https://example.com/1")
	if !added {
		t.Error("first Add should return true")
	}

	added = s.Add("https://example.com/1")
	if added {
		t.Error("second Add of same URL should return false")
	}

	if s.Size() != 1 {
		t.Errorf("size: got %d, want 1", s.Size())
	}
	if !s.Contains("https://example.com/1") {
		t.Error("Contains should report the added URL")
	}
}

func TestURLSetConcurrency(t *testing.T) {
	s := NewURLSet()
	var added int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("https://example.com/same") {
				atomic.AddInt64(&added, 1)
			}
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Errorf("expected exactly 1 successful add, got %d", added)
	}
}

func TestRateLimiterSpacing(t *testing.T) {
	interval := 40 * time.Millisecond
	rl := NewRateLimiter(3, interval, time.Second)

	var grants []time.Time
	for i := 0; i < 4; i++ {
		tok, err := rl.Acquire(context.Background(), "sympla")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		grants = append(grants, tok.GrantedAt)
		rl.Release(tok)
	}

	// 2ms slack for timer scheduling
	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < interval-2*time.Millisecond {
			t.Errorf("gap between grant %d and %d: %v < minimum %v", i-1, i, gap, interval)
		}
	}
}

func TestRateLimiterConcurrentSameSource(t *testing.T) {
	interval := 20 * time.Millisecond
	rl := NewRateLimiter(5, interval, time.Second)

	var mu sync.Mutex
	var grants []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := rl.Acquire(context.Background(), "eventbrite")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, tok.GrantedAt)
			mu.Unlock()
			rl.Release(tok)
		}()
	}
	wg.Wait()

	first, last := grants[0], grants[0]
	for _, g := range grants {
		if g.Before(first) {
			first = g
		}
		if g.After(last) {
			last = g
		}
	}
	if span := last.Sub(first); span < 4*interval-5*time.Millisecond {
		t.Errorf("5 grants spanned %v, want >= %v", span, 4*interval)
	}
}

func TestRateLimiterIndependentSources(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour, time.Second)

	a, err := rl.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	rl.Release(a)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	b, err := rl.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("a different source must not wait for source a's window: %v", err)
	}
	rl.Release(b)
}

func TestRateLimiterPacingDoesNotHoldGlobalSlot(t *testing.T) {
	rl := NewRateLimiter(1, 0, time.Second)
	rl.Configure("a", 200*time.Millisecond, 0)

	first, err := rl.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	rl.Release(first)

	done := make(chan error, 1)
	go func() {
		tok, err := rl.Acquire(context.Background(), "a")
		if err == nil {
			rl.Release(tok)
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	b, err := rl.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("source b blocked behind source a's interval: %v", err)
	}
	rl.Release(b)

	if err := <-done; err != nil {
		t.Fatalf("source a: %v", err)
	}
}

func TestRateLimiterGlobalCap(t *testing.T) {
	rl := NewRateLimiter(2, 0, time.Second)
	var inflight, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		src := []string{"a", "b", "c", "d"}[i%4]
		go func() {
			defer wg.Done()
			_ = rl.Do(context.Background(), src, func(context.Context) error {
				n := atomic.AddInt64(&inflight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inflight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak in-flight %d exceeds cap 2", peak)
	}
}

func TestRateLimiterCancelWhileWaiting(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, time.Second)
	tok, err := rl.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	rl.Release(tok)
	rl.Release(tok) // double release is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rl.Acquire(ctx, "a"); err == nil {
		t.Fatal("expected context error while waiting for the window")
	}

	// The global slot must have been returned.
	other, err := rl.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("global slot leaked: %v", err)
	}
	rl.Release(other)
}

func TestRateLimiterDoAppliesTimeout(t *testing.T) {
	rl := NewRateLimiter(1, 0, 10*time.Millisecond)
	err := rl.Do(context.Background(), "a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
