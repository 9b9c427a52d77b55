package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"reuni-scraper/models"
)

func testPolicy(max int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Logger: NewNopLogger()}
}

func TestRetrySucceedsAfterKFailures(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		calls := 0
		got, attempts, err := Execute(context.Background(), testPolicy(5), "op", func(context.Context) (string, error) {
			calls++
			if calls <= k {
				return "", errors.New("flaky")
			}
			return "done", nil
		}, nil)

		if err != nil {
			t.Fatalf("k=%d: unexpected error %v", k, err)
		}
		if got != "done" {
			t.Errorf("k=%d: result = %q", k, got)
		}
		if calls != k+1 || attempts != k+1 {
			t.Errorf("k=%d: calls = %d, attempts = %d, want %d", k, calls, attempts, k+1)
		}
	}
}

func TestRetryFatalShortCircuits(t *testing.T) {
	calls := 0
	fatalErr := models.NotFoundError("sympla", "https://x", nil)
	attempts, err := testPolicy(4).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fatalErr
	}, func(err error) Class {
		if models.IsKind(err, models.KindNotFound) {
			return Fatal
		}
		return Retryable
	})

	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1", calls, attempts)
	}
	if !errors.Is(err, fatalErr) {
		t.Errorf("err = %v, want the fatal error", err)
	}
	if models.IsKind(err, models.KindRetriesExhausted) {
		t.Error("fatal error must not be tagged RetriesExhausted")
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	last := errors.New("boom")
	attempts, err := testPolicy(3).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return last
	}, nil)

	if calls != 3 || attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3", calls, attempts)
	}
	if !models.IsKind(err, models.KindRetriesExhausted) {
		t.Errorf("err = %v, want RetriesExhausted", err)
	}
	if !errors.Is(err, last) {
		t.Error("RetriesExhausted should wrap the last error")
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, Logger: NewNopLogger()}

	calls := 0
	_, err := p.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	_, _ = testPolicy(0).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("x")
	}, nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
