package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRetryer(t *testing.T, cfg RetryConfig) (*Retryer, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	r := NewRetryer(cfg, zerolog.Nop(), WithRetrySleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	return r, &delays
}

func TestRetryerRetriesTransientErrors(t *testing.T) {
	r, delays := newTestRetryer(t, DefaultRetryConfig())
	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestRetryerDoesNotRetryAuthErrors(t *testing.T) {
	r, _ := newTestRetryer(t, DefaultRetryConfig())
	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return errors.New("401 unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("auth errors must not be retried, got %d calls", calls)
	}
}

func TestRetryerDoesNotRetryValidationErrors(t *testing.T) {
	r, _ := newTestRetryer(t, DefaultRetryConfig())
	calls := 0
	_ = r.Do(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return errors.New("invalid resource")
	})
	if calls != 1 {
		t.Errorf("validation errors must not be retried, got %d calls", calls)
	}
}

func TestRetryerFailsFastOnOpenBreaker(t *testing.T) {
	r, delays := newTestRetryer(t, DefaultRetryConfig())
	calls := 0
	err := r.Do(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return Wrap(CategoryAPI, ErrOpen)
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("open breaker must not be retried, got %d calls", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("open breaker must not sleep, got %d sleeps", len(*delays))
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r, delays := newTestRetryer(t, RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2})
	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return errors.New("502 bad gateway")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("expected initial call plus 3 retries, got %d", calls)
	}
	if len(*delays) != 3 {
		t.Errorf("expected 3 sleeps, got %d", len(*delays))
	}
}

func TestRetryerDelayCapped(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Factor: 2}, zerolog.Nop())
	if got := r.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := r.Delay(5); got != 32*time.Second {
		t.Errorf("Delay(5) = %v, want 32s", got)
	}
	if got := r.Delay(9); got != 60*time.Second {
		t.Errorf("Delay(9) = %v, want cap 60s", got)
	}
}

func TestRetryerHonorsContextCancellation(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Do(ctx, "fetch", func(ctx context.Context) error {
		t.Fatal("fn must not run with canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
