package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlidingLimiterAllowsUpToLimit(t *testing.T) {
	l := newSlidingLimiter(3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	slept := 0
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if slept != 0 {
		t.Errorf("first %d calls should not sleep", 3)
	}
}

func TestSlidingLimiterBlocksWhenFull(t *testing.T) {
	l := newSlidingLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	var sleeps []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	_ = l.Wait(ctx)
	now = now.Add(10 * time.Second)
	_ = l.Wait(ctx)

	// Window full. Third call must wait until the first slot expires.
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(sleeps) == 0 {
		t.Fatal("expected the third call to sleep")
	}
	if sleeps[0] != 50*time.Second {
		t.Errorf("slept %v, want 50s until the oldest call ages out", sleeps[0])
	}
}

func TestSlidingLimiterContextCancel(t *testing.T) {
	l := newSlidingLimiter(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	_ = l.Wait(ctx)
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
