package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("test", cfg, zerolog.Nop(), WithBreakerClock(func() time.Time { return now }))
	return b, &now
}

func failNTimes(n int) func(ctx context.Context) error {
	calls := 0
	return func(ctx context.Context) error {
		calls++
		if calls <= n {
			return errors.New("upstream api error")
		}
		return nil
	}
}

// ===================== State transitions =====================

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errors.New("api error") }

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); err == nil {
			t.Fatalf("call %d should fail", i)
		}
		if b.State() != StateClosed {
			t.Fatalf("breaker opened too early after %d failures", i+1)
		}
	}
	if err := b.Call(ctx, fail); err == nil {
		t.Fatal("third call should fail")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("api error") })

	calls := 0
	err := b.Call(ctx, func(ctx context.Context) error { calls++; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("fn must not run while open, ran %d times", calls)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("api error") })

	*now = now.Add(61 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// First trial success: still half-open.
	calls := 0
	ok := func(ctx context.Context) error { calls++; return nil }
	if err := b.Call(ctx, ok); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", b.State())
	}

	// Second success closes.
	if err := b.Call(ctx, ok); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", b.State())
	}
	if calls != 2 {
		t.Errorf("expected 2 trial calls, got %d", calls)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, now := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("api error") })

	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("api error again") })
	if b.State() != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %s", b.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errors.New("api error") }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, ok)
	_ = b.Call(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("interleaved success should reset the count, got %s", b.State())
	}
}

// ===================== Registry =====================

func TestBreakerRegistrySharesInstances(t *testing.T) {
	r := NewBreakerRegistry(zerolog.Nop())
	a := r.Get(BreakerWithings, DefaultBreakerConfig())
	b := r.Get(BreakerWithings, BreakerConfig{FailureThreshold: 99, SuccessThreshold: 1, Cooldown: time.Second})
	if a != b {
		t.Fatal("registry must return the same breaker per name")
	}
	c := r.Get(BreakerFitbit, DefaultBreakerConfig())
	if a == c {
		t.Fatal("different names must get different breakers")
	}
}
