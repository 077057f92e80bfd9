package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when a breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig matches the upstream API protection policy.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. Closed counts consecutive
// failures; at FailureThreshold it opens and rejects calls until Cooldown
// elapses, then admits trial calls half-open. SuccessThreshold consecutive
// successes close it again; any half-open failure reopens it.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock replaces the clock, used by tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(name string, cfg BreakerConfig, logger zerolog.Logger, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, promoting open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		b.logger.Info().Msg("cooldown elapsed, entering half-open")
	}
	return b.state
}

// Call runs fn under the breaker. A rejected call returns ErrOpen without
// invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.stateLocked() == StateOpen {
		b.mu.Unlock()
		return Wrap(CategoryAPI, ErrOpen)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onFailureLocked() {
	switch b.stateLocked() {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.stateLocked() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info().Msg("breaker closed")
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.logger.Warn().Dur("cooldown", b.cfg.Cooldown).Msg("breaker opened")
}

// ----------------------------------------------------------------------------
// Registry
// ----------------------------------------------------------------------------

// Well-known breaker names.
const (
	BreakerWithings = "withings_api"
	BreakerFitbit   = "fitbit_api"
	BreakerFHIR     = "fhir_server"
)

// BreakerRegistry hands out one shared breaker per name.
type BreakerRegistry struct {
	logger   zerolog.Logger
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewBreakerRegistry(logger zerolog.Logger) *BreakerRegistry {
	return &BreakerRegistry{logger: logger, breakers: map[string]*Breaker{}}
}

// Get returns the breaker registered under name, creating it with cfg on
// first use. Later calls ignore cfg.
func (r *BreakerRegistry) Get(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}
