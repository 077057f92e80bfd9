package provider

import (
	"net/http"
	"time"

	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/resilience"
)

type options struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
	rateLimit  int
	rateWindow time.Duration
	breaker    *resilience.Breaker
	now        func() time.Time
}

// Option customizes a provider client.
type Option func(*options)

// WithHTTPClient replaces the HTTP client. The retrying transport is not
// installed on a caller-supplied client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithBaseURL points the client at a different API host, used by tests.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithMaxRetries bounds transport-level retries on throttled or failed calls.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithRateLimit overrides the client's sliding-window rate limit.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(o *options) { o.rateLimit = limit; o.rateWindow = window }
}

// WithBreaker runs all API calls under the given circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithClock replaces the clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(defaultBaseURL string, defaultLimit int, defaultWindow time.Duration, opts []Option) options {
	o := options{
		baseURL:    defaultBaseURL,
		maxRetries: 3,
		rateLimit:  defaultLimit,
		rateWindow: defaultWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Transport: newRetryTransport(nil, o.maxRetries),
			Timeout:   30 * time.Second,
		}
	}
	return o
}

// UnitFor returns the UCUM unit attached to normalized records of a type.
func UnitFor(dt registry.DataType) string {
	return unitByType[dt]
}

var unitByType = map[registry.DataType]string{
	registry.HeartRate:         "/min",
	registry.Steps:             "1",
	registry.Weight:            "kg",
	registry.BloodPressure:     "mm[Hg]",
	registry.Temperature:       "Cel",
	registry.SpO2:              "%",
	registry.RRIntervals:       "ms",
	registry.Sleep:             "h",
	registry.PulseWaveVelocity: "m/s",
	registry.FatMass:           "kg",
	registry.Glucose:           "mmol/L",
	registry.ECG:               "/min",
}
