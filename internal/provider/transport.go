package provider

import (
	"net/http"
	"strconv"
	"time"
)

// retryTransport retries idempotent-safe requests on throttling and transient
// upstream failures. Requests with a non-replayable body are never retried.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int
	baseDelay  time.Duration
	sleep      func(d time.Duration)
}

var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func newRetryTransport(base http.RoundTripper, maxRetries int) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:       base,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		sleep:      time.Sleep,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return resp, err
				}
				req.Body = body
			} else if req.Body != nil {
				// Body already consumed and not replayable.
				return resp, err
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if !retryStatus[resp.StatusCode] || attempt >= t.maxRetries {
			return resp, nil
		}

		delay := t.baseDelay * (1 << attempt)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		resp.Body.Close()
		t.sleep(delay)
	}
}
