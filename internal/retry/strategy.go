// Package retry decides whether and when a failed outbound HTTP attempt is
// retried, and applies that decision around an http.RoundTripper.
package retry

import (
	"net/http"
	"time"
)

// Strategy is a fixed-interval retry policy. It is stateless: the caller
// supplies the 1-based attempt number of the attempt that just failed.
type Strategy struct {
	// MaxRetry is the inclusive upper bound on the attempt number that may be
	// retried.
	MaxRetry int

	// Interval is the wait before every retry.
	Interval time.Duration
}

// NewStrategy creates a strategy from the configured bound and interval.
func NewStrategy(maxRetry int, interval time.Duration) Strategy {
	return Strategy{
		MaxRetry: maxRetry,
		Interval: interval,
	}
}

// RetryOnError reports whether an attempt that failed at the transport level
// should be retried. Every transport error is retryable until the attempt
// bound is passed.
func (s Strategy) RetryOnError(req *http.Request, err error, attempt int) bool {
	return attempt <= s.MaxRetry
}

// RetryOnResponse reports whether a completed attempt should be retried based
// on its status. Any status of 400 or above is retryable; the attempt bound is
// enforced by Transport, which checks it before consulting this method.
func (s Strategy) RetryOnResponse(resp *http.Response, attempt int) bool {
	return resp.StatusCode >= http.StatusBadRequest
}

// RetryInterval is the wait before the next attempt. It is constant.
func (s Strategy) RetryInterval(attempt int) time.Duration {
	return s.Interval
}
