package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chinmina/chinmina-relay/internal/transport"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/failsafehttp"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport is an http.RoundTripper that re-sends failed requests according to
// a Strategy. Each call to RoundTrip is one logical request: its attempt
// counter starts at 1 and is never shared with another call.
//
// When retries are exhausted the final outcome is returned unchanged: a
// transport error is returned as-is, and a failing response is returned with
// its body intact for the caller to inspect.
type Transport struct {
	next     http.RoundTripper
	strategy Strategy
	retries  metric.Int64Counter
}

// NewTransport wraps next with the retry behaviour of strategy.
func NewTransport(next http.RoundTripper, strategy Strategy) *Transport {
	retries, err := otel.Meter("github.com/chinmina/chinmina-relay/internal/retry").Int64Counter(
		"http.client.retries",
		metric.WithDescription("Outbound HTTP attempts that were retried"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Transport{
		next:     next,
		strategy: strategy,
		retries:  retries,
	}
}

// Middleware adapts NewTransport for use in a round-tripper chain.
func Middleware(strategy Strategy) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return NewTransport(next, strategy)
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	// state for this logical request only
	var (
		attempt  int
		lastResp *http.Response
		lastErr  error
	)

	attempts := transport.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if lastResp != nil {
			discard(lastResp)
			lastResp = nil
		}

		attempt++
		attemptReq, err := cloneRequest(r, getBody)
		if err != nil {
			return nil, err
		}

		lastResp, lastErr = t.next.RoundTrip(attemptReq)
		return lastResp, lastErr
	})

	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				return t.strategy.RetryOnError(req, err, attempt)
			}
			// the response predicate is status-only: the bound is applied here
			return attempt <= t.strategy.MaxRetry && t.strategy.RetryOnResponse(resp, attempt)
		}).
		WithMaxRetries(max(t.strategy.MaxRetry, 0)).
		WithDelay(t.strategy.RetryInterval(1)).
		ReturnLastFailure().
		OnRetry(func(failsafe.ExecutionEvent[*http.Response]) {
			t.recordRetry(ctx, req, lastResp, lastErr, attempt, t.strategy.RetryInterval(attempt))
		}).
		Build()

	// the body is supplied per attempt from getBody
	outbound := req.Clone(ctx)
	outbound.Body = nil
	outbound.GetBody = nil

	return failsafehttp.NewRoundTripper(attempts, policy).RoundTrip(outbound)
}

func (t *Transport) recordRetry(ctx context.Context, req *http.Request, resp *http.Response, err error, attempt int, interval time.Duration) {
	ev := zerolog.Ctx(ctx).Debug().
		Str("method", req.Method).
		Str("uri", req.URL.Redacted()).
		Int("attempt", attempt).
		Int("max_retry", t.strategy.MaxRetry).
		Dur("interval", interval)

	reason := "error"
	attrs := []attribute.KeyValue{}
	if err != nil || resp == nil {
		ev = ev.Err(err)
	} else {
		reason = "status"
		ev = ev.Int("status", resp.StatusCode)
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
	}
	ev.Str("reason", reason).Msg("retrying outbound request")

	if t.retries != nil {
		attrs = append(attrs, attribute.String("retry.reason", reason))
		t.retries.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// replayableBody returns a function producing a fresh copy of the request
// body for each attempt, or nil when the request has no body.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body for retry: %w", err)
	}

	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}, nil
}

func cloneRequest(req *http.Request, getBody func() (io.ReadCloser, error)) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if getBody == nil {
		return clone, nil
	}

	body, err := getBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	clone.Body = body
	clone.GetBody = getBody

	return clone, nil
}

// discard drains and closes a response that will not be returned, allowing
// the connection to be reused. Draining is bounded.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
	_ = resp.Body.Close()
}
