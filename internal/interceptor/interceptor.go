// Package interceptor wraps outbound HTTP calls to propagate trace context
// and to write redacted request/response logs with timing.
package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// transactionHeader carries the caller's correlation id, logged when present.
const transactionHeader = "TransactionId"

// Propagator writes trace context into an outbound carrier.
// propagation.TextMapPropagator satisfies it.
type Propagator interface {
	Inject(ctx context.Context, carrier propagation.TextMapCarrier)
}

// Options configures an Interceptor.
type Options struct {
	// LoggingEnabled turns on request, response and timing logs.
	LoggingEnabled bool

	// RedactedHeaders are removed from logs in addition to
	// DefaultRedactedHeaders.
	RedactedHeaders []string

	// MaxBodyBytes truncates logged bodies. Zero logs bodies in full.
	MaxBodyBytes int

	// Propagator overrides the globally configured OpenTelemetry propagator.
	Propagator Propagator
}

// Interceptor injects trace headers into every outbound request and,
// when enabled, logs it. It never retries: each invocation calls the next
// RoundTripper exactly once. It holds no per-call state and is safe for
// concurrent use.
type Interceptor struct {
	loggingEnabled bool
	maxBodyBytes   int
	redactor       Redactor
	propagator     Propagator
}

// New creates an Interceptor.
func New(opts Options) *Interceptor {
	return &Interceptor{
		loggingEnabled: opts.LoggingEnabled,
		maxBodyBytes:   opts.MaxBodyBytes,
		redactor:       NewRedactor(opts.RedactedHeaders...),
		propagator:     opts.Propagator,
	}
}

// Middleware returns the interceptor as round-tripper middleware.
func (i *Interceptor) Middleware() func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripper{interceptor: i, next: next}
	}
}

type roundTripper struct {
	interceptor *Interceptor
	next        http.RoundTripper
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.interceptor.Intercept(req, rt.next)
}

// Intercept sends req through next. Trace injection happens first and never
// aborts the call; errors from next are returned unchanged.
func (i *Interceptor) Intercept(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	ctx := req.Context()
	logger := zerolog.Ctx(ctx)

	// the caller's request is left untouched: headers are added to a clone
	outbound := req.Clone(ctx)
	i.propagate(outbound)

	start := time.Now()
	if i.loggingEnabled {
		i.logRequest(logger, outbound, start)
	}

	resp, err := next.RoundTrip(outbound)

	if i.loggingEnabled {
		finish := time.Now()
		i.logResponse(logger, resp, err, finish, finish.Sub(start))
	}

	return resp, err
}

func (i *Interceptor) propagate(req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(req.Context()).Error().
				Interface("recover", r).
				Msg("unable to propagate tracing information on outbound request")
		}
	}()

	propagator := i.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}

	propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

func (i *Interceptor) logRequest(logger *zerolog.Logger, req *http.Request, start time.Time) {
	body, err := requestBody(req, i.maxBodyBytes)
	if err != nil {
		logger.Warn().Err(err).Msg("outbound request body could not be captured for logging")
	}

	ev := logger.Info().
		Str("uri", req.URL.Redacted()).
		Str("method", req.Method).
		Interface("headers", i.redactor.Headers(req.Header))

	if txID := req.Header.Get(transactionHeader); txID != "" {
		ev = ev.Str("transaction_id", txID)
	}

	ev.Str("body", i.redactor.Body(body, i.maxBodyBytes)).
		Time("started_at", start).
		Msg("outbound request")
}

func (i *Interceptor) logResponse(logger *zerolog.Logger, resp *http.Response, err error, finish time.Time, elapsed time.Duration) {
	if err != nil {
		logger.Warn().
			Err(err).
			Time("finished_at", finish).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("outbound request failed")
		return
	}

	body, berr := responseBody(resp, i.maxBodyBytes)
	if berr != nil {
		logger.Warn().Err(berr).Msg("outbound response body could not be captured for logging")
	}

	logger.Info().
		Int("status", resp.StatusCode).
		Str("status_text", http.StatusText(resp.StatusCode)).
		Interface("headers", i.redactor.Headers(resp.Header)).
		Str("body", i.redactor.Body(body, i.maxBodyBytes)).
		Time("finished_at", finish).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("outbound response")
}

// requestBody captures the start of the request body for logging, leaving
// req able to send all of it.
func requestBody(req *http.Request, limit int) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		copied, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer copied.Close()
		return readPrefix(copied, limit)
	}

	prefix, body, err := captureBody(req.Body, limit)
	req.Body = body

	return prefix, err
}

// responseBody captures the start of the response body for logging and
// replaces it so the caller still receives the full content, including any
// read error.
func responseBody(resp *http.Response, limit int) ([]byte, error) {
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return nil, nil
	}

	prefix, body, err := captureBody(resp.Body, limit)
	resp.Body = body

	return prefix, err
}

// captureBody reads up to limit+1 bytes from body, enough for the log to show
// truncation. The returned body replays the captured bytes followed by the
// unread remainder, or by the read error when one occurred. A limit of zero
// or less captures everything.
func captureBody(body io.ReadCloser, limit int) ([]byte, io.ReadCloser, error) {
	prefix, err := readPrefix(body, limit)

	var rest io.Reader = body
	if err != nil {
		rest = errReader{err: err}
	} else if limit <= 0 {
		rest = http.NoBody
	}

	return prefix, readCloser{
		Reader: io.MultiReader(bytes.NewReader(prefix), rest),
		Closer: body,
	}, err
}

func readPrefix(r io.Reader, limit int) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}

	return io.ReadAll(r)
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
