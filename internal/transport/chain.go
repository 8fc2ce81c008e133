// Package transport holds the building blocks for composing outbound
// http.RoundTripper middleware.
package transport

import "net/http"

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware decorates a RoundTripper. Implementations receive the next
// RoundTripper explicitly and call it once per request.
type Middleware func(next http.RoundTripper) http.RoundTripper

// Chain composes middleware around base. The first middleware is the
// outermost: Chain(base, a, b) sends requests through a, then b, then base.
func Chain(base http.RoundTripper, middleware ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	rt := base
	for i := len(middleware) - 1; i >= 0; i-- {
		rt = middleware[i](rt)
	}

	return rt
}

// WithHeader sets a fixed header on every request that passes through it.
// The request is cloned before modification. An empty value is a no-op, so
// optional credentials can be wired unconditionally.
func WithHeader(name, value string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		if value == "" {
			return next
		}

		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			clone := req.Clone(req.Context())
			clone.Header.Set(name, value)
			return next.RoundTrip(clone)
		})
	}
}
