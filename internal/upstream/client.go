// Package upstream makes authorized calls to the protected external service.
// Every call carries a cached client token and passes through the retry and
// interceptor chain.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chinmina/chinmina-relay/internal/clients"
	"github.com/chinmina/chinmina-relay/internal/interceptor"
	"github.com/chinmina/chinmina-relay/internal/retry"
	"github.com/chinmina/chinmina-relay/internal/transport"
	"github.com/chinmina/chinmina-relay/internal/vendor"
	"github.com/rs/zerolog"
)

// ChainOptions configures the outbound round-tripper chain.
type ChainOptions struct {
	// Base performs the actual network call. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	Strategy    retry.Strategy
	Interceptor *interceptor.Interceptor

	// SubscriptionKeyHeader carries SubscriptionKey on every request when
	// the key is set.
	SubscriptionKeyHeader string
	SubscriptionKey       string
}

// NewHTTPClient builds the resilient client. The retry loop is outermost, so
// each attempt is separately intercepted and logged.
func NewHTTPClient(opts ChainOptions) *http.Client {
	middleware := []transport.Middleware{
		retry.Middleware(opts.Strategy),
		transport.WithHeader(opts.SubscriptionKeyHeader, opts.SubscriptionKey),
	}
	if opts.Interceptor != nil {
		middleware = append(middleware, opts.Interceptor.Middleware())
	}

	return &http.Client{
		Transport: transport.Chain(opts.Base, middleware...),
	}
}

// Registry resolves client names.
type Registry interface {
	Lookup(name string) (clients.Client, error)
}

// Invalidator discards a client's cached token.
type Invalidator interface {
	Invalidate(ctx context.Context, clientName string) error
}

// Client sends requests to the upstream service on behalf of registered
// clients.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	registry    Registry
	tokens      vendor.TokenVendor
	invalidator Invalidator
}

// NewClient creates a Client for the service at baseURL.
func NewClient(httpClient *http.Client, baseURL string, registry Registry, tokens vendor.TokenVendor, invalidator Invalidator) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("upstream base URL must be absolute: %s", baseURL)
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     u,
		registry:    registry,
		tokens:      tokens,
		invalidator: invalidator,
	}, nil
}

// NewRequest creates a request for path, relative to the base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
}

// Do sends req with the named client's token. The caller's request is not
// modified.
//
// A final 401 response means the token was rejected despite being within its
// lifetime: the cached token is invalidated so that the next call fetches a
// new one. The response is still returned to the caller.
func (c *Client) Do(clientName string, req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	client, err := c.registry.Lookup(clientName)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens(ctx, client)
	if err != nil {
		return nil, err
	}

	outbound := req.Clone(ctx)
	outbound.Header.Set("Authorization", token.AuthorizationHeader())

	resp, err := c.httpClient.Do(outbound)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.invalidator != nil {
		zerolog.Ctx(ctx).Warn().
			Str("client", clientName).
			Msg("upstream rejected token; invalidating cached token")

		if err := c.invalidator.Invalidate(ctx, clientName); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("client", clientName).Msg("token invalidation failed")
		}
	}

	return resp, nil
}
