//go:build integration

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chinmina/chinmina-relay/internal/config"
	"github.com/chinmina/chinmina-relay/internal/server"
	"github.com/chinmina/chinmina-relay/internal/testhelpers"
	"github.com/chinmina/chinmina-relay/internal/vendor"
	"github.com/stretchr/testify/require"
)

const harnessClientsYAML = `
clients:
  - name: payments
    clientID: payments-id
    clientSecret: payments-secret
    scopes: [payments.read, payments.write]
  - name: ledger
    clientID: ledger-id
    clientSecret: ledger-secret
`

// APITestHarness manages the complete test environment for API integration tests.
// It sets up the mock token endpoint and upstream service, and provides the API
// server for testing.
type APITestHarness struct {
	AuthToken    string
	t            *testing.T
	Server       *httptest.Server
	TokenMock    *testhelpers.MockTokenServer
	UpstreamMock *testhelpers.MockUpstreamServer
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*config.Config)

// WithMaxRetry sets the number of retries for outbound calls.
func WithMaxRetry(maxRetry int) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Retry.MaxRetry = maxRetry
	}
}

// WithoutAuthorization disables bearer authorization on the API.
func WithoutAuthorization() APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Server.AuthToken = ""
	}
}

// NewAPITestHarness creates a complete test harness with all mock servers and the API server.
// Cleanup is handled automatically via t.Cleanup().
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)
	hooks := server.ShutdownHooks{}

	t.Cleanup(func() {
		_ = hooks.Execute(t.Context())
	})

	harness := &APITestHarness{
		AuthToken: "test-api-token",
		t:         t,
	}

	// Setup mock servers
	harness.TokenMock = testhelpers.SetupMockTokenServer(t)
	harness.UpstreamMock = testhelpers.SetupMockUpstreamServer(t)

	clientsFile := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(clientsFile, []byte(harnessClientsYAML), 0o600))

	// Configure and start the API server
	cfg := config.Config{
		Cache: config.CacheConfig{
			Name:         "tokens",
			Capacity:     100,
			ExpiryMargin: 30 * time.Second,
			SingleFlight: true,
		},
		Interceptor: config.InterceptorConfig{
			LoggingEnabled:  true,
			MaxBodyLogBytes: 4096,
		},
		Observe: config.ObserveConfig{
			Enabled: false, // Disable observability for tests
		},
		Retry: config.RetryConfig{
			MaxRetry:       2,
			IntervalMillis: 1,
		},
		Server: config.ServerConfig{
			Port:      0, // Not used for httptest.Server
			AuthToken: harness.AuthToken,
		},
		Upstream: config.UpstreamConfig{
			BaseURL:               harness.UpstreamMock.Server.URL + "/api",
			TokenURL:              harness.TokenMock.TokenURL(),
			ClientsFile:           clientsFile,
			SubscriptionKey:       "test-subscription-key",
			SubscriptionKeyHeader: "Ocp-Apim-Subscription-Key",
		},
	}

	// Apply options
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.Server.AuthToken == "" {
		harness.AuthToken = ""
	}

	handler, err := configureServerRoutes(cfg, &hooks)
	require.NoError(t, err)

	harness.Server = httptest.NewServer(handler)
	hooks.AddClose("api-server", harness.Server)

	return harness
}

// Client returns a TestClient configured for this harness.
func (h *APITestHarness) Client() *TestClient {
	return &TestClient{
		baseURL: h.Server.URL,
		token:   h.AuthToken,
		client:  http.DefaultClient,
	}
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from JSON error response if available
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// TestClient provides typed access to relay API endpoints for testing.
type TestClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// WithToken returns a copy of the client that authorizes with token.
func (c *TestClient) WithToken(token string) *TestClient {
	copied := *c
	copied.token = token
	return &copied
}

// Response wraps raw HTTP response for low-level assertions.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Request performs a low-level HTTP request and returns the raw response.
// This method is useful for testing error cases and edge conditions.
func (c *TestClient) Request(method, path string, body io.Reader) (*Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       bodyBytes,
		Headers:    resp.Header,
	}, nil
}

// Token requests an access token for the named client.
// Returns the token or an error if the request fails or returns non-2xx.
func (c *TestClient) Token(clientName string) (*vendor.ClientToken, error) {
	resp, err := c.Request(http.MethodPost, "/token/"+clientName, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result vendor.ClientToken
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal token response: %w", err)
	}

	return &result, nil
}

// InvalidateToken discards the cached token for the named client.
func (c *TestClient) InvalidateToken(clientName string) error {
	resp, err := c.Request(http.MethodDelete, "/token/"+clientName, nil)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		return c.parseError(resp)
	}

	return nil
}

// Relay sends a request through the relay on behalf of the named client.
func (c *TestClient) Relay(method, clientName, path string, body io.Reader) (*Response, error) {
	return c.Request(method, "/relay/"+clientName+"/"+path, body)
}

// parseError attempts to parse an error response from the API.
func (c *TestClient) parseError(resp *Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}

	// Try to parse JSON error message
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	}

	return apiErr
}
