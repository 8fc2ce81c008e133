package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Cache       CacheConfig
	Interceptor InterceptorConfig
	Observe     ObserveConfig
	Retry       RetryConfig
	Server      ServerConfig
	Upstream    UpstreamConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`

	// AuthToken, when set, is required as a bearer token on every route
	// except the healthcheck.
	AuthToken string `env:"SERVER_AUTH_TOKEN"`
}

// CacheConfig specifies token cache configuration.
type CacheConfig struct {
	// Name identifies the cache in metrics.
	Name string `env:"CACHE_NAME, default=tokens"`

	// Capacity is the maximum number of tokens held.
	Capacity int `env:"CACHE_CAPACITY, default=1000"`

	// ExpiryMargin is subtracted from each token's expiry, so that a token is
	// never handed out moments before it lapses.
	ExpiryMargin time.Duration `env:"CACHE_EXPIRY_MARGIN, default=30s"`

	// SingleFlight de-duplicates concurrent fetches of the same token.
	SingleFlight bool `env:"CACHE_SINGLE_FLIGHT, default=true"`
}

// RetryConfig bounds outbound call retries.
type RetryConfig struct {
	// MaxRetry is the number of retries after the first attempt.
	MaxRetry       int `env:"RETRY_MAX, default=3"`
	IntervalMillis int `env:"RETRY_INTERVAL_MILLIS, default=500"`
}

// Interval is the fixed wait between attempts.
func (c RetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

// InterceptorConfig controls outbound request logging.
type InterceptorConfig struct {
	LoggingEnabled bool `env:"INTERCEPTOR_LOGGING_ENABLED, default=false"`

	// RedactedHeaders are removed from logs in addition to the built-in list
	// and the subscription key header.
	RedactedHeaders []string `env:"INTERCEPTOR_REDACTED_HEADERS"`

	MaxBodyLogBytes int `env:"INTERCEPTOR_MAX_BODY_LOG_BYTES, default=4096"`
}

// UpstreamConfig describes the protected external service and its token
// endpoint.
type UpstreamConfig struct {
	BaseURL     string `env:"UPSTREAM_BASE_URL, required"`
	TokenURL    string `env:"UPSTREAM_TOKEN_URL, required"`
	ClientsFile string `env:"UPSTREAM_CLIENTS_FILE, required"`

	SubscriptionKey       string `env:"UPSTREAM_SUBSCRIPTION_KEY"`
	SubscriptionKeyHeader string `env:"UPSTREAM_SUBSCRIPTION_KEY_HEADER, default=Ocp-Apim-Subscription-Key"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=chinmina-relay"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Retry.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid retry configuration: %w", err)
	}

	if err := cfg.Upstream.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid upstream configuration: %w", err)
	}

	if err := cfg.Observe.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be greater than zero, got %d", c.Capacity)
	}

	if c.ExpiryMargin < 0 {
		return fmt.Errorf("CACHE_EXPIRY_MARGIN must not be negative, got %s", c.ExpiryMargin)
	}

	return nil
}

// Validate checks that the retry configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.MaxRetry < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", c.MaxRetry)
	}

	if c.IntervalMillis < 0 {
		return fmt.Errorf("RETRY_INTERVAL_MILLIS must not be negative, got %d", c.IntervalMillis)
	}

	return nil
}

// Validate checks that the upstream URLs are absolute.
func (c *UpstreamConfig) Validate() error {
	var errs []error

	for name, value := range map[string]string{
		"UPSTREAM_BASE_URL":  c.BaseURL,
		"UPSTREAM_TOKEN_URL": c.TokenURL,
	} {
		u, err := url.Parse(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, value))
		}
	}

	if c.SubscriptionKey != "" && c.SubscriptionKeyHeader == "" {
		errs = append(errs, errors.New("UPSTREAM_SUBSCRIPTION_KEY_HEADER required when UPSTREAM_SUBSCRIPTION_KEY is set"))
	}

	return errors.Join(errs...)
}

// Validate checks the exporter type.
func (c *ObserveConfig) Validate() error {
	if c.Type != "grpc" && c.Type != "stdout" {
		return fmt.Errorf("OBSERVE_TYPE must be one of grpc, stdout; got %q", c.Type)
	}

	return nil
}
