package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/chinmina/chinmina-relay/internal/audit"
	"github.com/chinmina/chinmina-relay/internal/cache"
	"github.com/chinmina/chinmina-relay/internal/clients"
	"github.com/chinmina/chinmina-relay/internal/config"
	"github.com/chinmina/chinmina-relay/internal/interceptor"
	"github.com/chinmina/chinmina-relay/internal/observe"
	"github.com/chinmina/chinmina-relay/internal/retry"
	"github.com/chinmina/chinmina-relay/internal/server"
	"github.com/chinmina/chinmina-relay/internal/upstream"
	"github.com/chinmina/chinmina-relay/internal/vendor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, hooks *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()
	authorizer := bearerAuth(cfg.Server.AuthToken)

	// Token requests carry no meaningful body. Relayed requests are bounded
	// as they are buffered in memory so that they can be retried.
	tokenRequestLimiter := maxRequestSize(20 << 10) // 20 KB
	relayRequestLimiter := maxRequestSize(1 << 20)  // 1 MB

	tokenRouteMiddleware := alice.New(tokenRequestLimiter, auditor, authorizer)
	relayRouteMiddleware := alice.New(relayRequestLimiter, auditor, authorizer)
	standardRouteMiddleware := alice.New(tokenRequestLimiter)

	registry, err := clients.Load(cfg.Upstream.ClientsFile)
	if err != nil {
		return nil, fmt.Errorf("client registry configuration failed: %w", err)
	}
	log.Info().Strs("clients", registry.Names()).Str("digest", registry.Digest()).Msg("client registry loaded")

	// the subscription key is a credential and is never logged
	redactedHeaders := slices.Clone(cfg.Interceptor.RedactedHeaders)
	if cfg.Upstream.SubscriptionKeyHeader != "" {
		redactedHeaders = append(redactedHeaders, cfg.Upstream.SubscriptionKeyHeader)
	}

	httpClient := upstream.NewHTTPClient(upstream.ChainOptions{
		Base:     http.DefaultTransport,
		Strategy: retry.NewStrategy(cfg.Retry.MaxRetry, cfg.Retry.Interval()),
		Interceptor: interceptor.New(interceptor.Options{
			LoggingEnabled:  cfg.Interceptor.LoggingEnabled,
			RedactedHeaders: redactedHeaders,
			MaxBodyBytes:    cfg.Interceptor.MaxBodyLogBytes,
		}),
		SubscriptionKeyHeader: cfg.Upstream.SubscriptionKeyHeader,
		SubscriptionKey:       cfg.Upstream.SubscriptionKey,
	})

	memory, err := cache.NewMemory[vendor.ClientToken](cfg.Cache.Capacity, cfg.Cache.ExpiryMargin)
	if err != nil {
		return nil, fmt.Errorf("token cache configuration failed: %w", err)
	}
	tokenCache := cache.NewInstrumented[vendor.ClientToken](memory, cfg.Cache.Name)
	hooks.AddClose("token-cache", tokenCache)

	cachedVendor := vendor.NewCached(
		vendor.ClientCredentials(cfg.Upstream.TokenURL, httpClient),
		tokenCache,
		registry,
		vendor.WithSingleFlight(cfg.Cache.SingleFlight),
	)
	tokenVendor := vendor.Auditor(cachedVendor.Vend)

	upstreamClient, err := upstream.NewClient(httpClient, cfg.Upstream.BaseURL, registry, tokenVendor, cachedVendor)
	if err != nil {
		return nil, fmt.Errorf("upstream configuration failed: %w", err)
	}

	mux.Handle("POST /token/{client}", tokenRouteMiddleware.Then(handlePostToken(registry, tokenVendor)))
	mux.Handle("DELETE /token/{client}", tokenRouteMiddleware.Then(handleDeleteToken(registry, cachedVendor)))
	mux.Handle("/relay/{client}/{path...}", relayRouteMiddleware.Then(handleRelay(upstreamClient)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, hooks)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// telemetry is flushed last so that shutdown of other resources is traced
	hooks.AddContext("telemetry", shutdownTelemetry)

	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("server listen failed: %w", err)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	return server.Serve(ctx, srv, listener, shutdownTimeout, hooks)
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// audit entries are written at a custom level
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == audit.Level {
			return "audit"
		}
		return l.String()
	}

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
