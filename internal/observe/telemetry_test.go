package observe

import (
	"context"
	"net/http"
	"testing"

	"github.com/chinmina/chinmina-relay/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

func restoreGlobals(t *testing.T) {
	t.Helper()

	propagator := otel.GetTextMapPropagator()
	tracerProvider := otel.GetTracerProvider()
	meterProvider := otel.GetMeterProvider()

	t.Cleanup(func() {
		otel.SetTextMapPropagator(propagator)
		otel.SetTracerProvider(tracerProvider)
		otel.SetMeterProvider(meterProvider)
	})
}

func TestConfigure_DisabledStillPropagates(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Configure(context.Background(), config.ObserveConfig{Enabled: false, Type: "grpc"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestConfigure_Stdout(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Configure(context.Background(), config.ObserveConfig{
		Enabled:                   true,
		MetricsEnabled:            true,
		Type:                      "stdout",
		ServiceName:               "relay-test",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	})
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_UnknownType(t *testing.T) {
	restoreGlobals(t)

	_, err := Configure(context.Background(), config.ObserveConfig{Enabled: true, Type: "zipkin"})
	require.ErrorContains(t, err, `unsupported telemetry exporter type: "zipkin"`)
}

func TestSDKLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.Level(-7), sdkLogLevel("debug"))
	assert.Equal(t, zerolog.Level(-3), sdkLogLevel("INFO"))
	assert.Equal(t, zerolog.Level(0), sdkLogLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, sdkLogLevel("error"))
	assert.Equal(t, zerolog.ErrorLevel, sdkLogLevel("nonsense"))
}

func TestHTTPTransport(t *testing.T) {
	base := http.DefaultTransport

	t.Run("disabled returns base", func(t *testing.T) {
		assert.Same(t, base, HTTPTransport(base, config.ObserveConfig{Enabled: false, HTTPTransportEnabled: true}))
		assert.Same(t, base, HTTPTransport(base, config.ObserveConfig{Enabled: true, HTTPTransportEnabled: false}))
	})

	t.Run("enabled wraps base", func(t *testing.T) {
		rt := HTTPTransport(base, config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true, HTTPConnectionTraceEnabled: true})
		assert.IsType(t, &otelhttp.Transport{}, rt)
	})
}
