package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// stubCache is a scripted TokenCache used to drive the instrumented wrapper.
type stubCache struct {
	getValue CacheTestToken
	getFound bool
	getError error
	setError error
	invError error
	closeErr error
	getCalls int
	setCalls int
	invCalls int
}

func (s *stubCache) Get(ctx context.Context, key string) (CacheTestToken, bool, error) {
	s.getCalls++
	return s.getValue, s.getFound, s.getError
}

func (s *stubCache) Set(ctx context.Context, key string, token CacheTestToken) error {
	s.setCalls++
	return s.setError
}

func (s *stubCache) Invalidate(ctx context.Context, key string) error {
	s.invCalls++
	return s.invError
}

func (s *stubCache) Close() error {
	return s.closeErr
}

func setupMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})

	return reader
}

// operationCounts collects cache.operations data points keyed by
// "operation/status".
func operationCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "cache.operations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("cache.operation"))
				status, _ := dp.Attributes.Value(attribute.Key("cache.status"))
				name, _ := dp.Attributes.Value(attribute.Key("cache.name"))
				assert.Equal(t, "tokens", name.AsString())
				counts[op.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestInstrumented_Get(t *testing.T) {
	reader := setupMeter(t)

	expected := CacheTestToken{Value: "secret", Expiry: time.Now().Add(time.Hour)}
	hit := &stubCache{getValue: expected, getFound: true}
	miss := &stubCache{}
	failing := &stubCache{getError: errors.New("cache error")}

	ctx := context.Background()

	value, found, err := NewInstrumented[CacheTestToken](hit, "tokens").Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, expected, value)

	_, found, err = NewInstrumented[CacheTestToken](miss, "tokens").Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = NewInstrumented[CacheTestToken](failing, "tokens").Get(ctx, "k")
	assert.EqualError(t, err, "cache error")

	assert.Equal(t, map[string]int64{
		"get/hit":   1,
		"get/miss":  1,
		"get/error": 1,
	}, operationCounts(t, reader))
}

func TestInstrumented_SetAndInvalidate(t *testing.T) {
	reader := setupMeter(t)

	ctx := context.Background()
	ok := &stubCache{}
	failing := &stubCache{setError: errors.New("set error"), invError: errors.New("invalidate error")}

	good := NewInstrumented[CacheTestToken](ok, "tokens")
	require.NoError(t, good.Set(ctx, "k", CacheTestToken{}))
	require.NoError(t, good.Invalidate(ctx, "k"))

	bad := NewInstrumented[CacheTestToken](failing, "tokens")
	assert.EqualError(t, bad.Set(ctx, "k", CacheTestToken{}), "set error")
	assert.EqualError(t, bad.Invalidate(ctx, "k"), "invalidate error")

	assert.Equal(t, 1, ok.setCalls)
	assert.Equal(t, 1, ok.invCalls)
	assert.Equal(t, map[string]int64{
		"set/success":        1,
		"set/error":          1,
		"invalidate/success": 1,
		"invalidate/error":   1,
	}, operationCounts(t, reader))
}

func TestInstrumented_Close(t *testing.T) {
	assert.NoError(t, NewInstrumented[CacheTestToken](&stubCache{}, "tokens").Close())

	expectedErr := errors.New("close error")
	err := NewInstrumented[CacheTestToken](&stubCache{closeErr: expectedErr}, "tokens").Close()
	assert.Equal(t, expectedErr, err)
}

func TestInstrumented_WrapsMemory(t *testing.T) {
	setupMeter(t)

	memory, err := NewMemory[CacheTestToken](10, 0)
	require.NoError(t, err)

	var tc TokenCache[CacheTestToken] = NewInstrumented[CacheTestToken](memory, "tokens")

	ctx := context.Background()
	require.NoError(t, tc.Set(ctx, "k", CacheTestToken{Value: "v", Expiry: time.Now().Add(time.Hour)}))

	got, found, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", got.Value)
}
