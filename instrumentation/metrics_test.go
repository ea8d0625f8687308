package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew_Disabled(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	// Should not panic
	ctx := context.Background()
	m.RecordTokenRequest(ctx, "success")
	m.RecordCacheHit(ctx)
	m.RecordAPIRequest(ctx, "GET", 200, 12.5)
}

func TestNew_EnabledWithoutProvider(t *testing.T) {
	_, err := New(Config{Enabled: true})
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTokenRequest(ctx, "success")
	m.RecordCacheHit(ctx)
	m.RecordJoin(ctx)
	m.RecordCooldownBlocked(ctx)
	m.RecordAPIRequest(ctx, "GET", 200, 1)
	m.RecordAPIRetry(ctx, "rate_limited")
	m.RecordSessionCreated(ctx)
	m.RecordSessionRemoved(ctx, "logout")
}

func TestMetrics_RecordTokenRequest(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := New(Config{Enabled: true, MeterProvider: provider})
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTokenRequest(ctx, "success")
	m.RecordTokenRequest(ctx, "success")
	m.RecordTokenRequest(ctx, "error")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "central.token.requests" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(3), total)
}
