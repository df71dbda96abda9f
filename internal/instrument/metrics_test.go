package instrument

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"tool_broker/internal/storage"
	"tool_broker/internal/usage"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func int64Total(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordsCallsFailuresAndCost(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	f := newFixture(t, gpt)
	meter := NewMeter(f.tool, f.spending, usage.NewTrackingService(storage.NewMemoryUsageStore(), 0.01), uuid.New(), WithMetrics(metrics))

	ok := &fakeChat{resp: &ChatCompletion{Usage: TokenUsage{InputTokens: 1000}}}
	_, err = WrapChatClient(ok, meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	require.NoError(t, err)

	broken := &fakeChat{err: errors.New("boom")}
	_, err = WrapChatClient(broken, meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	require.Error(t, err)

	f.spending.reject = errors.New("no credits")
	_, err = WrapChatClient(ok, meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	require.Error(t, err)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), int64Total(t, findMetric(rm, "tool_broker.calls")))
	assert.Equal(t, int64(1), int64Total(t, findMetric(rm, "tool_broker.call.failures")))
	assert.Equal(t, int64(1), int64Total(t, findMetric(rm, "tool_broker.call.rejections")))

	cost := findMetric(rm, "tool_broker.call.cost")
	require.NotNil(t, cost)
	sum, isSum := cost.Data.(metricdata.Sum[float64])
	require.True(t, isSum)
	require.Len(t, sum.DataPoints, 1)
	assert.InDelta(t, 0.0125, sum.DataPoints[0].Value, 1e-9)

	duration := findMetric(rm, "tool_broker.call.duration")
	require.NotNil(t, duration)
	_, isHistogram := duration.Data.(metricdata.Histogram[float64])
	assert.True(t, isHistogram)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	f := newFixture(t, gpt)
	assert.NotPanics(t, func() {
		m.call(context.Background(), f.tool, 0, 1, false)
		m.rejected(context.Background(), f.tool)
	})
}
