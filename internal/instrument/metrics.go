package instrument

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tool_broker/internal/models"
)

// Metrics records metered calls as OpenTelemetry instruments.
// A nil *Metrics records nothing.
type Metrics struct {
	calls      metric.Int64Counter
	failures   metric.Int64Counter
	rejections metric.Int64Counter
	duration   metric.Float64Histogram
	cost       metric.Float64Counter
}

// NewMetrics creates the instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	calls, err := meter.Int64Counter("tool_broker.calls",
		metric.WithDescription("Number of metered tool calls"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("tool_broker.call.failures",
		metric.WithDescription("Number of metered tool calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("tool_broker.call.rejections",
		metric.WithDescription("Number of calls rejected by the pre-flight check"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("tool_broker.call.duration",
		metric.WithDescription("Duration of metered tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cost, err := meter.Float64Counter("tool_broker.call.cost",
		metric.WithDescription("Credits charged for metered tool calls"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		calls:      calls,
		failures:   failures,
		rejections: rejections,
		duration:   duration,
		cost:       cost,
	}, nil
}

func toolAttributes(tool *models.ConfiguredTool) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("tool", tool.Definition.ID),
		attribute.String("provider", tool.Definition.Provider.ID),
		attribute.String("purpose", string(tool.Purpose)),
	)
}

func (m *Metrics) call(ctx context.Context, tool *models.ConfiguredTool, elapsed time.Duration, cost float64, failed bool) {
	if m == nil {
		return
	}
	attrs := toolAttributes(tool)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if failed {
		m.failures.Add(ctx, 1, attrs)
		return
	}
	if tool.UsesCredits && cost > 0 {
		m.cost.Add(ctx, cost, attrs)
	}
}

func (m *Metrics) rejected(ctx context.Context, tool *models.ConfiguredTool) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, toolAttributes(tool))
}
