package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_StartSpanAndShutdownAreSafe(t *testing.T) {
	p, err := NewProvider(Options{ServiceName: "fulfillment-core-test", UseStdout: true})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), SpanIngestEvent)
	assert.NotNil(t, ctx)
	span.SetAttribute("tenant", "acme")
	span.RecordError(errors.New("boom"))
	span.End()

	p.RecordMetric(MetricIngestEventDuration, 12.5, map[string]string{"tenant": "acme"})
	p.RecordMetric(MetricDLQEnqueued, 1, nil)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()), "Shutdown must be idempotent")
}

func TestProvider_StartSpanAfterShutdownReturnsNoOp(t *testing.T) {
	p, err := NewProvider(Options{ServiceName: "fulfillment-core-test", UseStdout: true})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	_, span := p.StartSpan(context.Background(), SpanSLAEvaluate)
	span.SetAttribute("x", 1)
	span.End()
}

func TestNewProvider_RequiresServiceName(t *testing.T) {
	_, err := NewProvider(Options{UseStdout: true})
	require.Error(t, err)
}
