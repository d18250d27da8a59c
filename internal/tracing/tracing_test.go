package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunTraceContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)

	ctx = WithRun(ctx, "run-1")
	ctx = WithProvider(ctx, "prov-1")
	rt, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, RunTrace{RunID: "run-1", ProviderID: "prov-1"}, rt)

	// A provider context derived for another worker does not leak back.
	other := WithProvider(WithRun(context.Background(), "run-1"), "prov-2")
	rt2, _ := FromContext(other)
	assert.Equal(t, "prov-2", rt2.ProviderID)
	rt, _ = FromContext(ctx)
	assert.Equal(t, "prov-1", rt.ProviderID)
}

func TestLogger_NoTrace(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, Logger(context.Background()))
	assert.NotNil(t, Logger(WithRun(context.Background(), "run-1")))
}

func TestStart_AnnotatesSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := WithProvider(WithRun(context.Background(), "run-9"), "prov-3")
	_, span := Start(ctx, "validate.provider", attribute.Int("observations", 2))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "validate.provider", ended[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "run-9", attrs["run.id"].AsString())
	assert.Equal(t, "prov-3", attrs["provider.id"].AsString())
	assert.Equal(t, int64(2), attrs["observations"].AsInt64())
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Init(context.Background(), Config{Enabled: true, ServiceName: "provider-qa-test"})
	require.NoError(t, err)
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.NoError(t, shutdown(context.Background()))
}
