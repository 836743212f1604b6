package telemetry

import (
	"context"
	"testing"

	"github.com/ripel-io/ripel/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitTracingInstallsPropagators(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), cfg.TracingConfiguration{})
	require.NoError(t, err)
	defer shutdown(context.Background())

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x04, 0x05},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Equal(t, "00-01020300000000000000000000000000-0405000000000000-01", carrier.Get("traceparent"))

	extracted := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
	assert.Equal(t, sc.TraceID(), extracted.TraceID())
}

func TestInitTracingEnabledSetsProvider(t *testing.T) {
	// the exporter connects lazily, so no collector is needed
	shutdown, err := InitTracing(context.Background(), cfg.TracingConfiguration{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		ServiceName: "ripel-test",
		SampleRatio: 1,
	})
	require.NoError(t, err)
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = shutdown(ctx)
}
