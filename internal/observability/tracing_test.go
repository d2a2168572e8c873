package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "avdirector", Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "test")
	assert.NotNil(t, span)
	span.End()

	assert.NotNil(t, SpanFromContext(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "avdirector",
		Enabled:      true,
		SamplingRate: 0.5,
	})
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	_, span := tracer.StartSpan(context.Background(), "test")
	span.End()
}

func TestCreateSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", createSampler(1.5).Description())
	assert.Equal(t, "AlwaysOffSampler", createSampler(0).Description())
	assert.Contains(t, createSampler(0.25).Description(), "TraceIDRatioBased")
}
