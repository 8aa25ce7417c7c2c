package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "payment-reconciliation"})

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// Export is batched and asynchronous, so an unroutable endpoint is fine.
	shutdown, err := InitTracer(context.Background(), Config{
		ServiceName:    "payment-reconciliation",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		OTLPEndpoint:   "127.0.0.1:0",
		SampleRate:     0.5,
		Enabled:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok, "got %T", otel.GetTracerProvider())

	_ = shutdown(context.Background())
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want string
	}{
		{"everything", 1, "AlwaysOnSampler"},
		{"above one", 2, "AlwaysOnSampler"},
		{"nothing", 0, "AlwaysOffSampler"},
		{"negative", -1, "AlwaysOffSampler"},
		{"ratio", 0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := newSampler(tt.rate).Description()
			assert.Contains(t, desc, "ParentBased")
			assert.Contains(t, desc, "root:"+tt.want)
		})
	}
}

func TestNewSampler_ChildFollowsSampledParent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(recorder),
		sdktrace.WithSampler(newSampler(0)),
	)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	root := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = root.Shutdown(context.Background()) }()

	ctx, parent := root.Tracer("processor").Start(context.Background(), "deliver")
	_, child := tp.Tracer("reconciliation").Start(ctx, "HandleWebhookEvent")
	child.End()
	parent.End()

	_, unsampled := tp.Tracer("reconciliation").Start(context.Background(), "orphan")
	unsampled.End()

	names := make([]string, 0, len(recorder.Ended()))
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"HandleWebhookEvent", "deliver"}, names)
}

func TestTracer(t *testing.T) {
	_, span := Tracer("reconciliation").Start(context.Background(), "ConfirmByClient")
	defer span.End()
	assert.NotNil(t, span)
}
