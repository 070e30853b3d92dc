package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "disabled", cfg: Config{}, want: sdktrace.NeverSample().Description()},
		{name: "always", cfg: Config{TracingEnabled: true}, want: sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()},
		{name: "ratio", cfg: Config{TracingEnabled: true, SampleRatio: 0.25}, want: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, sampler(tc.cfg).Description())
		})
	}
}

// Init mutates otel globals, so this test does not run in parallel.
func TestInitAndShutdown(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p, err := Init(ctx, Config{TracingEnabled: true, ServiceName: "discoveryd-test", Registerer: reg}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Meter)

	_, span := p.Tracer.Tracer("test").Start(ctx, "op")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, (*Providers)(nil).Shutdown(ctx))
}
