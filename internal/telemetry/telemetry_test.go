package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"poseoverlay/internal/config"
)

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobalProvider(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobalProvider(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "poseoverlay-test",
		SampleRate:   0.5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	// no collector is running, so only make sure shutdown returns
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestShutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
}
