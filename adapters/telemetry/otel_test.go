package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.MeterProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewWithEndpoint(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed
	p, err := New(context.Background(), Config{
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		Interval:     time.Hour,
		Version:      "test",
	})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Nothing was recorded, so shutdown has nothing to push
	_ = p.Shutdown(ctx)
}
