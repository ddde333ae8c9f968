package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/formguard/adapters/store"
	"github.com/layer-3/formguard/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newProxy(upstream *fakeSiteVerifier, actions []core.ActionPolicy) *VerificationProxy {
	limit := core.RateLimit{Max: 3, Window: time.Minute}
	return NewVerificationProxy(upstream, store.NewMemoryRateLimitStore(), limit, actions, 0.5, nil)
}

func TestVerificationProxy_Accepts(t *testing.T) {
	upstream := &fakeSiteVerifier{resp: scored(0.9, "submit")}
	proxy := newProxy(upstream, nil)

	resp, err := proxy.Verify(context.Background(), ProxyRequest{ClientID: "198.51.100.1", Token: "tok", Action: "submit"})
	require.NoError(t, err)
	assert.True(t, resp.Verdict.Valid)
	assert.True(t, resp.Response.Success)
	assert.Equal(t, 1, resp.Decision.Count)
	assert.Equal(t, 2, resp.Decision.Remaining)
	assert.Equal(t, "198.51.100.1", upstream.lastIP)
}

func TestVerificationProxy_RateLimit(t *testing.T) {
	upstream := &fakeSiteVerifier{resp: scored(0.9, "submit")}
	proxy := newProxy(upstream, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "submit"})
		require.NoError(t, err)
	}

	resp, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "submit"})
	require.ErrorIs(t, err, core.ErrRateLimited)
	assert.False(t, resp.Decision.Allowed)
	assert.Positive(t, resp.Decision.RetryAfter)
	assert.Equal(t, int32(3), upstream.calls.Load(), "rejected request must not reach the service")

	// Other clients have their own window
	_, err = proxy.Verify(ctx, ProxyRequest{ClientID: "c2", Token: "tok", Action: "submit"})
	assert.NoError(t, err)
}

func TestVerificationProxy_WindowSlides(t *testing.T) {
	upstream := &fakeSiteVerifier{resp: scored(0.9, "submit")}
	proxy := newProxy(upstream, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	proxy.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok"})
		require.NoError(t, err)
	}
	_, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok"})
	require.ErrorIs(t, err, core.ErrRateLimited)

	now = now.Add(time.Minute + time.Millisecond)
	_, err = proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok"})
	assert.NoError(t, err)
}

func TestVerificationProxy_ActionAllowList(t *testing.T) {
	upstream := &fakeSiteVerifier{resp: scored(0.6, "login")}
	proxy := newProxy(upstream, []core.ActionPolicy{
		{Name: "submit"},
		{Name: "login", MinScore: 0.7},
	})
	ctx := context.Background()

	_, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "transfer"})
	require.ErrorIs(t, err, core.ErrActionNotAllowed)
	assert.Zero(t, upstream.calls.Load())

	resp, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "login"})
	require.NoError(t, err)
	assert.False(t, resp.Verdict.Valid)
	assert.Equal(t, core.ErrorKindLowScore, resp.Verdict.ErrorKind)
}

func TestVerificationProxy_MissingToken(t *testing.T) {
	upstream := &fakeSiteVerifier{}
	proxy := newProxy(upstream, nil)

	_, err := proxy.Verify(context.Background(), ProxyRequest{ClientID: "c1"})
	assert.ErrorIs(t, err, core.ErrMissingToken)
	assert.Zero(t, upstream.calls.Load())
}

func TestVerificationProxy_UpstreamErrorIsGeneric(t *testing.T) {
	logCore, logs := observer.New(zapcore.InfoLevel)
	upstream := &fakeSiteVerifier{err: errors.New("dial tcp 142.250.0.1:443: connection refused")}
	limit := core.RateLimit{Max: 10, Window: time.Minute}
	proxy := NewVerificationProxy(upstream, store.NewMemoryRateLimitStore(), limit, nil, 0.5, zap.New(logCore))

	_, err := proxy.Verify(context.Background(), ProxyRequest{ClientID: "c1", Token: "tok"})
	require.Error(t, err)
	assert.Equal(t, core.ErrVerificationUnreachable, err)
	assert.NotContains(t, err.Error(), "142.250.0.1")

	entries := logs.FilterMessage("upstream verification failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "connection refused")
}

func TestVerificationProxy_StoreFailure(t *testing.T) {
	upstream := &fakeSiteVerifier{}
	proxy := NewVerificationProxy(upstream, failingLimiter{}, core.RateLimit{Max: 1, Window: time.Minute}, nil, 0.5, nil)

	_, err := proxy.Verify(context.Background(), ProxyRequest{ClientID: "c1", Token: "tok"})
	assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
	assert.Zero(t, upstream.calls.Load())
}

func TestVerificationProxy_CountsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	upstream := &fakeSiteVerifier{resp: scored(0.9, "submit")}
	proxy := NewVerificationProxy(upstream, store.NewMemoryRateLimitStore(),
		core.RateLimit{Max: 1, Window: time.Minute}, nil, 0.5, nil).WithMeterProvider(provider)
	ctx := context.Background()

	_, err := proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "submit"})
	require.NoError(t, err)
	_, err = proxy.Verify(ctx, ProxyRequest{ClientID: "c1", Token: "tok", Action: "submit"})
	require.ErrorIs(t, err, core.ErrRateLimited)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "formguard.proxy.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"accepted": 1, "rate_limited": 1}, counts)
}
