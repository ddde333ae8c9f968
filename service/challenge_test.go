package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestChallengeClient_Execute(t *testing.T) {
	bus := eventbus.New(nil)
	rec := record(bus)
	loader := &fakeLoader{}
	widget := &fakeWidget{token: "tok-123"}
	client := NewChallengeClient(loader, widget, "site-key", time.Second, bus, nil)

	token, err := client.Execute(context.Background(), "contact")
	require.NoError(t, err)
	assert.Equal(t, core.ChallengeToken{Value: "tok-123", Action: "contact", SiteKey: "site-key"}, token)
	assert.True(t, client.Loaded())

	events := rec.ofKind(core.KindRecaptchaExecute)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Payload["status"])
	assert.Equal(t, "token_received", events[1].Payload["status"])
}

func TestChallengeClient_ConcurrentLoadsShareOneScript(t *testing.T) {
	loader := &fakeLoader{delay: 20 * time.Millisecond}
	widget := &fakeWidget{token: "tok"}
	client := NewChallengeClient(loader, widget, "site-key", time.Second, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Execute(context.Background(), "submit")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, int32(1), widget.renders.Load())
}

func TestChallengeClient_LoadFailureIsRetried(t *testing.T) {
	bus := eventbus.New(nil)
	rec := record(bus)
	loader := &fakeLoader{}
	loader.fails.Store(1)
	client := NewChallengeClient(loader, &fakeWidget{token: "tok"}, "site-key", time.Second, bus, nil)

	_, err := client.Execute(context.Background(), "submit")
	require.ErrorIs(t, err, core.ErrChallengeUnavailable)
	assert.False(t, client.Loaded())

	failed := rec.ofKind(core.KindRecaptchaExecute)
	require.Len(t, failed, 1)
	assert.Equal(t, core.ReasonLoadError, failed[0].Reason)
	assert.Equal(t, core.LevelError, failed[0].Level)

	_, err = client.Execute(context.Background(), "submit")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestChallengeClient_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := eventbus.New(nil)
	rec := record(bus)
	widget := &fakeWidget{token: "late", release: make(chan struct{})}
	client := NewChallengeClient(&fakeLoader{}, widget, "site-key", 20*time.Millisecond, bus, nil)

	start := time.Now()
	_, err := client.Execute(context.Background(), "submit")
	assert.ErrorIs(t, err, core.ErrChallengeTimeout)
	assert.Less(t, time.Since(start), time.Second)

	var reasons []string
	for _, e := range rec.ofKind(core.KindRecaptchaExecute) {
		reasons = append(reasons, e.Reason)
	}
	assert.Contains(t, reasons, core.ReasonTimeout)

	// The abandoned provider call finishes without blocking
	close(widget.release)
}

func TestChallengeClient_ContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	widget := &fakeWidget{token: "late", release: make(chan struct{})}
	client := NewChallengeClient(&fakeLoader{}, widget, "site-key", time.Minute, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Execute(ctx, "submit")
	assert.ErrorIs(t, err, core.ErrChallengeTimeout)
	close(widget.release)
}

func TestChallengeClient_NullToken(t *testing.T) {
	tests := []struct {
		name   string
		widget *fakeWidget
	}{
		{"empty token", &fakeWidget{}},
		{"provider error", &fakeWidget{err: errors.New("invalid site key")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := eventbus.New(nil)
			rec := record(bus)
			client := NewChallengeClient(&fakeLoader{}, tt.widget, "site-key", time.Second, bus, nil)

			_, err := client.Execute(context.Background(), "submit")
			require.ErrorIs(t, err, core.ErrTokenNull)

			events := rec.ofKind(core.KindRecaptchaExecute)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, core.ReasonTokenError, last.Reason)
			assert.Equal(t, "failed", last.Payload["status"])
		})
	}
}
