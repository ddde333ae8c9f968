package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/layer-3/formguard/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ChallengeClient loads the challenge script once per process, renders a
// single invisible widget and executes it to obtain tokens.
type ChallengeClient struct {
	loader  ports.ScriptLoader
	widget  ports.ChallengeWidget
	siteKey string
	timeout time.Duration
	bus     *eventbus.Bus
	logger  *zap.Logger

	group  singleflight.Group
	loaded atomic.Bool

	renderMu sync.Mutex
	widgetID string
}

// NewChallengeClient creates a new challenge client
func NewChallengeClient(
	loader ports.ScriptLoader,
	widget ports.ChallengeWidget,
	siteKey string,
	timeout time.Duration,
	bus *eventbus.Bus,
	logger *zap.Logger,
) *ChallengeClient {
	if timeout <= 0 {
		timeout = core.DefaultChallengeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChallengeClient{
		loader:  loader,
		widget:  widget,
		siteKey: siteKey,
		timeout: timeout,
		bus:     bus,
		logger:  logger,
	}
}

// Loaded reports whether the script has been loaded
func (c *ChallengeClient) Loaded() bool {
	return c.loaded.Load()
}

// Load loads the script. Concurrent callers share one in-flight load; a
// failed load is attempted again by the next caller.
func (c *ChallengeClient) Load(ctx context.Context) error {
	if c.loaded.Load() {
		return nil
	}

	_, err, _ := c.group.Do("script", func() (interface{}, error) {
		if c.loaded.Load() {
			return nil, nil
		}
		if err := c.loader.Load(ctx); err != nil {
			return nil, err
		}
		c.loaded.Store(true)
		return nil, nil
	})
	return err
}

func (c *ChallengeClient) render(ctx context.Context) (string, error) {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	if c.widgetID != "" {
		return c.widgetID, nil
	}
	id, err := c.widget.Render(ctx, c.siteKey)
	if err != nil {
		return "", err
	}
	c.widgetID = id
	return id, nil
}

type executeResult struct {
	token string
	err   error
}

// Execute requests a token bound to action. The wait is bounded by the
// configured timeout; on expiry the pending provider call is abandoned.
func (c *ChallengeClient) Execute(ctx context.Context, action string) (core.ChallengeToken, error) {
	attemptID := ""
	if attempt, ok := core.AttemptFromContext(ctx); ok {
		attemptID = attempt.ID
	}

	if err := c.Load(ctx); err != nil {
		c.fail(attemptID, action, core.ReasonLoadError, err)
		return core.ChallengeToken{}, fmt.Errorf("%w: %v", core.ErrChallengeUnavailable, err)
	}

	widgetID, err := c.render(ctx)
	if err != nil {
		c.fail(attemptID, action, core.ReasonLoadError, err)
		return core.ChallengeToken{}, fmt.Errorf("%w: render: %v", core.ErrChallengeUnavailable, err)
	}

	c.emit(core.SecurityEvent(core.KindRecaptchaExecute, core.LevelInfo, attemptID), action, "started", "")

	// Buffered so an abandoned execution can still complete without blocking
	done := make(chan executeResult, 1)
	go func() {
		token, err := c.widget.Execute(ctx, widgetID, action)
		done <- executeResult{token: token, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var res executeResult
	select {
	case res = <-done:
	case <-timer.C:
		c.fail(attemptID, action, core.ReasonTimeout, nil)
		return core.ChallengeToken{}, core.ErrChallengeTimeout
	case <-ctx.Done():
		c.fail(attemptID, action, core.ReasonTimeout, ctx.Err())
		return core.ChallengeToken{}, fmt.Errorf("%w: %v", core.ErrChallengeTimeout, ctx.Err())
	}

	if res.err != nil {
		c.fail(attemptID, action, core.ReasonTokenError, res.err)
		return core.ChallengeToken{}, fmt.Errorf("%w: %v", core.ErrTokenNull, res.err)
	}
	if res.token == "" {
		c.fail(attemptID, action, core.ReasonTokenError, nil)
		return core.ChallengeToken{}, core.ErrTokenNull
	}

	c.emit(core.SecurityEvent(core.KindRecaptchaExecute, core.LevelInfo, attemptID), action, "token_received", "")
	return core.ChallengeToken{Value: res.token, Action: action, SiteKey: c.siteKey}, nil
}

func (c *ChallengeClient) fail(attemptID, action, reason string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.logger.Warn("challenge execution failed",
		zap.String("attempt_id", attemptID),
		zap.String("action", action),
		zap.String("reason", reason),
		zap.Error(err))

	event := core.SecurityEvent(core.KindRecaptchaExecute, core.LevelError, attemptID)
	event.Reason = reason
	c.emit(event, action, "failed", detail)
}

func (c *ChallengeClient) emit(event core.Event, action, status, detail string) {
	if c.bus == nil {
		return
	}
	event.Stage = core.StageChallengeExecuted
	event.Payload["action"] = action
	event.Payload["status"] = status
	if detail != "" {
		event.Payload["detail"] = detail
	}
	c.bus.Emit(event)
}
