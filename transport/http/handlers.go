package http

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/service"
	"go.uber.org/zap"
)

// StartedAtField carries the unix-millisecond time the form became interactive
const StartedAtField = "_startedAt"

// Handlers contains HTTP handlers for the proxy endpoints
type Handlers struct {
	proxy    *service.VerificationProxy
	relay    *service.WebhookRelay
	pipeline *service.Pipeline
	logger   *zap.Logger
}

// NewHandlers creates new handlers
func NewHandlers(proxy *service.VerificationProxy, relay *service.WebhookRelay, pipeline *service.Pipeline, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		proxy:    proxy,
		relay:    relay,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Verify handles the relay verification request
func (h *Handlers) Verify(c *gin.Context) {
	var req struct {
		Token  string `json:"token"`
		Action string `json:"action"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	resp, err := h.proxy.Verify(c.Request.Context(), service.ProxyRequest{
		ClientID: c.ClientIP(),
		Token:    req.Token,
		Action:   req.Action,
	})
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Verification failed"

		// Map specific errors to appropriate status codes
		switch {
		case errors.Is(err, core.ErrMissingToken):
			statusCode = http.StatusBadRequest
			errorMsg = "Missing token"
		case errors.Is(err, core.ErrRateLimited):
			setRetryAfter(c, resp.Decision.RetryAfter)
			statusCode = http.StatusTooManyRequests
			errorMsg = "Too many requests"
		case errors.Is(err, core.ErrActionNotAllowed):
			statusCode = http.StatusForbidden
			errorMsg = "Action not allowed"
		case errors.Is(err, core.ErrVerificationUnreachable):
			statusCode = http.StatusBadGateway
		}

		c.JSON(statusCode, gin.H{"success": false, "error": errorMsg})
		return
	}

	out := core.SiteVerifyResponse{
		Success:     resp.Verdict.Valid,
		Score:       resp.Verdict.Score,
		Action:      resp.Verdict.Action,
		Hostname:    resp.Response.Hostname,
		ChallengeTS: resp.Response.ChallengeTS,
		ErrorCodes:  resp.Verdict.ErrorCodes,
	}
	if !resp.Verdict.Valid && len(out.ErrorCodes) == 0 {
		out.ErrorCodes = []string{string(resp.Verdict.ErrorKind)}
	}
	c.JSON(http.StatusOK, out)
}

// Webhook handles the webhook relay request
func (h *Handlers) Webhook(c *gin.Context) {
	var req struct {
		Destination string            `json:"destination" binding:"required"`
		Payload     json.RawMessage   `json:"payload" binding:"required"`
		Headers     map[string]string `json:"headers"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	resp, err := h.relay.Relay(c.Request.Context(), service.RelayRequest{
		ClientID:    c.ClientIP(),
		Destination: req.Destination,
		Payload:     req.Payload,
		Headers:     req.Headers,
	})
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Webhook delivery failed"

		switch {
		case errors.Is(err, core.ErrRateLimited):
			setRetryAfter(c, resp.RetryAfter)
			statusCode = http.StatusTooManyRequests
			errorMsg = "Too many requests"
		case errors.Is(err, core.ErrDestinationNotAllowed):
			statusCode = http.StatusForbidden
			errorMsg = "Destination not allowed"
		case errors.Is(err, core.ErrDestinationUnreachable):
			statusCode = http.StatusBadGateway
		}

		c.JSON(statusCode, gin.H{"success": false, "error": errorMsg})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Submit runs a form submission through the pipeline. The body is either a
// JSON object of strings or an urlencoded form.
func (h *Handlers) Submit(c *gin.Context) {
	values, err := formValues(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	var startedAt time.Time
	if raw, ok := values[StartedAtField]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			startedAt = time.UnixMilli(ms)
		}
		delete(values, StartedAtField)
	}

	attempt := h.pipeline.Begin(values, startedAt)
	attempt.RemoteIP = c.ClientIP()

	result, err := h.pipeline.Submit(c.Request.Context(), attempt)
	if err != nil {
		rej, ok := core.AsRejection(err)
		if !ok {
			h.logger.Error("submission failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Submission failed"})
			return
		}

		statusCode := http.StatusBadRequest
		if rej.Retryable {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, gin.H{
			"success":   false,
			"attemptId": attempt.ID,
			"error":     rej.UserMessage(),
			"retryable": rej.Retryable,
		})
		return
	}

	// Suppressed results look exactly like accepted ones
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"attemptId": result.AttemptID,
		"message":   result.Message,
	})
}

func formValues(c *gin.Context) (map[string]string, error) {
	if c.ContentType() == gin.MIMEJSON {
		var values map[string]string
		if err := c.ShouldBindJSON(&values); err != nil {
			return nil, err
		}
		if values == nil {
			values = map[string]string{}
		}
		return values, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	return values, nil
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}
