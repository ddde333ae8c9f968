package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/ports"
	"go.uber.org/zap"
)

// maxRelayResponse caps the destination response echoed back to the caller
const maxRelayResponse = 4 << 10

// RelayRequest asks the relay to deliver payload to destination
type RelayRequest struct {
	ClientID    string
	Destination string
	Payload     json.RawMessage
	Headers     map[string]string
}

// RelayResponse reports the outbound call's result
type RelayResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Response   string `json:"response"`

	RetryAfter time.Duration `json:"-"`
}

// WebhookRelay performs outbound webhook calls on behalf of untrusted clients.
// Destination-specific secrets are configured server-side per host and merged
// into the outbound headers; they are never sent to or accepted from clients.
type WebhookRelay struct {
	client  *http.Client
	limiter ports.RateLimitStore
	limit   core.RateLimit
	hosts   map[string]map[string]string
	logger  *zap.Logger
	now     func() time.Time
}

// NewWebhookRelay creates a relay allowing the given destination hosts.
// hosts maps a hostname to headers injected on every call to it.
func NewWebhookRelay(client *http.Client, limiter ports.RateLimitStore, limit core.RateLimit, hosts map[string]map[string]string, logger *zap.Logger) *WebhookRelay {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]map[string]string, len(hosts))
	for h, headers := range hosts {
		normalized[strings.ToLower(h)] = headers
	}
	return &WebhookRelay{
		client:  client,
		limiter: limiter,
		limit:   limit,
		hosts:   normalized,
		logger:  logger,
		now:     time.Now,
	}
}

// Relay delivers the payload after rate limiting and destination checks
func (r *WebhookRelay) Relay(ctx context.Context, req RelayRequest) (RelayResponse, error) {
	decision, err := r.limiter.Allow(ctx, "webhook:"+req.ClientID, r.limit, r.now())
	if err != nil {
		r.logger.Error("rate limit store failed", zap.Error(err))
		return RelayResponse{}, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	if !decision.Allowed {
		return RelayResponse{RetryAfter: decision.RetryAfter}, core.ErrRateLimited
	}

	dest, err := url.Parse(req.Destination)
	if err != nil || (dest.Scheme != "https" && dest.Scheme != "http") || dest.Host == "" {
		return RelayResponse{}, core.ErrDestinationNotAllowed
	}
	serverHeaders, ok := r.hosts[strings.ToLower(dest.Hostname())]
	if !ok {
		r.logger.Info("webhook destination not allowed",
			zap.String("client", req.ClientID),
			zap.String("host", dest.Hostname()))
		return RelayResponse{}, core.ErrDestinationNotAllowed
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(req.Payload))
	if err != nil {
		return RelayResponse{}, fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range serverHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.logger.Warn("webhook delivery failed",
			zap.String("host", dest.Hostname()),
			zap.Error(err))
		return RelayResponse{}, core.ErrDestinationUnreachable
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponse))

	return RelayResponse{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Response:   string(body),
	}, nil
}
