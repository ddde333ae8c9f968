package service

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/layer-3/formguard/service"

// ProxyRequest is a verification request received by the relay endpoint
type ProxyRequest struct {
	ClientID string
	Token    string
	Action   string
}

// ProxyResponse is what the relay endpoint returns to the caller
type ProxyResponse struct {
	Verdict  core.Verdict
	Response core.SiteVerifyResponse
	Decision core.RateDecision
}

// VerificationProxy forwards tokens to the verification service with the
// server-held secret, after rate limiting and action allow-list checks.
type VerificationProxy struct {
	upstream ports.SiteVerifier
	limiter  ports.RateLimitStore
	limit    core.RateLimit
	actions  map[string]core.ActionPolicy
	minScore float64
	logger   *zap.Logger
	now      func() time.Time

	requests metric.Int64Counter
}

// NewVerificationProxy creates a new proxy. The rate limit store is owned by
// the caller so tests and multi-process deployments can supply their own.
func NewVerificationProxy(
	upstream ports.SiteVerifier,
	limiter ports.RateLimitStore,
	limit core.RateLimit,
	actions []core.ActionPolicy,
	minScore float64,
	logger *zap.Logger,
) *VerificationProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minScore <= 0 {
		minScore = core.DefaultMinScore
	}
	allowed := make(map[string]core.ActionPolicy, len(actions))
	for _, a := range actions {
		allowed[a.Name] = a
	}

	p := &VerificationProxy{
		upstream: upstream,
		limiter:  limiter,
		limit:    limit,
		actions:  allowed,
		minScore: minScore,
		logger:   logger,
		now:      time.Now,
	}
	return p.WithMeterProvider(otel.GetMeterProvider())
}

// WithMeterProvider records request counters through mp
func (p *VerificationProxy) WithMeterProvider(mp metric.MeterProvider) *VerificationProxy {
	requests, err := mp.Meter(meterName).Int64Counter("formguard.proxy.requests",
		metric.WithDescription("Verification proxy requests by outcome"),
		metric.WithUnit("{request}"))
	if err != nil {
		p.logger.Warn("failed to create proxy counter", zap.Error(err))
	}
	p.requests = requests
	return p
}

// threshold returns the score threshold for action, and whether the action
// is allowed. An empty allow-list allows every action at the default threshold.
func (p *VerificationProxy) threshold(action string) (float64, bool) {
	if len(p.actions) == 0 {
		return p.minScore, true
	}
	policy, ok := p.actions[action]
	if !ok {
		return 0, false
	}
	if policy.MinScore <= 0 {
		return p.minScore, true
	}
	return policy.MinScore, true
}

// Verify runs received → rate_limit_check → destination_allow_check →
// upstream_call → respond. Rejections before the upstream call return a
// sentinel error and never contact the verification service.
func (p *VerificationProxy) Verify(ctx context.Context, req ProxyRequest) (ProxyResponse, error) {
	if req.Token == "" {
		p.count(ctx, "missing_token")
		return ProxyResponse{}, core.ErrMissingToken
	}

	decision, err := p.limiter.Allow(ctx, "verify:"+req.ClientID, p.limit, p.now())
	if err != nil {
		p.logger.Error("rate limit store failed", zap.String("client", req.ClientID), zap.Error(err))
		p.count(ctx, "store_error")
		return ProxyResponse{}, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}
	if !decision.Allowed {
		p.logger.Info("verification rate limited",
			zap.String("client", req.ClientID),
			zap.Int("count", decision.Count))
		p.count(ctx, "rate_limited")
		return ProxyResponse{Decision: decision}, core.ErrRateLimited
	}

	minScore, ok := p.threshold(req.Action)
	if !ok {
		p.logger.Info("verification action not allowed",
			zap.String("client", req.ClientID),
			zap.String("action", req.Action))
		p.count(ctx, "action_not_allowed")
		return ProxyResponse{Decision: decision}, core.ErrActionNotAllowed
	}

	resp, err := p.upstream.SiteVerify(ctx, req.Token, req.ClientID)
	if err != nil {
		// Full detail stays in operator logs
		p.logger.Error("upstream verification failed",
			zap.String("client", req.ClientID),
			zap.String("action", req.Action),
			zap.Error(err))
		p.count(ctx, "upstream_error")
		return ProxyResponse{Decision: decision}, core.ErrVerificationUnreachable
	}

	verdict := core.Evaluate(resp, req.Action, minScore)
	if verdict.Valid {
		p.count(ctx, "accepted")
	} else {
		p.logger.Info("verification rejected",
			zap.String("client", req.ClientID),
			zap.String("action", req.Action),
			zap.String("error_kind", string(verdict.ErrorKind)),
			zap.Strings("error_codes", resp.ErrorCodes))
		p.count(ctx, "rejected")
	}

	return ProxyResponse{Verdict: verdict, Response: resp, Decision: decision}, nil
}

func (p *VerificationProxy) count(ctx context.Context, outcome string) {
	if p.requests == nil {
		return
	}
	p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
