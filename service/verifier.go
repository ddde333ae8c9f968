package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/layer-3/formguard/ports"
	"go.uber.org/zap"
)

// StrategyKind names the verification strategy in use
type StrategyKind string

const (
	StrategyRelay  StrategyKind = "relay"
	StrategyDirect StrategyKind = "direct"
	StrategyNone   StrategyKind = "none"
)

// tokenLedgerTTL covers the lifetime of provider tokens with margin
const tokenLedgerTTL = 10 * time.Minute

// Strategy performs the verification call of one trust boundary
type Strategy interface {
	Kind() StrategyKind
}

// RelayStrategy posts tokens to a server-side relay endpoint
type RelayStrategy struct {
	Endpoint string
	Client   *http.Client
}

func (RelayStrategy) Kind() StrategyKind { return StrategyRelay }

// DirectStrategy calls the verification service with a local secret.
// Trusted must be true only when running in a server context.
type DirectStrategy struct {
	Verifier ports.SiteVerifier
	Trusted  bool
}

func (DirectStrategy) Kind() StrategyKind { return StrategyDirect }

// NoStrategy means no verifier is configured
type NoStrategy struct{}

func (NoStrategy) Kind() StrategyKind { return StrategyNone }

// ErrNoSiteVerifier is returned by SelectStrategy when a direct secret is set
// but no verifier was supplied to use it.
var ErrNoSiteVerifier = errors.New("direct secret configured without a site verifier")

// SelectStrategy picks the strategy once from configuration: a relay endpoint
// takes priority over a direct secret; with neither, verification is skipped.
func SelectStrategy(cfg core.PipelineConfig, httpClient *http.Client, direct ports.SiteVerifier) (Strategy, error) {
	switch {
	case cfg.RelayEndpoint != "":
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 10 * time.Second}
		}
		return RelayStrategy{Endpoint: cfg.RelayEndpoint, Client: httpClient}, nil
	case cfg.DirectSecret != "":
		if direct == nil {
			return nil, ErrNoSiteVerifier
		}
		return DirectStrategy{Verifier: direct, Trusted: cfg.TrustedContext}, nil
	default:
		return NoStrategy{}, nil
	}
}

// TokenVerifier verifies challenge tokens and normalizes the result
type TokenVerifier struct {
	strategy Strategy
	ledger   ports.TokenLedger
	bus      *eventbus.Bus
	logger   *zap.Logger
}

// NewTokenVerifier creates a verifier for strategy. ledger guards against
// token reuse and may be nil only in tests that do not exercise reuse.
func NewTokenVerifier(strategy Strategy, ledger ports.TokenLedger, bus *eventbus.Bus, logger *zap.Logger) *TokenVerifier {
	if strategy == nil {
		strategy = NoStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenVerifier{
		strategy: strategy,
		ledger:   ledger,
		bus:      bus,
		logger:   logger,
	}
}

// Strategy returns the selected strategy
func (v *TokenVerifier) Strategy() Strategy {
	return v.strategy
}

// Verify checks token against expectedAction and minScore. A non-nil error
// means the verification service could not be reached; a rejected token is
// reported through the verdict.
func (v *TokenVerifier) Verify(ctx context.Context, token core.ChallengeToken, expectedAction string, minScore float64) (core.Verdict, error) {
	attemptID := ""
	if attempt, ok := core.AttemptFromContext(ctx); ok {
		attemptID = attempt.ID
	}
	if minScore <= 0 {
		minScore = core.DefaultMinScore
	}

	if _, ok := v.strategy.(NoStrategy); ok {
		event := core.SecurityEvent(core.KindNotConfigured, core.LevelWarn, attemptID)
		event.Reason = string(core.CategoryMisconfiguration)
		event.Payload["message"] = "no relay endpoint or secret configured; token accepted without verification"
		v.emit(event)
		v.logger.Warn("challenge token accepted without verification", zap.String("attempt_id", attemptID))
		return core.Verdict{Valid: true, Skipped: true, Action: expectedAction}, nil
	}

	if v.ledger != nil {
		first, err := v.ledger.Consume(ctx, fingerprint(token.Value), tokenLedgerTTL)
		if err != nil {
			v.logger.Error("token ledger unavailable", zap.Error(err))
			return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrVerificationUnreachable, err)
		}
		if !first {
			verdict := core.Reject(core.ErrorKindTokenReused, nil, "")
			v.verifyFailed(attemptID, verdict)
			return verdict, nil
		}
	}

	var (
		resp core.SiteVerifyResponse
		err  error
	)
	switch s := v.strategy.(type) {
	case RelayStrategy:
		resp, err = v.relay(ctx, s, token, expectedAction)
	case DirectStrategy:
		if !s.Trusted {
			event := core.SecurityEvent(core.KindSecretExposed, core.LevelWarn, attemptID)
			event.Payload["message"] = "verification secret used outside a trusted server context"
			v.emit(event)
			v.logger.Warn("verification secret used outside a trusted context", zap.String("attempt_id", attemptID))
		}
		remoteIP := ""
		if attempt, ok := core.AttemptFromContext(ctx); ok {
			remoteIP = attempt.RemoteIP
		}
		resp, err = s.Verifier.SiteVerify(ctx, token.Value, remoteIP)
	default:
		return core.Verdict{}, fmt.Errorf("unknown verification strategy %T", v.strategy)
	}

	if err != nil {
		var rl *relayRateLimited
		if errors.As(err, &rl) {
			verdict := core.Reject(core.ErrorKindRateLimited, nil, "")
			v.verifyFailed(attemptID, verdict)
			return verdict, nil
		}
		v.logger.Warn("verification unreachable",
			zap.String("strategy", string(v.strategy.Kind())),
			zap.String("attempt_id", attemptID),
			zap.Error(err))
		event := core.SecurityEvent(core.KindRecaptchaVerifyFailed, core.LevelError, attemptID)
		event.Reason = string(core.ErrorKindUnreachable)
		v.emit(event)
		if errors.Is(err, core.ErrVerificationUnreachable) {
			return core.Verdict{}, err
		}
		return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrVerificationUnreachable, err)
	}

	verdict := core.Evaluate(resp, expectedAction, minScore)
	if !verdict.Valid {
		v.verifyFailed(attemptID, verdict)
		return verdict, nil
	}

	event := core.SecurityEvent(core.KindRecaptchaSuccess, core.LevelInfo, attemptID)
	event.Stage = core.StageVerified
	event.Payload["strategy"] = string(v.strategy.Kind())
	event.Payload["action"] = verdict.Action
	if verdict.Score != nil {
		event.Payload["score"] = *verdict.Score
	}
	v.emit(event)
	return verdict, nil
}

type relayRequest struct {
	Token  string `json:"token"`
	Action string `json:"action"`
}

type relayRateLimited struct{}

func (e *relayRateLimited) Error() string {
	return "relay rate limit exceeded"
}

func (v *TokenVerifier) relay(ctx context.Context, s RelayStrategy, token core.ChallengeToken, action string) (core.SiteVerifyResponse, error) {
	body, err := json.Marshal(relayRequest{Token: token.Value, Action: action})
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("failed to encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: %v", core.ErrVerificationUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: %v", core.ErrVerificationUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.SiteVerifyResponse{}, &relayRateLimited{}
	case resp.StatusCode >= 500:
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: relay returned status %d", core.ErrVerificationUnreachable, resp.StatusCode)
	}

	var out core.SiteVerifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 400 {
			return core.SiteVerifyResponse{ErrorCodes: []string{fmt.Sprintf("relay-status-%d", resp.StatusCode)}}, nil
		}
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: malformed relay response", core.ErrVerificationUnreachable)
	}
	if resp.StatusCode >= 400 {
		// Non-2xx always means rejection, whatever the body claims
		out.Success = false
	}
	return out, nil
}

func (v *TokenVerifier) verifyFailed(attemptID string, verdict core.Verdict) {
	event := core.SecurityEvent(core.KindRecaptchaVerifyFailed, core.LevelWarn, attemptID)
	event.Stage = core.StageVerified
	event.Reason = string(verdict.ErrorKind)
	event.Payload["errorKind"] = string(verdict.ErrorKind)
	if verdict.Score != nil {
		event.Payload["score"] = *verdict.Score
	}
	if len(verdict.ErrorCodes) > 0 {
		event.Payload["errorCodes"] = verdict.ErrorCodes
	}
	v.emit(event)
}

func (v *TokenVerifier) emit(event core.Event) {
	if v.bus != nil {
		v.bus.Emit(event)
	}
}

// fingerprint keys the ledger without storing raw tokens
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
