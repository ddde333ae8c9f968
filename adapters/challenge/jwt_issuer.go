package challenge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/ports"
)

// Error codes reported by SiteVerify, matching the external service's vocabulary
const (
	CodeMissingInputResponse = "missing-input-response"
	CodeInvalidInputResponse = "invalid-input-response"
	CodeTimeoutOrDuplicate   = "timeout-or-duplicate"
)

// DefaultTokenTTL bounds how long an issued token stays verifiable
const DefaultTokenTTL = 2 * time.Minute

// JWTIssuer is a self-hosted challenge provider. It issues ES256 tokens bound
// to a site key and action, and verifies them exactly once.
type JWTIssuer struct {
	signKey  *ecdsa.PrivateKey
	siteKey  string
	hostname string
	score    float64
	ttl      time.Duration
	ledger   ports.TokenLedger
	now      func() time.Time
}

// NewJWTIssuer creates a new issuer. Consumed token IDs are recorded in ledger.
func NewJWTIssuer(signKey *ecdsa.PrivateKey, siteKey, hostname string, ledger ports.TokenLedger) *JWTIssuer {
	return &JWTIssuer{
		signKey:  signKey,
		siteKey:  siteKey,
		hostname: hostname,
		score:    0.9,
		ttl:      DefaultTokenTTL,
		ledger:   ledger,
		now:      time.Now,
	}
}

// WithScore sets the score attached to issued tokens
func (j *JWTIssuer) WithScore(score float64) *JWTIssuer {
	j.score = score
	return j
}

// Load is a no-op; the signing key is already in memory
func (j *JWTIssuer) Load(ctx context.Context) error {
	return nil
}

// Render returns a widget handle bound to siteKey
func (j *JWTIssuer) Render(ctx context.Context, siteKey string) (string, error) {
	if siteKey != j.siteKey {
		return "", fmt.Errorf("site key %q is not served by this issuer", siteKey)
	}
	return "jwt:" + uuid.New().String(), nil
}

// Execute issues a token for action
func (j *JWTIssuer) Execute(ctx context.Context, widgetID, action string) (string, error) {
	now := j.now()
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.hostname,
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{j.siteKey},
		},
		Action: action,
		Score:  j.score,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge token: %w", err)
	}

	return signedToken, nil
}

// SiteVerify validates a token issued by this provider and consumes it
func (j *JWTIssuer) SiteVerify(ctx context.Context, tokenStr, remoteIP string) (core.SiteVerifyResponse, error) {
	if tokenStr == "" {
		return core.SiteVerifyResponse{ErrorCodes: []string{CodeMissingInputResponse}}, nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, &ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(j.siteKey), jwt.WithTimeFunc(j.now))

	if err != nil {
		code := CodeInvalidInputResponse
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = CodeTimeoutOrDuplicate
		}
		return core.SiteVerifyResponse{ErrorCodes: []string{code}}, nil
	}

	claims, ok := token.Claims.(*ChallengeClaims)
	if !ok || !token.Valid {
		return core.SiteVerifyResponse{ErrorCodes: []string{CodeInvalidInputResponse}}, nil
	}

	first, err := j.ledger.Consume(ctx, claims.ID, claims.ExpiresAt.Time.Sub(j.now())+time.Minute)
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("failed to record token: %w", err)
	}
	if !first {
		return core.SiteVerifyResponse{ErrorCodes: []string{CodeTimeoutOrDuplicate}}, nil
	}

	return core.SiteVerifyResponse{
		Success:     true,
		Score:       core.Score(claims.Score),
		Action:      claims.Action,
		Hostname:    claims.Issuer,
		ChallengeTS: claims.IssuedAt.Time,
	}, nil
}
