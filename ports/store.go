package ports

import (
	"context"
	"time"

	"github.com/layer-3/formguard/core"
)

// RateLimitStore keeps per-client sliding windows of request timestamps.
// Allow must prune, count and append atomically for a single key.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit core.RateLimit, now time.Time) (core.RateDecision, error)
}

// TokenLedger records consumed challenge tokens
type TokenLedger interface {
	// Consume marks tokenID as used. It returns false if it was already used.
	Consume(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
}
