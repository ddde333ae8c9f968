package challenge

import "github.com/golang-jwt/jwt/v5"

// ChallengeClaims combines standard claims with challenge-specific ones.
// The audience is the public site key the token is bound to.
type ChallengeClaims struct {
	jwt.RegisteredClaims
	Action string  `json:"action"`
	Score  float64 `json:"score"`
}
