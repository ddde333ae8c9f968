package core

import "time"

// ErrorKind distinguishes why a verification was rejected
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindFailed         ErrorKind = "failed"
	ErrorKindActionMismatch ErrorKind = "action_mismatch"
	ErrorKindLowScore       ErrorKind = "low_score"
	ErrorKindTokenReused    ErrorKind = "token_reused"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnreachable    ErrorKind = "unreachable"
)

// DefaultMinScore is used when no threshold is configured
const DefaultMinScore = 0.5

// Verdict is the normalized result of a verification call
type Verdict struct {
	Valid      bool      `json:"valid"`
	Score      *float64  `json:"score,omitempty"`
	Action     string    `json:"action,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	ErrorCodes []string  `json:"errorCodes,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
}

// Accept builds a valid verdict
func Accept(score *float64, action string) Verdict {
	return Verdict{Valid: true, Score: score, Action: action}
}

// Reject builds a rejection verdict
func Reject(kind ErrorKind, score *float64, action string, codes ...string) Verdict {
	return Verdict{Valid: false, Score: score, Action: action, ErrorKind: kind, ErrorCodes: codes}
}

// SiteVerifyResponse is the wire shape of the external verification service
// and of the relay verification endpoint.
type SiteVerifyResponse struct {
	Success     bool      `json:"success"`
	Score       *float64  `json:"score,omitempty"`
	Action      string    `json:"action,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	ChallengeTS time.Time `json:"challenge_ts,omitempty"`
	ErrorCodes  []string  `json:"error-codes,omitempty"`
}

// Evaluate applies the shared acceptance rules to a verification response:
// the service must report success, the action must match and the score must
// reach minScore. Providers that do not score (checkbox challenges) report no
// score and pass the threshold.
func Evaluate(resp SiteVerifyResponse, expectedAction string, minScore float64) Verdict {
	if !resp.Success {
		return Reject(ErrorKindFailed, resp.Score, resp.Action, resp.ErrorCodes...)
	}
	if expectedAction != "" && resp.Action != expectedAction {
		return Reject(ErrorKindActionMismatch, resp.Score, resp.Action)
	}
	if resp.Score != nil && *resp.Score < minScore {
		return Reject(ErrorKindLowScore, resp.Score, resp.Action)
	}
	return Accept(resp.Score, resp.Action)
}

// Score is a helper for building optional scores
func Score(v float64) *float64 {
	return &v
}

// RateLimit configures a sliding window
type RateLimit struct {
	Max    int
	Window time.Duration
}

// RateDecision is the outcome of a single admission check
type RateDecision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
}
