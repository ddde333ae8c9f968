package core

import (
	"errors"
	"fmt"
)

var (
	ErrChallengeUnavailable    = errors.New("challenge script unavailable")
	ErrChallengeTimeout        = errors.New("challenge execution timed out")
	ErrTokenNull               = errors.New("challenge returned an empty token")
	ErrTokenReused             = errors.New("challenge token already consumed")
	ErrVerificationRejected    = errors.New("verification rejected")
	ErrVerificationUnreachable = errors.New("verification service unreachable")
	ErrNotConfigured           = errors.New("no verifier configured")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrActionNotAllowed        = errors.New("action not allowed")
	ErrMissingToken            = errors.New("missing token")
	ErrDestinationNotAllowed   = errors.New("destination not allowed")
	ErrDestinationUnreachable  = errors.New("destination unreachable")
	ErrAttemptConsumed         = errors.New("submission attempt already verified")
	ErrStoreOperationFailed    = errors.New("store operation failed")
)

// Category groups rejection causes by how the caller should treat them.
type Category string

const (
	CategorySignalDetected          Category = "signal_detected"
	CategoryChallengeUnavailable    Category = "challenge_unavailable"
	CategoryTokenNull               Category = "token_null"
	CategoryVerificationRejected    Category = "verification_rejected"
	CategoryVerificationUnreachable Category = "verification_unreachable"
	CategoryMisconfiguration        Category = "misconfiguration"
)

// RejectionError is returned by the pipeline whenever a submission is refused.
// Message is safe to show to the end user; Err carries the operator detail.
type RejectionError struct {
	Category  Category
	Stage     Stage
	Reason    string
	Message   string
	Retryable bool
	Err       error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submission rejected at %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("submission rejected at %s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// UserMessage returns the human-readable message for the end user.
func (e *RejectionError) UserMessage() string {
	return e.Message
}

// AsRejection extracts a RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
