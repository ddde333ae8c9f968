package core

import (
	"context"
	"sync/atomic"
	"time"
)

// SubmissionAttempt is one form submission moving through the pipeline
type SubmissionAttempt struct {
	ID        string            // Unique identifier for the attempt
	Seq       uint64            // Monotonic sequence within the pipeline
	Values    map[string]string // Submitted field values
	StartedAt time.Time         // When the form became interactive; zero if never recorded
	RemoteIP  string            // Client address, when known

	claimed atomic.Bool
}

// Claim marks the attempt as entering verification. Only the first call
// returns true, so an attempt yields at most one verdict.
func (a *SubmissionAttempt) Claim() bool {
	return a.claimed.CompareAndSwap(false, true)
}

// Value returns a submitted field value
func (a *SubmissionAttempt) Value(field string) string {
	if a == nil || a.Values == nil {
		return ""
	}
	return a.Values[field]
}

// SecuritySignal holds the passive anti-bot signals derived from an attempt
type SecuritySignal struct {
	DecoyValue  string
	Elapsed     time.Duration
	HasBaseline bool
}

// SignalReason names why an attempt was flagged
type SignalReason string

const (
	SignalNone        SignalReason = ""
	SignalDecoyFilled SignalReason = "decoy_filled"
	SignalTooFast     SignalReason = "too_fast"
)

// SignalResult is the outcome of evaluating passive signals
type SignalResult struct {
	Suspicious bool
	Reason     SignalReason
}

// ChallengeToken is an opaque single-use proof of interaction
type ChallengeToken struct {
	Value   string
	Action  string
	SiteKey string
}

// Stage identifies a pipeline state
type Stage string

const (
	StageIdle              Stage = "idle"
	StageSignalsChecked    Stage = "signals_checked"
	StageChallengeExecuted Stage = "challenge_executed"
	StageVerified          Stage = "verified"
	StageAccepted          Stage = "accepted"
	StageRejected          Stage = "rejected"
)

// Result is returned to the caller for an accepted submission.
// Suppressed is set when a bot signal was detected and the caller is
// expected to answer with an innocuous success without processing the values.
type Result struct {
	AttemptID  string
	Accepted   bool
	Suppressed bool
	Stage      Stage
	Verdict    *Verdict
	Message    string
}

// Contact is the validated record handed to the audience sink
type Contact struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type attemptKey struct{}

// WithAttempt stores the attempt in ctx so adapters can read submitted values.
func WithAttempt(ctx context.Context, attempt *SubmissionAttempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt stored by WithAttempt.
func AttemptFromContext(ctx context.Context) (*SubmissionAttempt, bool) {
	attempt, ok := ctx.Value(attemptKey{}).(*SubmissionAttempt)
	return attempt, ok && attempt != nil
}
