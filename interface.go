// Package formguard screens public form submissions for automated abuse.
//
// A submission runs through honeypot and timing checks, an invisible
// challenge and server-side token verification before the caller processes
// its values. Lifecycle events are delivered to subscribers and webhooks.
package formguard

import (
	"context"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/layer-3/formguard/service"
)

// Client represents the public interface of the submission pipeline
type Client interface {
	// Begin starts an attempt for the submitted values. startedAt is when the
	// form became interactive, or the zero time if it was never recorded.
	Begin(values map[string]string, startedAt time.Time) *core.SubmissionAttempt

	// Submit runs the attempt to a single verdict. Rejections are returned as
	// *core.RejectionError.
	Submit(ctx context.Context, attempt *core.SubmissionAttempt) (*core.Result, error)

	// Subscribe registers handler for events of type t and returns a function
	// that removes it
	Subscribe(t core.EventType, handler eventbus.Handler) func()
}

var _ Client = (*service.Pipeline)(nil)

// Verifier checks a challenge token against an action and score threshold
type Verifier interface {
	Verify(ctx context.Context, token core.ChallengeToken, expectedAction string, minScore float64) (core.Verdict, error)
}

var _ Verifier = (*service.TokenVerifier)(nil)
