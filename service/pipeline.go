package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/layer-3/formguard/ports"
	"go.uber.org/zap"
)

// User-facing messages. Operator detail goes to events and logs only.
const (
	msgGenericFailure = "We could not verify your submission. Please try again."
	msgUnavailable    = "Security verification is temporarily unavailable. Please try again in a moment."
	msgTokenFailure   = "Security verification failed. Please refresh the page and try again."
	msgBotDetected    = "Your submission could not be processed."
	msgAccepted       = "Thank you! Your submission has been received."

	// The token is spent once verification is attempted, so a retry needs a
	// fresh one.
	msgVerifyUnavailable = "Security verification is temporarily unavailable. Please refresh the page and try again in a moment."
)

// Pipeline runs signal checks, challenge execution and token verification
// for each submission and publishes events for every step.
type Pipeline struct {
	cfg       core.PipelineConfig
	bus       *eventbus.Bus
	challenge *ChallengeClient
	verifier  *TokenVerifier
	sink      ports.ContactSink
	logger    *zap.Logger
	now       func() time.Time
	seq       atomic.Uint64
}

// NewPipeline creates a new pipeline. challenge and verifier may be nil when
// the challenge stage is disabled.
func NewPipeline(
	cfg core.PipelineConfig,
	bus *eventbus.Bus,
	challenge *ChallengeClient,
	verifier *TokenVerifier,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	return &Pipeline{
		cfg:       cfg.WithDefaults(),
		bus:       bus,
		challenge: challenge,
		verifier:  verifier,
		logger:    logger,
		now:       time.Now,
	}
}

// WithContactSink hands validated contacts of accepted submissions to sink
func (p *Pipeline) WithContactSink(sink ports.ContactSink) *Pipeline {
	p.sink = sink
	return p
}

// Bus returns the pipeline's event bus
func (p *Pipeline) Bus() *eventbus.Bus {
	return p.bus
}

// Subscribe registers handler for events of type t
func (p *Pipeline) Subscribe(t core.EventType, handler eventbus.Handler) func() {
	return p.bus.Subscribe(t, handler)
}

// Begin starts a submission attempt. startedAt is when the form became
// interactive; pass the zero time if it was never recorded.
func (p *Pipeline) Begin(values map[string]string, startedAt time.Time) *core.SubmissionAttempt {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &core.SubmissionAttempt{
		ID:        uuid.New().String(),
		Seq:       p.seq.Add(1),
		Values:    copied,
		StartedAt: startedAt,
	}
}

// Submit runs the attempt through idle → signals_checked → challenge_executed
// → verified → accepted|rejected. Rejections are returned as
// *core.RejectionError. Bot-signal detections under the deceive policy
// return an accepted, suppressed result instead.
func (p *Pipeline) Submit(ctx context.Context, attempt *core.SubmissionAttempt) (*core.Result, error) {
	if attempt == nil {
		return nil, errors.New("nil submission attempt")
	}
	if !attempt.Claim() {
		return nil, core.ErrAttemptConsumed
	}
	ctx = core.WithAttempt(ctx, attempt)

	// Form values stay off submit: signals have not been checked yet.
	p.bus.Emit(core.Event{
		Type:      core.EventSubmit,
		Stage:     core.StageIdle,
		AttemptID: attempt.ID,
		Payload:   map[string]any{"seq": attempt.Seq},
	})

	if result, err, done := p.checkSignals(attempt); done {
		return result, err
	}

	var verdict *core.Verdict
	if p.cfg.EnableChallenge {
		v, err := p.verify(ctx, attempt)
		if err != nil {
			return nil, err
		}
		verdict = v
	}

	passed := core.SecurityEvent(core.KindChecksPassed, core.LevelInfo, attempt.ID)
	passed.Stage = core.StageVerified
	p.bus.Emit(passed)

	p.addContact(ctx, attempt)

	result := &core.Result{
		AttemptID: attempt.ID,
		Accepted:  true,
		Stage:     core.StageAccepted,
		Verdict:   verdict,
		Message:   msgAccepted,
	}
	payload := map[string]any{"result": resultPayload(result)}
	p.bus.Emit(core.Event{
		Type:      core.EventSuccess,
		Stage:     core.StageAccepted,
		AttemptID: attempt.ID,
		Payload:   payload,
		Fields:    p.publicFields(attempt),
	})
	return result, nil
}

// checkSignals evaluates the passive signals. done reports whether the
// attempt ended here.
func (p *Pipeline) checkSignals(attempt *core.SubmissionAttempt) (*core.Result, error, bool) {
	if !p.cfg.EnableHoneypot && !p.cfg.CheckSubmissionTime {
		return nil, nil, false
	}

	signal := CollectSignal(attempt, p.cfg.HoneypotField, p.now())
	if !p.cfg.EnableHoneypot {
		signal.DecoyValue = ""
	}
	if !p.cfg.CheckSubmissionTime {
		signal.HasBaseline = false
	}

	res := EvaluateSignals(signal, p.cfg.MinSubmissionTime)
	if !res.Suspicious {
		return nil, nil, false
	}

	kind, reason := core.KindHoneypot, core.ReasonHoneypot
	if res.Reason == core.SignalTooFast {
		kind, reason = core.KindSubmissionTime, core.ReasonSubmissionTime
	}
	detected := core.SecurityEvent(kind, core.LevelWarn, attempt.ID)
	detected.Stage = core.StageSignalsChecked
	detected.Reason = string(res.Reason)
	detected.Payload["elapsedMs"] = signal.Elapsed.Milliseconds()
	detected.Payload["policy"] = string(p.cfg.SignalPolicy)
	p.bus.Emit(detected)

	p.logger.Info("bot signal detected",
		zap.String("attempt_id", attempt.ID),
		zap.String("reason", string(res.Reason)),
		zap.String("policy", string(p.cfg.SignalPolicy)))

	if p.cfg.SignalPolicy == core.SignalPolicyDeceive {
		p.emitCheckFailed(attempt.ID, core.StageSignalsChecked, reason, core.CategorySignalDetected)
		return &core.Result{
			AttemptID:  attempt.ID,
			Accepted:   true,
			Suppressed: true,
			Stage:      core.StageRejected,
			Message:    msgAccepted,
		}, nil, true
	}

	return nil, p.reject(attempt, &core.RejectionError{
		Category: core.CategorySignalDetected,
		Stage:    core.StageSignalsChecked,
		Reason:   reason,
		Message:  msgBotDetected,
	}), true
}

// verify executes the challenge and verifies the token
func (p *Pipeline) verify(ctx context.Context, attempt *core.SubmissionAttempt) (*core.Verdict, error) {
	if p.challenge == nil || p.verifier == nil {
		warn := core.SecurityEvent(core.KindNotConfigured, core.LevelWarn, attempt.ID)
		warn.Reason = string(core.CategoryMisconfiguration)
		warn.Payload["message"] = "challenge enabled without a challenge client or verifier"
		p.bus.Emit(warn)
		return &core.Verdict{Valid: true, Skipped: true}, nil
	}

	token, err := p.challenge.Execute(ctx, p.cfg.Action)
	if err != nil {
		return nil, p.reject(attempt, challengeRejection(err))
	}

	verdict, err := p.verifier.Verify(ctx, token, p.cfg.Action, p.cfg.MinScore)
	if err != nil {
		return nil, p.reject(attempt, &core.RejectionError{
			Category:  core.CategoryVerificationUnreachable,
			Stage:     core.StageChallengeExecuted,
			Reason:    core.ReasonUnreachable,
			Message:   msgVerifyUnavailable,
			Retryable: true,
			Err:       err,
		})
	}
	if !verdict.Valid {
		return nil, p.reject(attempt, &core.RejectionError{
			Category: core.CategoryVerificationRejected,
			Stage:    core.StageVerified,
			Reason:   core.ReasonVerifyFailed,
			Message:  msgGenericFailure,
			Err:      verdictError(verdict),
		})
	}
	return &verdict, nil
}

func challengeRejection(err error) *core.RejectionError {
	rej := &core.RejectionError{
		Stage: core.StageChallengeExecuted,
		Err:   err,
	}
	switch {
	case errors.Is(err, core.ErrTokenNull):
		rej.Category = core.CategoryTokenNull
		rej.Reason = core.ReasonTokenError
		rej.Message = msgTokenFailure
	case errors.Is(err, core.ErrChallengeTimeout):
		rej.Category = core.CategoryChallengeUnavailable
		rej.Reason = core.ReasonTimeout
		rej.Message = msgUnavailable
		rej.Retryable = true
	default:
		rej.Category = core.CategoryChallengeUnavailable
		rej.Reason = core.ReasonLoadError
		rej.Message = msgUnavailable
		rej.Retryable = true
	}
	return rej
}

// VerdictError carries a rejected verdict as an error cause
type VerdictError struct {
	Verdict core.Verdict
}

func (e *VerdictError) Error() string {
	return "verification rejected: " + string(e.Verdict.ErrorKind)
}

func (e *VerdictError) Unwrap() error {
	return core.ErrVerificationRejected
}

func verdictError(v core.Verdict) error {
	return &VerdictError{Verdict: v}
}

// reject publishes security_check_failed and error events for rej. The error
// event carries the public form values unless a bot signal was detected.
func (p *Pipeline) reject(attempt *core.SubmissionAttempt, rej *core.RejectionError) error {
	attemptID := attempt.ID
	p.emitCheckFailed(attemptID, rej.Stage, rej.Reason, rej.Category)

	var fields map[string]string
	if rej.Category != core.CategorySignalDetected {
		fields = p.publicFields(attempt)
	}

	p.logger.Info("submission rejected",
		zap.String("attempt_id", attemptID),
		zap.String("stage", string(rej.Stage)),
		zap.String("reason", rej.Reason),
		zap.Error(rej.Err))

	p.bus.Emit(core.Event{
		Type:      core.EventError,
		Stage:     core.StageRejected,
		Level:     core.LevelError,
		AttemptID: attemptID,
		Reason:    rej.Reason,
		Payload: map[string]any{
			"message":   rej.Message,
			"category":  string(rej.Category),
			"retryable": rej.Retryable,
		},
		Fields: fields,
	})
	return rej
}

func (p *Pipeline) emitCheckFailed(attemptID string, stage core.Stage, reason string, category core.Category) {
	event := core.SecurityEvent(core.KindCheckFailed, core.LevelWarn, attemptID)
	event.Stage = stage
	event.Reason = reason
	event.Payload["reason"] = reason
	event.Payload["stage"] = string(stage)
	event.Payload["category"] = string(category)
	p.bus.Emit(event)
}

// publicFields drops the decoy and token fields from the submitted values
func (p *Pipeline) publicFields(attempt *core.SubmissionAttempt) map[string]string {
	out := make(map[string]string, len(attempt.Values))
	for k, v := range attempt.Values {
		if k == p.cfg.HoneypotField || k == p.cfg.TokenField {
			continue
		}
		out[k] = v
	}
	return out
}

func (p *Pipeline) addContact(ctx context.Context, attempt *core.SubmissionAttempt) {
	if p.sink == nil {
		return
	}
	email := attempt.Value("email")
	if email == "" {
		return
	}
	contact := core.Contact{
		Email:     email,
		FirstName: attempt.Value("firstName"),
		LastName:  attempt.Value("lastName"),
	}
	if err := p.sink.AddContact(ctx, contact); err != nil {
		p.logger.Warn("contact sink failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
}

func resultPayload(r *core.Result) map[string]any {
	out := map[string]any{
		"attemptId": r.AttemptID,
		"accepted":  r.Accepted,
	}
	if r.Verdict != nil && r.Verdict.Score != nil {
		out["score"] = *r.Verdict.Score
	}
	return out
}
