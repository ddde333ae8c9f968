package service

import (
	"time"

	"github.com/layer-3/formguard/core"
)

// CollectSignal derives the passive signals of an attempt. Elapsed time is
// only meaningful when the attempt recorded when the form became interactive.
func CollectSignal(attempt *core.SubmissionAttempt, decoyField string, now time.Time) core.SecuritySignal {
	signal := core.SecuritySignal{
		DecoyValue: attempt.Value(decoyField),
	}
	if !attempt.StartedAt.IsZero() {
		signal.HasBaseline = true
		signal.Elapsed = now.Sub(attempt.StartedAt)
	}
	return signal
}

// EvaluateSignals flags an attempt whose decoy field was filled or which was
// submitted faster than minElapsed. The decoy check wins over timing; the
// timing check is skipped when no baseline was recorded.
func EvaluateSignals(signal core.SecuritySignal, minElapsed time.Duration) core.SignalResult {
	if signal.DecoyValue != "" {
		return core.SignalResult{Suspicious: true, Reason: core.SignalDecoyFilled}
	}
	if signal.HasBaseline && signal.Elapsed < minElapsed {
		return core.SignalResult{Suspicious: true, Reason: core.SignalTooFast}
	}
	return core.SignalResult{}
}
