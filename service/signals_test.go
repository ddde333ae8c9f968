package service

import (
	"testing"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/stretchr/testify/assert"
)

func TestCollectSignal(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	attempt := &core.SubmissionAttempt{
		Values:    map[string]string{"_gotcha": "spam", "email": "a@b.c"},
		StartedAt: now.Add(-3 * time.Second),
	}
	signal := CollectSignal(attempt, "_gotcha", now)
	assert.Equal(t, "spam", signal.DecoyValue)
	assert.True(t, signal.HasBaseline)
	assert.Equal(t, 3*time.Second, signal.Elapsed)

	signal = CollectSignal(&core.SubmissionAttempt{}, "_gotcha", now)
	assert.Empty(t, signal.DecoyValue)
	assert.False(t, signal.HasBaseline)
}

func TestEvaluateSignals(t *testing.T) {
	minElapsed := 2 * time.Second
	tests := []struct {
		name   string
		signal core.SecuritySignal
		want   core.SignalResult
	}{
		{"clean", core.SecuritySignal{Elapsed: 5 * time.Second, HasBaseline: true}, core.SignalResult{}},
		{"decoy filled", core.SecuritySignal{DecoyValue: "x", Elapsed: 5 * time.Second, HasBaseline: true},
			core.SignalResult{Suspicious: true, Reason: core.SignalDecoyFilled}},
		{"too fast", core.SecuritySignal{Elapsed: 500 * time.Millisecond, HasBaseline: true},
			core.SignalResult{Suspicious: true, Reason: core.SignalTooFast}},
		{"one millisecond short", core.SecuritySignal{Elapsed: minElapsed - time.Millisecond, HasBaseline: true},
			core.SignalResult{Suspicious: true, Reason: core.SignalTooFast}},
		{"exactly at minimum", core.SecuritySignal{Elapsed: minElapsed, HasBaseline: true}, core.SignalResult{}},
		{"decoy wins over timing", core.SecuritySignal{DecoyValue: "x", Elapsed: time.Millisecond, HasBaseline: true},
			core.SignalResult{Suspicious: true, Reason: core.SignalDecoyFilled}},
		{"no baseline skips timing", core.SecuritySignal{Elapsed: 0}, core.SignalResult{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateSignals(tt.signal, minElapsed))
		})
	}
}
