package core

import "time"

// SignalPolicy decides how bot-signal detections are answered
type SignalPolicy string

const (
	// SignalPolicyDeceive answers bot detections with an innocuous success
	SignalPolicyDeceive SignalPolicy = "deceive"
	// SignalPolicyReject surfaces bot detections as errors
	SignalPolicyReject SignalPolicy = "reject"
)

const (
	DefaultMinSubmissionTime = 2000 * time.Millisecond
	DefaultChallengeTimeout  = 10 * time.Second
	DefaultHoneypotField     = "_gotcha"
	DefaultTokenField        = "g-recaptcha-response"
	DefaultAction            = "submit"
)

// PipelineConfig is the configuration surface consumed by the pipeline
type PipelineConfig struct {
	EnableHoneypot      bool
	HoneypotField       string
	CheckSubmissionTime bool
	MinSubmissionTime   time.Duration
	SignalPolicy        SignalPolicy

	EnableChallenge  bool
	PublicSiteKey    string
	Action           string
	MinScore         float64
	ChallengeTimeout time.Duration
	TokenField       string

	RelayEndpoint  string
	DirectSecret   string
	TrustedContext bool
}

// WithDefaults fills unset values
func (c PipelineConfig) WithDefaults() PipelineConfig {
	if c.HoneypotField == "" {
		c.HoneypotField = DefaultHoneypotField
	}
	if c.MinSubmissionTime <= 0 {
		c.MinSubmissionTime = DefaultMinSubmissionTime
	}
	if c.SignalPolicy == "" {
		c.SignalPolicy = SignalPolicyDeceive
	}
	if c.Action == "" {
		c.Action = DefaultAction
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = DefaultChallengeTimeout
	}
	if c.TokenField == "" {
		c.TokenField = DefaultTokenField
	}
	return c
}

// ActionPolicy is an allow-listed action with its own score threshold
type ActionPolicy struct {
	Name     string
	MinScore float64
}

// RetryPolicy is a bounded linear retry: fixed attempts, fixed delay
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// WebhookTarget is an externally configured webhook destination.
// A nil Fields slice forwards every field; otherwise only the listed ones.
type WebhookTarget struct {
	Name    string
	URL     string
	Events  []EventType
	Fields  []string
	Headers map[string]string
	Retry   RetryPolicy
}

// Subscribed reports whether the target wants events of type t
func (t WebhookTarget) Subscribed(et EventType) bool {
	for _, e := range t.Events {
		if e == et {
			return true
		}
	}
	return false
}

// Filter applies the field policy to form data
func (t WebhookTarget) Filter(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	if t.Fields == nil {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for _, f := range t.Fields {
		if v, ok := data[f]; ok {
			out[f] = v
		}
	}
	return out
}
