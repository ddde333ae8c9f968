package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/layer-3/formguard/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Listen == "" {
		add("listen", "must not be empty")
	}

	p := c.Pipeline
	if p.MinScore < 0 || p.MinScore > 1 {
		add("pipeline.min_score", "must be within [0, 1], got %v", p.MinScore)
	}
	if p.MinSubmissionTimeMs < 0 {
		add("pipeline.min_submission_time_ms", "must not be negative")
	}
	if p.ChallengeTimeoutMs < 0 {
		add("pipeline.challenge_timeout_ms", "must not be negative")
	}
	switch core.SignalPolicy(p.SignalPolicy) {
	case "", core.SignalPolicyDeceive, core.SignalPolicyReject:
	default:
		add("pipeline.signal_policy", "unknown policy %q", p.SignalPolicy)
	}
	if p.RelayEndpoint != "" && !isHTTPURL(p.RelayEndpoint) {
		add("pipeline.relay_endpoint", "must be an http(s) URL")
	}

	switch c.Challenge.Provider {
	case ProviderForm, ProviderLocal:
	default:
		add("challenge.provider", "unknown provider %q", c.Challenge.Provider)
	}
	if c.Challenge.ScriptURL != "" && !isHTTPURL(c.Challenge.ScriptURL) {
		add("challenge.script_url", "must be an http(s) URL")
	}
	if c.Challenge.Provider == ProviderForm && c.Challenge.SiteVerifyURL != "" && !isHTTPURL(c.Challenge.SiteVerifyURL) {
		add("challenge.siteverify_url", "must be an http(s) URL")
	}

	if c.Proxy.RateLimit.Max <= 0 {
		add("proxy.rate_limit.max", "must be positive")
	}
	if c.Proxy.RateLimit.WindowSec <= 0 {
		add("proxy.rate_limit.window_sec", "must be positive")
	}
	for i, a := range c.Proxy.AllowedActions {
		if a.Name == "" {
			add(fmt.Sprintf("proxy.allowed_actions[%d].name", i), "must not be empty")
		}
		if a.MinScore < 0 || a.MinScore > 1 {
			add(fmt.Sprintf("proxy.allowed_actions[%d].min_score", i), "must be within [0, 1]")
		}
	}

	for i, tp := range c.Proxy.TrustedProxies {
		if !isIPOrCIDR(tp) {
			add(fmt.Sprintf("proxy.trusted_proxies[%d]", i), "must be an IP address or CIDR, got %q", tp)
		}
	}

	if c.Webhooks.RelayURL != "" && !isHTTPURL(c.Webhooks.RelayURL) {
		add("webhooks.relay_url", "must be an http(s) URL")
	}
	for i, d := range c.Webhooks.Destinations {
		if d.Host == "" || strings.ContainsAny(d.Host, "/:") {
			add(fmt.Sprintf("webhooks.destinations[%d].host", i), "must be a bare hostname")
		}
	}
	for i, t := range c.Webhooks.Targets {
		field := fmt.Sprintf("webhooks.targets[%d]", i)
		if !isHTTPURL(t.URL) {
			add(field+".url", "must be an http(s) URL")
		}
		if len(t.Events) == 0 {
			add(field+".events", "must name at least one event")
		}
		for _, e := range t.Events {
			switch core.EventType(e) {
			case core.EventSubmit, core.EventSuccess, core.EventError:
			default:
				add(field+".events", "unknown event %q", e)
			}
		}
		if t.RetryAttempts < 0 || t.RetryDelayMs < 0 {
			add(field, "retry settings must not be negative")
		}
	}

	if c.Metrics.OTLPEndpoint != "" && c.Metrics.IntervalSec <= 0 {
		add("metrics.interval_sec", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isIPOrCIDR(raw string) bool {
	if strings.Contains(raw, "/") {
		_, _, err := net.ParseCIDR(raw)
		return err == nil
	}
	return net.ParseIP(raw) != nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
