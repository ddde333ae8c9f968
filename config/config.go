// Package config handles configuration loading and validation for formguard.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/layer-3/formguard/core"
	"gopkg.in/yaml.v3"
)

// Challenge providers
const (
	// ProviderForm reads tokens the browser posted with the form
	ProviderForm = "form"
	// ProviderLocal issues and verifies self-hosted signed tokens
	ProviderLocal = "local"
)

const DefaultSiteVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Config holds the complete proxy configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// RedisURL selects shared Redis stores and the event stream. Empty means
	// in-process stores and no event stream.
	RedisURL string `toml:"redis_url" json:"redis_url" yaml:"redis_url"`

	Pipeline  PipelineConfig  `toml:"pipeline" json:"pipeline" yaml:"pipeline"`
	Challenge ChallengeConfig `toml:"challenge" json:"challenge" yaml:"challenge"`
	Proxy     ProxyConfig     `toml:"proxy" json:"proxy" yaml:"proxy"`
	Webhooks  WebhooksConfig  `toml:"webhooks" json:"webhooks" yaml:"webhooks"`
	Events    EventsConfig    `toml:"events" json:"events" yaml:"events"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
}

// PipelineConfig is the submission pipeline's configuration surface.
type PipelineConfig struct {
	EnableHoneypot      bool   `toml:"enable_honeypot" json:"enable_honeypot" yaml:"enable_honeypot"`
	HoneypotField       string `toml:"honeypot_field" json:"honeypot_field" yaml:"honeypot_field"`
	CheckSubmissionTime bool   `toml:"check_submission_time" json:"check_submission_time" yaml:"check_submission_time"`
	MinSubmissionTimeMs int    `toml:"min_submission_time_ms" json:"min_submission_time_ms" yaml:"min_submission_time_ms"`

	// SignalPolicy is "deceive" or "reject".
	SignalPolicy string `toml:"signal_policy" json:"signal_policy" yaml:"signal_policy"`

	EnableChallenge    bool    `toml:"enable_challenge" json:"enable_challenge" yaml:"enable_challenge"`
	PublicSiteKey      string  `toml:"public_site_key" json:"public_site_key" yaml:"public_site_key"`
	Action             string  `toml:"action" json:"action" yaml:"action"`
	MinScore           float64 `toml:"min_score" json:"min_score" yaml:"min_score"`
	ChallengeTimeoutMs int     `toml:"challenge_timeout_ms" json:"challenge_timeout_ms" yaml:"challenge_timeout_ms"`
	TokenField         string  `toml:"token_field" json:"token_field" yaml:"token_field"`

	RelayEndpoint string `toml:"relay_endpoint" json:"relay_endpoint" yaml:"relay_endpoint"`

	// DirectSecret should come from FORMGUARD_DIRECT_SECRET, not the file.
	DirectSecret   string `toml:"direct_secret" json:"-" yaml:"direct_secret"`
	TrustedContext bool   `toml:"trusted_context" json:"trusted_context" yaml:"trusted_context"`
}

// ChallengeConfig selects how tokens are obtained and checked.
type ChallengeConfig struct {
	// Provider is "form" or "local".
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	// ScriptURL, when set, is fetched to confirm the provider script is
	// reachable before the first token is requested.
	ScriptURL string `toml:"script_url" json:"script_url" yaml:"script_url"`

	SiteVerifyURL string `toml:"siteverify_url" json:"siteverify_url" yaml:"siteverify_url"`

	// LocalScore is the score carried by tokens of the local provider.
	LocalScore    float64 `toml:"local_score" json:"local_score" yaml:"local_score"`
	LocalHostname string  `toml:"local_hostname" json:"local_hostname" yaml:"local_hostname"`

	// LocalKeyFile is a PEM encoded EC P-256 key. Without it the local
	// provider signs with a key generated at startup.
	LocalKeyFile string `toml:"local_key_file" json:"local_key_file" yaml:"local_key_file"`
}

// ProxyConfig configures the verification and webhook relay endpoints.
type ProxyConfig struct {
	AllowedActions []ActionConfig  `toml:"allowed_actions" json:"allowed_actions" yaml:"allowed_actions"`
	RateLimit      RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means clients are identified by the socket address.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies" yaml:"trusted_proxies"`
}

// ActionConfig is an allow-listed action. MinScore 0 uses the pipeline threshold.
type ActionConfig struct {
	Name     string  `toml:"name" json:"name" yaml:"name"`
	MinScore float64 `toml:"min_score" json:"min_score" yaml:"min_score"`
}

// RateLimitConfig is a sliding window per client.
type RateLimitConfig struct {
	Max       int `toml:"max" json:"max" yaml:"max"`
	WindowSec int `toml:"window_sec" json:"window_sec" yaml:"window_sec"`
}

// WebhooksConfig configures outbound webhooks and the webhook relay.
type WebhooksConfig struct {
	// RelayURL routes every delivery through a webhook relay endpoint.
	RelayURL string `toml:"relay_url" json:"relay_url" yaml:"relay_url"`

	// Destinations are the hosts the relay endpoint may call.
	Destinations []DestinationConfig `toml:"destinations" json:"destinations" yaml:"destinations"`

	Targets []TargetConfig `toml:"targets" json:"targets" yaml:"targets"`
}

// DestinationConfig allows a host and attaches server-side headers to it.
type DestinationConfig struct {
	Host    string            `toml:"host" json:"host" yaml:"host"`
	Headers map[string]string `toml:"headers" json:"-" yaml:"headers"`
}

// TargetConfig is a webhook destination for lifecycle events.
type TargetConfig struct {
	Name    string            `toml:"name" json:"name" yaml:"name"`
	URL     string            `toml:"url" json:"url" yaml:"url"`
	Events  []string          `toml:"events" json:"events" yaml:"events"`
	Fields  []string          `toml:"fields" json:"fields" yaml:"fields"`
	Headers map[string]string `toml:"headers" json:"-" yaml:"headers"`

	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelayMs  int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
}

// EventsConfig controls publishing of events to the Redis stream.
type EventsConfig struct {
	Publish bool `toml:"publish" json:"publish" yaml:"publish"`
}

// MetricsConfig configures OTLP metric export. An empty endpoint disables it.
type MetricsConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure" json:"insecure" yaml:"insecure"`
	IntervalSec  int    `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":9000",
		Pipeline: PipelineConfig{
			EnableHoneypot:      true,
			HoneypotField:       core.DefaultHoneypotField,
			CheckSubmissionTime: true,
			MinSubmissionTimeMs: int(core.DefaultMinSubmissionTime / time.Millisecond),
			SignalPolicy:        string(core.SignalPolicyDeceive),
			EnableChallenge:     true,
			Action:              core.DefaultAction,
			MinScore:            core.DefaultMinScore,
			ChallengeTimeoutMs:  int(core.DefaultChallengeTimeout / time.Millisecond),
			TokenField:          core.DefaultTokenField,
			TrustedContext:      true,
		},
		Challenge: ChallengeConfig{
			Provider:      ProviderForm,
			SiteVerifyURL: DefaultSiteVerifyURL,
			LocalScore:    0.9,
		},
		Proxy: ProxyConfig{
			RateLimit: RateLimitConfig{Max: 10, WindowSec: 60},
		},
		Events: EventsConfig{Publish: true},
		Metrics: MetricsConfig{
			IntervalSec: 15,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
// TOML, JSON and YAML are recognized by extension; anything else is read as TOML.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Variables are prefixed with FORMGUARD_; REDIS_URL is honored as well.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FORMGUARD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("FORMGUARD_REDIS_URL"); v != "" {
		c.RedisURL = v
	}

	// Secrets from env
	if v := os.Getenv("FORMGUARD_DIRECT_SECRET"); v != "" {
		c.Pipeline.DirectSecret = v
	}

	if v := os.Getenv("FORMGUARD_SITE_KEY"); v != "" {
		c.Pipeline.PublicSiteKey = v
	}
	if v := os.Getenv("FORMGUARD_RELAY_ENDPOINT"); v != "" {
		c.Pipeline.RelayEndpoint = v
	}
	if v := os.Getenv("FORMGUARD_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.MinScore = f
		}
	}
	if v := os.Getenv("FORMGUARD_CHALLENGE_PROVIDER"); v != "" {
		c.Challenge.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("FORMGUARD_WEBHOOK_RELAY_URL"); v != "" {
		c.Webhooks.RelayURL = v
	}
	if v := os.Getenv("FORMGUARD_TRUSTED_PROXIES"); v != "" {
		c.Proxy.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Proxy.TrustedProxies = append(c.Proxy.TrustedProxies, p)
			}
		}
	}
	if v := os.Getenv("FORMGUARD_OTLP_ENDPOINT"); v != "" {
		c.Metrics.OTLPEndpoint = v
	}
	if v := os.Getenv("FORMGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Core converts the pipeline section into the pipeline's own configuration.
func (c *Config) Core() core.PipelineConfig {
	p := c.Pipeline
	return core.PipelineConfig{
		EnableHoneypot:      p.EnableHoneypot,
		HoneypotField:       p.HoneypotField,
		CheckSubmissionTime: p.CheckSubmissionTime,
		MinSubmissionTime:   time.Duration(p.MinSubmissionTimeMs) * time.Millisecond,
		SignalPolicy:        core.SignalPolicy(p.SignalPolicy),
		EnableChallenge:     p.EnableChallenge,
		PublicSiteKey:       p.PublicSiteKey,
		Action:              p.Action,
		MinScore:            p.MinScore,
		ChallengeTimeout:    time.Duration(p.ChallengeTimeoutMs) * time.Millisecond,
		TokenField:          p.TokenField,
		RelayEndpoint:       p.RelayEndpoint,
		DirectSecret:        p.DirectSecret,
		TrustedContext:      p.TrustedContext,
	}.WithDefaults()
}

// RateLimit returns the per-client sliding window.
func (c *Config) RateLimit() core.RateLimit {
	return core.RateLimit{
		Max:    c.Proxy.RateLimit.Max,
		Window: time.Duration(c.Proxy.RateLimit.WindowSec) * time.Second,
	}
}

// Actions returns the action allow-list. Empty allows every action.
func (c *Config) Actions() []core.ActionPolicy {
	out := make([]core.ActionPolicy, 0, len(c.Proxy.AllowedActions))
	for _, a := range c.Proxy.AllowedActions {
		out = append(out, core.ActionPolicy{Name: a.Name, MinScore: a.MinScore})
	}
	return out
}

// Destinations maps each allowed webhook host to its server-side headers.
func (c *Config) Destinations() map[string]map[string]string {
	out := make(map[string]map[string]string, len(c.Webhooks.Destinations))
	for _, d := range c.Webhooks.Destinations {
		out[strings.ToLower(d.Host)] = d.Headers
	}
	return out
}

// WebhookTargets returns the configured lifecycle event targets.
func (c *Config) WebhookTargets() []core.WebhookTarget {
	out := make([]core.WebhookTarget, 0, len(c.Webhooks.Targets))
	for _, t := range c.Webhooks.Targets {
		events := make([]core.EventType, 0, len(t.Events))
		for _, e := range t.Events {
			events = append(events, core.EventType(e))
		}
		out = append(out, core.WebhookTarget{
			Name:    t.Name,
			URL:     t.URL,
			Events:  events,
			Fields:  t.Fields,
			Headers: t.Headers,
			Retry: core.RetryPolicy{
				Attempts: t.RetryAttempts,
				Delay:    time.Duration(t.RetryDelayMs) * time.Millisecond,
			},
		})
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}
