package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/layer-3/formguard/adapters/challenge"
	"github.com/layer-3/formguard/adapters/events"
	"github.com/layer-3/formguard/adapters/siteverify"
	"github.com/layer-3/formguard/adapters/store"
	"github.com/layer-3/formguard/config"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/layer-3/formguard/ports"
	"github.com/layer-3/formguard/service"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const outboundTimeout = 10 * time.Second

// app holds the wired services of one process
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *eventbus.Bus

	limiter ports.RateLimitStore
	ledger  ports.TokenLedger
	issuer  *challenge.JWTIssuer

	verifier   *service.TokenVerifier
	proxy      *service.VerificationProxy
	relay      *service.WebhookRelay
	pipeline   *service.Pipeline
	dispatcher *service.WebhookDispatcher

	targetsMu     sync.Mutex
	detachTargets func()

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, mp metric.MeterProvider) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    eventbus.New(logger),
	}

	httpClient := &http.Client{Timeout: outboundTimeout}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.limiter = store.NewRedisRateLimitStore(redisClient)
		a.ledger = store.NewRedisTokenLedger(redisClient)
	} else {
		limiter := store.NewMemoryRateLimitStore()
		stopSweeper := limiter.StartSweeper(cfg.RateLimit().Window, cfg.RateLimit().Window)
		a.closers = append(a.closers, func() error { stopSweeper(); return nil })
		a.limiter = limiter
		a.ledger = store.NewMemoryTokenLedger()
	}

	pcfg := cfg.Core()

	var (
		loader   ports.ScriptLoader
		widget   ports.ChallengeWidget
		upstream ports.SiteVerifier
		strategy service.Strategy
	)
	switch cfg.Challenge.Provider {
	case config.ProviderLocal:
		key, err := loadSigningKey(cfg.Challenge.LocalKeyFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.issuer = challenge.NewJWTIssuer(key, pcfg.PublicSiteKey, cfg.Challenge.LocalHostname, a.ledger).
			WithScore(cfg.Challenge.LocalScore)
		loader, widget, upstream = a.issuer, a.issuer, a.issuer
		strategy = service.DirectStrategy{Verifier: a.issuer, Trusted: pcfg.TrustedContext}
		if pcfg.RelayEndpoint != "" {
			// A relay endpoint never needs the local verifier, so selection cannot fail.
			strategy, _ = service.SelectStrategy(pcfg, httpClient, upstream)
		}

	default:
		w := challenge.NewFormFieldWidget(pcfg.TokenField)
		loader, widget = w, w
		if cfg.Challenge.ScriptURL != "" {
			l, err := challenge.NewHTTPScriptLoader(httpClient, cfg.Challenge.ScriptURL, pcfg.PublicSiteKey)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to create script loader: %w", err)
			}
			loader = l
		}
		if pcfg.DirectSecret != "" {
			upstream = siteverify.New(httpClient, cfg.Challenge.SiteVerifyURL, pcfg.DirectSecret)
		}
		var err error
		strategy, err = service.SelectStrategy(pcfg, httpClient, upstream)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to select verification strategy: %w", err)
		}
	}

	challengeClient := service.NewChallengeClient(loader, widget, pcfg.PublicSiteKey, pcfg.ChallengeTimeout, a.bus, logger)
	a.verifier = service.NewTokenVerifier(strategy, a.ledger, a.bus, logger)
	a.pipeline = service.NewPipeline(pcfg, a.bus, challengeClient, a.verifier, logger)

	if upstream != nil {
		a.proxy = service.NewVerificationProxy(upstream, a.limiter, cfg.RateLimit(), cfg.Actions(), pcfg.MinScore, logger)
		if mp != nil {
			a.proxy.WithMeterProvider(mp)
		}
	}
	if len(cfg.Webhooks.Destinations) > 0 {
		a.relay = service.NewWebhookRelay(httpClient, a.limiter, cfg.RateLimit(), cfg.Destinations(), logger)
	}

	if cfg.Events.Publish && redisClient != nil {
		pub, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			events.NewZapLogger(logger),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		a.closers = append([]func() error{pub.Close}, a.closers...)

		publisher := events.NewWatermillPublisher(pub)
		publisher.Forward(a.bus, logger)
		a.pipeline.WithContactSink(publisher)
	}

	a.bus.Subscribe(core.EventSecurity, a.logSecurityEvent)

	a.dispatcher = service.NewWebhookDispatcher(httpClient, cfg.Webhooks.RelayURL, logger)
	a.attachTargets(cfg.WebhookTargets())

	logger.Info("formguard configured",
		zap.String("provider", cfg.Challenge.Provider),
		zap.String("strategy", string(strategy.Kind())),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("proxy", a.proxy != nil),
		zap.Bool("relay", a.relay != nil),
		zap.Int("webhooks", len(cfg.Webhooks.Targets)))

	return a, nil
}

// attachTargets replaces the webhook targets receiving lifecycle events
func (a *app) attachTargets(targets []core.WebhookTarget) {
	a.targetsMu.Lock()
	defer a.targetsMu.Unlock()
	if a.detachTargets != nil {
		a.detachTargets()
	}
	a.detachTargets = a.dispatcher.Attach(a.bus, targets)
}

// Reload applies the parts of cfg that can change without a restart
func (a *app) Reload(cfg *config.Config) {
	a.attachTargets(cfg.WebhookTargets())
	a.logger.Info("webhook targets reloaded", zap.Int("targets", len(cfg.Webhooks.Targets)))
}

func (a *app) logSecurityEvent(e core.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("attempt_id", e.AttemptID),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	switch e.Level {
	case core.LevelError:
		a.logger.Error("security event", fields...)
	case core.LevelWarn:
		a.logger.Warn("security event", fields...)
	default:
		a.logger.Debug("security event", fields...)
	}
	return nil
}

// Close waits for in-flight webhook deliveries and releases connections
func (a *app) Close() error {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

func encodeSigningKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
