package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/formguard/adapters/telemetry"
	"github.com/layer-3/formguard/config"
	"github.com/layer-3/formguard/core"
	transporthttp "github.com/layer-3/formguard/transport/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	watchConfig bool

	verifyAction   string
	verifyRemoteIP string

	tokenAction string

	keyOutput string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Serves the verification proxy (/api/verify), the webhook relay
(/api/webhook) and the submission endpoint (/api/submit).

The proxy is registered only when a verification service is configured and
the relay only when destinations are configured.`,
	RunE: runServe,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a challenge token and print the verdict",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token from the local challenge provider",
	Long: `Issues a signed token for the local provider. Set challenge.local_key_file
so the token verifies against a running server.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key for the local challenge provider",
	Args:  cobra.NoArgs,
	RunE:  runKeygen,
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload webhook targets when the config file changes")

	verifyCmd.Flags().StringVar(&verifyAction, "action", "", "Expected action (defaults to pipeline.action)")
	verifyCmd.Flags().StringVar(&verifyRemoteIP, "remote-ip", "", "Client IP forwarded to the verification service")

	tokenCmd.Flags().StringVar(&tokenAction, "action", "", "Action bound to the token (defaults to pipeline.action)")

	keygenCmd.Flags().StringVarP(&keyOutput, "output", "o", "", "Write the key to this file instead of stdout")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.New(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Metrics.OTLPEndpoint,
		Insecure:     cfg.Metrics.Insecure,
		Interval:     time.Duration(cfg.Metrics.IntervalSec) * time.Second,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}()

	a, err := newApp(ctx, cfg, logger, metrics.MeterProvider())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if watchConfig {
		if _, statErr := os.Stat(configPath); statErr == nil {
			watcher := config.NewWatcher(configPath, logger)
			watcher.OnChange(a.Reload)
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watch disabled", zap.Error(err))
			} else {
				defer watcher.Close()
			}
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := transporthttp.SetupRouter(a.proxy, a.relay, a.pipeline, cfg.Proxy.TrustedProxies, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	pcfg := cfg.Core()
	action := verifyAction
	if action == "" {
		action = pcfg.Action
	}

	ctx := cmd.Context()
	if verifyRemoteIP != "" {
		attempt := a.pipeline.Begin(nil, time.Time{})
		attempt.RemoteIP = verifyRemoteIP
		ctx = core.WithAttempt(ctx, attempt)
	}

	token := core.ChallengeToken{Value: args[0], Action: action, SiteKey: pcfg.PublicSiteKey}
	verdict, err := a.verifier.Verify(ctx, token, action, pcfg.MinScore)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.Challenge.Provider != config.ProviderLocal {
		return fmt.Errorf("challenge.provider is %q; tokens can only be issued by the %q provider",
			cfg.Challenge.Provider, config.ProviderLocal)
	}
	if cfg.Challenge.LocalKeyFile == "" {
		logger.Warn("challenge.local_key_file is not set; the token will not verify elsewhere")
	}

	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	pcfg := cfg.Core()
	action := tokenAction
	if action == "" {
		action = pcfg.Action
	}

	widgetID, err := a.issuer.Render(cmd.Context(), pcfg.PublicSiteKey)
	if err != nil {
		return err
	}
	token, err := a.issuer.Execute(cmd.Context(), widgetID, action)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	data, err := encodeSigningKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	if keyOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(keyOutput, data, 0o600)
}
