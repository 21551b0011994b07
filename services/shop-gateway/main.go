package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shopledger/gateway/auth"
	"shopledger/gateway/config"
	"shopledger/gateway/middleware"
	"shopledger/observability/logging"
	telemetry "shopledger/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the gateway YAML config")
	flag.Parse()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("SHOP_GATEWAY_CONFIG"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.SetupWith(cfg.Observability.ServiceName, cfg.Environment, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(cfg.Observability.ServiceName, cfg.Environment))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, logger); err != nil {
		log.Fatalf("shop gateway failed: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	nodeURL, err := cfg.NodeURL()
	if err != nil {
		return err
	}
	secured, upgraded, err := config.EnforceSecureScheme(cfg.Environment, nodeURL, false)
	if err != nil {
		return fmt.Errorf("node endpoint: %w", err)
	}
	if upgraded {
		logger.Info("node endpoint upgraded to https", "url", secured.String())
	}

	store, err := NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	nonceStore, err := auth.NewLevelDBNonceStore(cfg.NonceStore.Path)
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer nonceStore.Close()

	apiKeys, err := cfg.Auth.ResolveAPIKeys()
	if err != nil {
		return fmt.Errorf("resolve api keys: %w", err)
	}
	verifier := auth.NewVerifier(apiKeys, cfg.Auth.TimestampSkew, cfg.Auth.NonceTTL, cfg.Auth.NonceCapacity, time.Now, nonceStore)
	hydrateCtx, cancelHydrate := context.WithTimeout(context.Background(), 5*time.Second)
	if err := verifier.Hydrate(hydrateCtx, time.Now().Add(-cfg.Auth.NonceTTL)); err != nil {
		logger.Warn("hydrate nonce cache failed", "error", err)
	}
	cancelHydrate()

	var authenticator *middleware.Authenticator
	if cfg.Owner.Enabled {
		secret, err := cfg.Owner.Secret()
		if err != nil {
			return err
		}
		authenticator = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			Secret:     secret,
			Issuer:     cfg.Owner.Issuer,
			Audience:   cfg.Owner.Audience,
			ScopeClaim: cfg.Owner.ScopeClaim,
			ClockSkew:  cfg.Owner.ClockSkew,
		}, logger)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RatePerSecond:     rl.RatePerSecond,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
			DefaultTokens:     rl.DefaultTokens,
			Tokens:            rl.Tokens,
		}
	}
	var limiter *middleware.RateLimiter
	if len(limits) > 0 {
		limiter = middleware.NewRateLimiter(limits, logger)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName,
		Enabled:     cfg.Observability.Enabled,
		LogRequests: cfg.Observability.LogRequests,
	}, logger)

	node := NewRPCNodeClient(secured.String(), cfg.Node.Token(), cfg.Node.Timeout)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhooks.HistorySize),
		WithWebhookTTL(cfg.Webhooks.QueueTTL),
	)

	server := NewServer(ServerConfig{
		Verifier:      verifier,
		Owner:         authenticator,
		Node:          node,
		Store:         store,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWebhookWorker(store, queue)
	go worker.Run(ctx)

	watcher := NewEventWatcher(secured.String(), store, queue, logger)
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shop gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}

	logger.Info("shutting down shop gateway")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
