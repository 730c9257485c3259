package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"hookinbox/internal/apikey"
	"hookinbox/internal/classify"
	"hookinbox/internal/config"
	"hookinbox/internal/db"
	"hookinbox/internal/http/handlers"
	"hookinbox/internal/ingest"
	"hookinbox/internal/logger"
	"hookinbox/internal/metrics"
	"hookinbox/internal/ratelimit"
	"hookinbox/internal/resolver"
	"hookinbox/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	gdb, err := db.Connect(cfg)
	if err != nil {
		log.Error("failed to connect database", zap.Error(err))
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		log.Error("failed to migrate database", zap.Error(err))
		return err
	}
	if err := db.EnsureBootstrapAdmin(gdb, cfg); err != nil {
		log.Error("failed to ensure bootstrap admin", zap.Error(err))
		return err
	}
	store := db.NewStore(gdb)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := resolver.New(store, resolver.Config{
		IdentityTTL:   cfg.IdentityCacheTTL,
		EndpointTTL:   cfg.EndpointCacheTTL,
		SweepInterval: cfg.CacheSweepInterval,
		StoreTimeout:  cfg.StoreTimeout,
	}, log)
	defer res.Close()

	keys := apikey.NewValidator(store, cfg.APIKeyPepper, cfg.StoreTimeout, log)
	defer keys.Close()

	limiter, err := newLimiter(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	deliverer := webhook.NewDeliverer(&http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: cfg.WebhookWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}, webhook.TimerSleeper, log)
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Workers:       cfg.WebhookWorkers,
		QueueSize:     cfg.WebhookQueueSize,
		RatePerMinute: cfg.WebhookRatePerMin,
		StoreTimeout:  cfg.StoreTimeout,
	}, deliverer, store, nil, log)
	dispatcher.Start()

	pipeline := ingest.New(ingest.Deps{
		Resolver:   res,
		Keys:       keys,
		Limiter:    limiter,
		Classifier: classify.NewRuleClassifier(),
		Records:    store,
		Usage:      store,
		Dispatcher: dispatcher,
	}, ingest.Config{
		DefaultHourly:     cfg.RateLimitHourly,
		DefaultDaily:      cfg.RateLimitDaily,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		StoreTimeout:      cfg.StoreTimeout,
		RetentionDays:     cfg.RetentionDays,
		WebhookTimeout:    cfg.WebhookTimeout,
		WebhookMaxRetries: cfg.WebhookMaxRetries,
		WebhookBaseDelay:  cfg.WebhookBaseDelay,
		WebhookMaxDelay:   cfg.WebhookMaxDelay,
	}, log)

	db.StartRetentionWorker(ctx, gdb, cfg.RetentionDays, log)

	bodyLimit, err := maxRequestBody(ctx, cfg, store)
	if err != nil {
		log.Warn("endpoint body limits unavailable, using the default ceiling", zap.Error(err))
	}

	srv := &fasthttp.Server{
		Name: "hookinbox",
		Handler: handlers.NewHandler(handlers.Deps{
			Pipeline:     pipeline,
			Keys:         keys,
			Users:        store,
			Cache:        res,
			Store:        store,
			Gatherer:     prometheus.DefaultGatherer,
			StoreTimeout: cfg.StoreTimeout,
			TrustProxy:   cfg.TrustProxy,
			Logger:       log,
		}),
		ErrorHandler:       handlers.ServerError(log),
		MaxRequestBodySize: bodyLimit,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("hookinbox listening", zap.String("addr", cfg.ListenAddr), zap.String("version", Version))
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		log.Error("server error", zap.Error(serveErr))
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil && !errors.Is(err, webhook.ErrStopped) {
		log.Warn("webhook queue not drained", zap.Error(err))
	}
	return serveErr
}

// maxRequestBody is the server's read ceiling: four times the largest body
// any endpoint accepts, so that ordinary oversized bodies are still rejected
// by the pipeline after authentication and rate limiting. Bodies above it are
// answered by ServerError without reaching the pipeline. Overrides raised
// after startup take effect on restart.
func maxRequestBody(ctx context.Context, cfg *config.Config, store *db.Store) (int, error) {
	largest := cfg.MaxPayloadBytes
	qctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	override, err := store.LargestPayloadOverride(qctx)
	largest = max(largest, override)
	return 4 * largest, err
}

// newLimiter picks the counter store. The memory store only limits per
// process; the database store is shared by every replica.
func newLimiter(ctx context.Context, cfg *config.Config, store *db.Store, log *zap.Logger) (*ratelimit.Limiter, error) {
	mode, err := ratelimit.ParseFailureMode(cfg.RateLimitOnStoreError)
	if err != nil {
		return nil, err
	}
	var counters ratelimit.CounterStore
	switch cfg.RateLimitStore {
	case "memory":
		m := ratelimit.NewMemoryStore()
		m.StartSweeper(ctx, time.Minute)
		counters = m
	default:
		g := ratelimit.NewGormStore(store.DB())
		g.StartPruner(ctx, 10*time.Minute, log)
		counters = g
	}
	return ratelimit.New(counters, mode, log), nil
}
