package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/analytics"
	"github.com/castlegate/outreach/internal/api"
	"github.com/castlegate/outreach/internal/audience"
	"github.com/castlegate/outreach/internal/campaign"
	"github.com/castlegate/outreach/internal/circuitbreaker"
	"github.com/castlegate/outreach/internal/config"
	"github.com/castlegate/outreach/internal/credential"
	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/dispatch"
	"github.com/castlegate/outreach/internal/events"
	"github.com/castlegate/outreach/internal/metrics"
	"github.com/castlegate/outreach/internal/observ"
	"github.com/castlegate/outreach/internal/provider"
	"github.com/castlegate/outreach/internal/redis"
	"github.com/castlegate/outreach/internal/scheduler"
	"github.com/castlegate/outreach/internal/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting outreach gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	store := db.NewStore(database, logger)

	// Redis backs the send-rate limiter, request rate limiter, and
	// create-campaign idempotency. The gateway runs without it, minus
	// those guarantees.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var requestLimiter *redis.RequestLimiter
	var sendLimiter *redis.SendLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		requestLimiter = redis.NewRequestLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per tenant
		})
		sendLimiter = redis.NewSendLimiter(redisClient, map[db.ProviderKind]float64{
			db.ProviderGmail:    cfg.GmailSendRate,
			db.ProviderOutlook:  cfg.OutlookSendRate,
			db.ProviderWhatsApp: cfg.WhatsAppSendRate,
			db.ProviderSES:      cfg.SESSendRate,
		}, cfg.SendBurst, logger)
		defer redisClient.Close()
	}

	// Provider adapters, each behind its own circuit breaker so one
	// failing provider cannot stall the others.
	gmail := provider.NewGmail(provider.GmailConfig{
		ClientID:      cfg.GmailClientID,
		ClientSecret:  cfg.GmailClientSecret,
		RedirectURL:   cfg.BaseURL + "/v1/providers/gmail/callback",
		WebhookSecret: cfg.WebhookSecret,
	}, logger)

	outlook := provider.NewOutlook(provider.OutlookConfig{
		ClientID:      cfg.OutlookClientID,
		ClientSecret:  cfg.OutlookClientSecret,
		RedirectURL:   cfg.BaseURL + "/v1/providers/outlook/callback",
		WebhookSecret: cfg.WebhookSecret,
	}, logger)

	whatsapp := provider.NewWhatsApp(cfg.WebhookSecret, logger)

	ses, err := provider.NewSES(ctx, provider.SESConfig{
		Region:        cfg.AWSRegion,
		WebhookSecret: cfg.WebhookSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES adapter: %w", err)
	}

	protect := func(a provider.Adapter) provider.Adapter {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(string(a.Kind())), logger)
		return circuitbreaker.Wrap(a, breaker, logger)
	}
	registry := provider.NewRegistry(
		protect(gmail),
		protect(outlook),
		protect(whatsapp),
		protect(ses),
	)

	// Domain services
	creds := credential.NewStore(store, registry, cfg.WebhookSecret, cfg.CredentialSkew, logger)
	resolver := audience.NewResolver(store, logger)
	renderer := template.NewRenderer(cfg.BaseURL)
	campaigns := campaign.NewService(store, creds, resolver, logger)
	aggregator := analytics.NewAggregator(store)
	reconciler := events.NewReconciler(store, logger)

	// Background loops: the scheduler admits due campaigns and enrolls
	// their audiences, the dispatch pool drains enrolled recipients.
	sched := scheduler.New(store, resolver, scheduler.Config{
		PollInterval:      cfg.PollInterval,
		BatchSize:         cfg.DispatchBatchSize,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}, logger)

	var limiter dispatch.Limiter
	if sendLimiter != nil {
		limiter = sendLimiter
	}
	pool := dispatch.New(store, creds, limiter, registry, renderer, dispatch.Config{
		Workers:        cfg.DispatchWorkers,
		BatchSize:      cfg.DispatchBatchSize,
		PollInterval:   cfg.PollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		SendTimeout:    cfg.SendTimeout,
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go sched.Start(bgCtx)
	go pool.Start(bgCtx)

	logger.Info("scheduler and dispatch pool started",
		zap.Int("workers", cfg.DispatchWorkers),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, campaigns, creds, aggregator, store, idempotencyService)
	webhooks := api.NewWebhookHandler(logger, registry, reconciler)
	tracking := api.NewTrackingHandler(logger, reconciler)

	r.Route("/v1", func(r chi.Router) {
		// Provider callbacks authenticate themselves: OAuth redirects
		// carry a signed state, webhooks carry provider signatures.
		r.Get("/providers/{kind}/callback", handler.CompleteProviderLink)
		r.Post("/webhooks/{kind}", webhooks.Receive)

		// Everything else is tenant-scoped and rate limited.
		r.Group(func(r chi.Router) {
			r.Use(api.TenantMiddleware(logger))
			r.Use(api.RateLimitMiddleware(requestLimiter, logger, api.TenantKeyFunc))

			r.Post("/campaigns", handler.CreateCampaign)
			r.Get("/campaigns", handler.ListCampaigns)
			r.Get("/campaigns/{id}", handler.GetCampaign)
			r.Post("/campaigns/{id}/start", handler.StartCampaign)
			r.Post("/campaigns/{id}/pause", handler.PauseCampaign)
			r.Post("/campaigns/{id}/resume", handler.ResumeCampaign)
			r.Post("/campaigns/{id}/cancel", handler.CancelCampaign)
			r.Get("/campaigns/{id}/stats", handler.GetCampaignStats)
			r.Get("/campaigns/{id}/recipients", handler.ListCampaignRecipients)

			r.Post("/recipients", handler.CreateRecipient)
			r.Get("/recipients/{id}", handler.GetRecipient)
			r.Post("/audiences", handler.CreateAudience)
			r.Get("/audiences/{id}", handler.GetAudience)
			r.Post("/templates", handler.CreateTemplate)
			r.Get("/templates/{id}", handler.GetTemplate)

			r.Get("/analytics/overview", handler.GetOverview)

			r.Post("/providers/{kind}/link", handler.BeginProviderLink)
			r.Post("/providers/{kind}/key", handler.LinkProviderKey)
			r.Delete("/providers/{kind}", handler.DisconnectProvider)
		})
	})

	// Tracking endpoints live outside /v1: their URLs are embedded in
	// delivered mail and must stay short and stable.
	r.Get("/track/open/{token}", tracking.Open)
	r.Get("/track/click/{token}", tracking.Click)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop admitting and sending before draining HTTP.
		bgCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
