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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyalty-ledger/internal/config"
	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/events"
	"loyalty-ledger/internal/features"
	"loyalty-ledger/internal/handler"
	"loyalty-ledger/internal/logging"
	"loyalty-ledger/internal/middleware"
	"loyalty-ledger/internal/payout"
	"loyalty-ledger/internal/ratelimit"
	"loyalty-ledger/internal/service"
	"loyalty-ledger/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	catalogFile := flag.String("merchants", "", "Path to YAML merchant catalog")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.Setup("loyalty-ledger", cfg.Logging.Environment, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Logging.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer db.Close()

	// Counters live in Redis when configured so every replica shares limits.
	var counters ratelimit.CounterStore = ratelimit.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory rate counters", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer redisStore.Close()
			counters = redisStore
		}
	}
	guard := ratelimit.NewGuard(counters, logger)

	flags := features.NewDefaultManager(cfg.Features.Payouts, cfg.Features.ProviderWebhooks, cfg.Features.EventHooks)
	bus := events.NewManager(cfg.Features.EventHooks, logger)
	subscribeNotifications(bus, logger)

	engineOpts := []payout.Option{
		payout.WithLogger(logger),
		payout.WithFeatures(flags),
		payout.WithEvents(bus),
		payout.WithRateGuard(guard, int64(cfg.Payout.ClaimLimit), config.Seconds(cfg.Payout.ClaimWindow)),
		payout.WithTransferTimeout(config.Seconds(cfg.Payout.TransferTimeout)),
		payout.WithRefundRetry(100*time.Millisecond, config.Seconds(cfg.Payout.RefundMaxWait)),
		payout.WithStuckAfter(config.Seconds(cfg.Payout.StuckAfter)),
	}
	if cfg.Payout.GatewayURL != "" {
		engineOpts = append(engineOpts, payout.WithGateway(
			payout.NewHTTPGateway(cfg.Payout.GatewayURL, cfg.Payout.GatewayToken, config.Seconds(cfg.Payout.TransferTimeout)),
		))
	} else {
		logger.Warn("no payout gateway configured, claims will fail and refund")
	}
	engine := payout.NewEngine(db, engineOpts...)

	svc := service.NewService(db, logger,
		service.WithPayoutEngine(engine),
		service.WithGuard(guard),
		service.WithEvents(bus),
		service.WithFeatures(flags),
		service.WithScanLimit(int64(cfg.Ingest.ScanLimit), config.Seconds(cfg.Ingest.ScanWindow)),
		service.WithReplayLimit(int64(cfg.Ingest.ReplayLimit), config.Seconds(cfg.Ingest.ReplayWindow)),
	)

	if *catalogFile != "" {
		if err := seedCatalog(context.Background(), svc, *catalogFile, logger); err != nil {
			logger.Error("failed to load merchant catalog", "error", err, "path", *catalogFile)
			os.Exit(1)
		}
	}

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		PublicURL:   cfg.Server.PublicURL,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, config.Seconds(cfg.RateLimit.Window))
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-API-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	h.Mount(r, middleware.APIKeyAuth(svc, guard, logger), middleware.AdminAuth(cfg.Security.AdminToken))

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Server.ShutdownTimeout))
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		bus.Shutdown()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	logger.Info("starting server",
		"addr", addr,
		"tls", cfg.Server.EnableTLS,
		"database", cfg.Database.Path,
		"rate_limit", cfg.RateLimit.Rate,
		"rate_window_seconds", cfg.RateLimit.Window,
	)

	if cfg.Server.EnableTLS {
		err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
}

// seedCatalog upserts every merchant in the YAML catalog together with its API
// keys. Re-running it is harmless.
func seedCatalog(ctx context.Context, svc *service.Service, path string, logger *slog.Logger) error {
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	for _, entry := range catalog.Merchants {
		m, err := entry.Merchant()
		if err != nil {
			return err
		}
		registered, err := svc.RegisterMerchant(ctx, m)
		if err != nil {
			return fmt.Errorf("failed to register merchant %q: %w", entry.Slug, err)
		}
		for _, key := range entry.APIKeys {
			if _, err := svc.RegisterAPIKey(ctx, registered.ID, key.Key, key.Scopes, key.RateLimitPerMinute); err != nil {
				return fmt.Errorf("failed to register API key for %q: %w", entry.Slug, err)
			}
		}
		logger.Info("merchant loaded",
			"merchant_id", registered.ID,
			"slug", registered.Slug,
			"api_keys", len(entry.APIKeys),
			"payouts_enabled", registered.PayoutsEnabled,
		)
	}
	return nil
}

// subscribeNotifications logs the merchant-facing notifications. A mailer or
// outbound webhook would subscribe here too.
func subscribeNotifications(bus *events.Manager, logger *slog.Logger) {
	bus.Subscribe(events.EventMerchantUnderfunded, func(ctx context.Context, ev events.Event) error {
		data, _ := ev.Data.(events.UnderfundedData)
		logger.Warn("merchant treasury underfunded",
			"merchant_id", data.MerchantID,
			"treasury_wallet", data.TreasuryWallet,
			"amount", data.Amount.String(),
			"currency", data.Currency,
			"claim_id", data.ClaimID,
		)
		return nil
	})
	bus.Subscribe(events.EventReconciliationRequired, func(ctx context.Context, ev events.Event) error {
		data, _ := ev.Data.(events.PayoutData)
		logger.Error("payout needs manual reconciliation",
			"merchant_id", data.MerchantID,
			"claim_id", data.Claim.ID,
			"reason", data.Reason,
		)
		return nil
	})
	bus.Subscribe(events.EventPayoutFailed, func(ctx context.Context, ev events.Event) error {
		data, _ := ev.Data.(events.PayoutData)
		logger.Info("payout failed and refunded",
			"merchant_id", data.MerchantID,
			"claim_id", data.Claim.ID,
			"reason", data.Reason,
		)
		return nil
	})
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
