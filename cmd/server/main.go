package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/config"
	"kasirinaja/pos/internal/httpapi"
	"kasirinaja/pos/internal/invoice"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
	pgstore "kasirinaja/pos/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		repo    store.Repository
		ready   func(context.Context) error
		closers = make([]func() error, 0, 2)
	)
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx, logger); err != nil {
				logger.Fatal().Err(err).Msg("migrations failed")
			}
		}
		repo = pg
		ready = pg.Ping
		closers = append(closers, pg.Close)
		logger.Info().Str("repository", "postgres").Msg("storage_ready")
	} else {
		repo = memory.NewSeeded(cfg.StoreID, logger)
		logger.Info().Str("repository", "memory").Msg("storage_ready")
	}

	var (
		catalogCache cache.CatalogCache = cache.NoopCatalogCache{}
		idempotency  cache.IdempotencyStore
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisCatalogCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, catalog cache and idempotency keys disabled")
			_ = client.Close()
		} else {
			catalogCache = redisCache
			idempotency = cache.NewRedisIdempotencyStore(client)
			closers = append(closers, client.Close)
			logger.Info().Str("cache", "redis").Msg("cache_ready")
		}
	}

	issuanceMetrics := obs.NewIssuanceMetrics(prometheus.DefaultRegisterer)
	issuer := invoice.NewIssuer(repo,
		invoice.WithRetry(cfg.IssuanceMaxAttempts, cfg.IssuanceBackoff),
		invoice.WithLogger(logger.With().Str("component", "issuer").Logger()),
		invoice.WithMetrics(issuanceMetrics),
	)
	svc := service.New(repo, issuer, cart.NewRegistry(cfg.CartIdleTTL), catalogCache, service.Options{
		DefaultStoreID:     cfg.StoreID,
		CatalogCacheTTL:    cfg.CatalogCacheTTL,
		CashierMaxDiscount: cfg.CashierMaxDiscountPercent,
		Logger:             logger,
		Metrics:            issuanceMetrics,
	})
	auth, err := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL, cfg.ManagerPIN, repo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("auth setup failed")
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        obs.NewHTTPMetrics(prometheus.DefaultRegisterer),
		MetricsHandler: promhttp.Handler(),
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Ready:          ready,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Str("env", cfg.AppEnv).Msg("server_listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}
	logger.Info().Msg("server stopped")
}

// validateSecurityConfig requires a strong signing secret. The manager PIN
// is optional; without it large cashier discounts cannot be approved.
func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ManagerPIN == "" {
		return nil
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "696969": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
