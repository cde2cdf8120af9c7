package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

type Config struct {
	AppEnv         string
	Port           string
	AllowedOrigins []string
	DatabaseURL    string
	AutoMigrate    bool

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	StoreID         string
	CatalogCacheTTL time.Duration
	IdempotencyTTL  time.Duration

	AuthSecret                string
	AccessTokenTTL            time.Duration
	ManagerPIN                string
	CashierMaxDiscountPercent decimal.Decimal

	IssuanceMaxAttempts int
	IssuanceBackoff     time.Duration
	CartIdleTTL         time.Duration

	LogFormat string
	LogLevel  string
}

// Load reads the process environment, after merging an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	maxDiscount, err := decimal.NewFromString(valueOrDefault(k.String("CASHIER_MAX_DISCOUNT_PERCENT"), "20"))
	if err != nil || maxDiscount.IsNegative() || maxDiscount.GreaterThan(decimal.NewFromInt(100)) {
		return Config{}, errors.New("CASHIER_MAX_DISCOUNT_PERCENT must be a number between 0 and 100")
	}

	cfg := Config{
		AppEnv:         strings.ToLower(valueOrDefault(k.String("APP_ENV"), "development")),
		Port:           valueOrDefault(k.String("PORT"), "8080"),
		AllowedOrigins: splitAndTrim(valueOrDefault(k.String("ALLOWED_ORIGINS"), "http://127.0.0.1:3000")),
		DatabaseURL:    strings.TrimSpace(k.String("DATABASE_URL")),
		AutoMigrate:    parseBool(k.String("AUTO_MIGRATE"), false),

		RedisAddr:       strings.TrimSpace(k.String("REDIS_ADDR")),
		RedisPassword:   k.String("REDIS_PASSWORD"),
		RedisDB:         parseInt(k.String("REDIS_DB"), 0, 0),
		StoreID:         valueOrDefault(k.String("DEFAULT_STORE_ID"), "main-store"),
		CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "30s"),
		IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),

		AuthSecret:                strings.TrimSpace(k.String("AUTH_SECRET")),
		AccessTokenTTL:            parseDuration(k.String("ACCESS_TOKEN_TTL"), "8h"),
		ManagerPIN:                strings.TrimSpace(k.String("MANAGER_PIN")),
		CashierMaxDiscountPercent: maxDiscount,

		IssuanceMaxAttempts: parseInt(k.String("ISSUANCE_MAX_ATTEMPTS"), 3, 1),
		IssuanceBackoff:     parseDuration(k.String("ISSUANCE_BACKOFF"), "25ms"),
		CartIdleTTL:         parseDuration(k.String("CART_IDLE_TTL"), "12h"),

		LogFormat: valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("LOG_LEVEL"), "info"),
	}
	return cfg, nil
}

func (c Config) Address() string {
	port := strings.TrimSpace(c.Port)
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// parseInt falls back when value is not an integer or is below min.
func parseInt(value string, fallback, min int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < min {
		return fallback
	}
	return n
}
