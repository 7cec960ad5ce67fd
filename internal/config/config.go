package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	JWTIssuer   string
	JWTTTL      time.Duration
	CORSOrigins []string
	LogLevel    string

	Gateway    GatewayConfig
	Webhook    WebhookConfig
	Generation GenerationConfig
	Reconcile  ReconcileConfig

	RefundPolicy string
	TopUpAmounts []int64
}

// GatewayConfig is the payment gateway account.
type GatewayConfig struct {
	BaseURL    string
	ShopID     string
	SecretKey  string
	Currency   string
	ReturnURL  string
	Timeout    time.Duration
	MaxRetries int
}

// WebhookConfig controls how much an inbound notification is trusted.
type WebhookConfig struct {
	Secret            string
	VerifyWithGateway bool
}

// GenerationConfig is the paid provider and its price.
type GenerationConfig struct {
	Cost        int64
	ProviderURL string
	ProviderKey string
	Timeout     time.Duration
}

// ReconcileConfig tunes the polling reconciler.
type ReconcileConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Workers   int
}

// Requirement selects which settings a caller cannot run without.
type Requirement int

const (
	RequireDatabase Requirement = 1 << iota
	RequireJWT

	RequireAll = RequireDatabase | RequireJWT
)

// Load reads configuration from the environment and performs minimal validation.
func Load() (Config, error) {
	return LoadWith(RequireAll)
}

// LoadWith is Load for tools that only need part of the configuration; only
// the settings named by req are mandatory.
func LoadWith(req Requirement) (Config, error) {
	cfg := Config{
		Port:        fallback(os.Getenv("PORT"), "8080"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer:   fallback(os.Getenv("JWT_ISSUER"), "credit-ledger"),
		JWTTTL:      minutes("JWT_TTL_MINUTES", 60),
		CORSOrigins: parseCSV(fallback(os.Getenv("CORS_ALLOWED_ORIGINS"), "*")),
		LogLevel:    fallback(os.Getenv("LOG_LEVEL"), "info"),
		Gateway: GatewayConfig{
			BaseURL:    fallback(os.Getenv("GATEWAY_BASE_URL"), "https://api.yookassa.ru/v3"),
			ShopID:     strings.TrimSpace(os.Getenv("GATEWAY_SHOP_ID")),
			SecretKey:  strings.TrimSpace(os.Getenv("GATEWAY_SECRET_KEY")),
			Currency:   strings.ToUpper(fallback(os.Getenv("GATEWAY_CURRENCY"), "RUB")),
			ReturnURL:  strings.TrimSpace(os.Getenv("GATEWAY_RETURN_URL")),
			Timeout:    seconds("GATEWAY_TIMEOUT_SECONDS", 10),
			MaxRetries: intValue("GATEWAY_MAX_RETRIES", 3),
		},
		Webhook: WebhookConfig{
			Secret:            strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")),
			VerifyWithGateway: boolValue("WEBHOOK_VERIFY_WITH_GATEWAY", true),
		},
		Generation: GenerationConfig{
			Cost:        int64(intValue("GENERATION_COST", 75)),
			ProviderURL: strings.TrimSpace(os.Getenv("GENERATION_PROVIDER_URL")),
			ProviderKey: strings.TrimSpace(os.Getenv("GENERATION_PROVIDER_KEY")),
			Timeout:     seconds("GENERATION_TIMEOUT_SECONDS", 120),
		},
		Reconcile: ReconcileConfig{
			Interval:  seconds("RECONCILE_INTERVAL_SECONDS", 300),
			MinAge:    seconds("RECONCILE_MIN_AGE_SECONDS", 300),
			BatchSize: intValue("RECONCILE_BATCH_SIZE", 50),
			Workers:   intValue("RECONCILE_WORKERS", 5),
		},
		RefundPolicy: fallback(os.Getenv("REFUND_POLICY"), "all"),
	}

	amounts, err := parseAmounts(fallback(os.Getenv("TOPUP_AMOUNTS"), "300,750,1500,3000,7500,15000"))
	if err != nil {
		return Config{}, err
	}
	cfg.TopUpAmounts = amounts

	if req&RequireDatabase != 0 && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if req&RequireJWT != 0 && cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.Generation.Cost <= 0 {
		return Config{}, errors.New("GENERATION_COST must be positive")
	}

	return cfg, nil
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func intValue(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n >= 0 {
		return n
	}
	return def
}

func boolValue(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return b
	}
	return def
}

func seconds(key string, def int) time.Duration {
	n := intValue(key, def)
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func minutes(key string, def int) time.Duration {
	n := intValue(key, def)
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Minute
}

func parseAmounts(input string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("TOPUP_AMOUNTS: invalid amount %q", trimmed)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("TOPUP_AMOUNTS must list at least one amount")
	}
	return out, nil
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
