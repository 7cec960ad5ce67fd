package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TOPUP_AMOUNTS", "")
	t.Setenv("GENERATION_COST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddress())
	assert.Equal(t, time.Hour, cfg.JWTTTL)
	assert.Equal(t, []int64{300, 750, 1500, 3000, 7500, 15000}, cfg.TopUpAmounts)
	assert.Equal(t, int64(75), cfg.Generation.Cost)
	assert.Equal(t, "RUB", cfg.Gateway.Currency)
	assert.True(t, cfg.Webhook.VerifyWithGateway)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, "all", cfg.RefundPolicy)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("TOPUP_AMOUNTS", "100, 200")
	t.Setenv("GATEWAY_CURRENCY", "eur")
	t.Setenv("WEBHOOK_VERIFY_WITH_GATEWAY", "false")
	t.Setenv("RECONCILE_WORKERS", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, []int64{100, 200}, cfg.TopUpAmounts)
	assert.Equal(t, "EUR", cfg.Gateway.Currency)
	assert.False(t, cfg.Webhook.VerifyWithGateway)
	assert.Equal(t, 8, cfg.Reconcile.Workers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	_, err := Load()
	assert.EqualError(t, err, "DATABASE_URL is required")

	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("TOPUP_AMOUNTS", "300,abc")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadWithOnlyRequiresWhatIsAsked(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadWith(RequireDatabase)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/ledger", cfg.DatabaseURL)

	_, err = Load()
	assert.EqualError(t, err, "JWT_SECRET is required")

	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	_, err = LoadWith(RequireJWT)
	assert.NoError(t, err)
	_, err = LoadWith(RequireDatabase)
	assert.EqualError(t, err, "DATABASE_URL is required")
}
