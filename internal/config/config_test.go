package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("DB_USER", "market")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_NAME", "market")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ModeEscrow, cfg.Escrow.Mode)
	assert.Equal(t, PolicyDefer, cfg.Escrow.ListingPolicy)
	assert.Equal(t, "0.05", cfg.Escrow.FeeRate.String())
	assert.Equal(t, 24*time.Hour, cfg.Escrow.VerificationWindow)
	assert.Equal(t, "sandbox", cfg.Processor.Kind)
	assert.True(t, cfg.DevMode())
}

func TestLoadNormalizes(t *testing.T) {
	setRequired(t)
	t.Setenv("SETTLEMENT_MODE", "DIRECT")
	t.Setenv("LISTING_POLICY", "Block")
	t.Setenv("CURRENCY", " EUR ")
	t.Setenv("PLATFORM_FEE_RATE", "0.1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, cfg.Escrow.Mode)
	assert.Equal(t, PolicyBlock, cfg.Escrow.ListingPolicy)
	assert.Equal(t, "eur", cfg.Escrow.Currency)
	assert.Equal(t, "0.1", cfg.Escrow.FeeRate.String())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct{ key, val string }{
		{"PLATFORM_FEE_RATE", "1"},
		{"PLATFORM_FEE_RATE", "-0.01"},
		{"PLATFORM_FEE_RATE", "five percent"},
		{"SETTLEMENT_MODE", "instant"},
		{"LISTING_POLICY", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadProcessorOutsideDev(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	assert.ErrorContains(t, err, "PROCESSOR_WEBHOOK_SECRET")

	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "whsec_live")
	t.Setenv("PROCESSOR", "stripe")
	_, err = Load()
	assert.ErrorContains(t, err, "STRIPE_SECRET_KEY")

	t.Setenv("STRIPE_SECRET_KEY", "sk_live_x")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Processor.Kind)
}

func TestLoadProcessorDevDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PROCESSOR", "Stripe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Processor.Kind)

	t.Setenv("PROCESSOR", "paypal")
	_, err = Load()
	assert.Error(t, err)
}

func TestRateLimitClamp(t *testing.T) {
	c := RateLimitConfig{Capacity: 0, RefillTokens: -1, RefillInterval: 2 * time.Second, TTL: time.Second}.clamp()
	assert.Equal(t, 1, c.Capacity)
	assert.Equal(t, 1, c.RefillTokens)
	assert.Equal(t, 10*time.Second, c.TTL)
}

func TestParseMethods(t *testing.T) {
	assert.Equal(t, map[string]bool{"GET": true, "HEAD": true}, parseMethods(" get, head ,"))
}
