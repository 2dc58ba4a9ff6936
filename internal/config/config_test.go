package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Engine.RefundDelay)
	assert.Equal(t, cfg.Engine.Owner, cfg.Engine.TokenOwner)
	assert.Equal(t, cfg.Orchestrator.Provider, cfg.Attestation.Attester)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessionpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
engine:
  refund_delay: 30m
orchestrator:
  chain_id: 1
price_feed:
  pairs: ["ETH/USD", "USDC/USD"]
`), 0o600))

	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example; https://b.example")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr, "environment wins over file")
	assert.Equal(t, 30*time.Minute, cfg.Engine.RefundDelay)
	assert.Equal(t, uint64(1), cfg.Orchestrator.ChainID)
	assert.Equal(t, []string{"ETH/USD", "USDC/USD"}, cfg.PriceFeed.Pairs)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unterminated"), 0o600))
	_, err = LoadFile(bad)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":        func(c *Config) { c.Server.Addr = "" },
		"bad owner":         func(c *Config) { c.Engine.Owner = "0x12" },
		"bad provider":      func(c *Config) { c.Orchestrator.Provider = "nope" },
		"refund too long":   func(c *Config) { c.Engine.RefundDelay = MaxRefundDelay + time.Second },
		"negative delay":    func(c *Config) { c.Engine.RefundDelay = -time.Second },
		"bad schema":        func(c *Config) { c.Orchestrator.SchemaUID = "0x1234" },
		"short secret":      func(c *Config) { c.Auth.JWTSecret = "short" },
		"negative rate":     func(c *Config) { c.RateLimit.Burst = -1 },
		"negative attempts": func(c *Config) { c.Orchestrator.RetryAttempts = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.normalize()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.normalize()
	cfg.Engine.RefundDelay = MaxRefundDelay
	cfg.Auth.JWTSecret = "0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}
