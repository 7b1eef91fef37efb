package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Store.SweepIntervalMins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1), cfg.Chain.ChainID)
	assert.InDelta(t, 0.02, cfg.Chain.SlippageTolerance, 0.001)
	assert.InDelta(t, 40, cfg.Pricing.TiersUSD["basic"], 0.001)
	assert.InDelta(t, 200, cfg.Pricing.TiersUSD["standard"], 0.001)
	assert.InDelta(t, 1000, cfg.Pricing.TiersUSD["full"], 0.001)
	assert.Equal(t, 60, cfg.Pricing.FeedTTLSecs)
	assert.Equal(t, 600, cfg.Generation.StageTimeoutSecs)
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 72, cfg.Ledger.WebhookReceiptTTLHours)
	assert.Equal(t, 120, cfg.Ledger.StuckClaimThresholdMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: fulfillment.db
log:
  level: debug
  format: console
server:
  port: 9090
ledger:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	// Defaults still apply for unset values
	assert.Equal(t, 72, cfg.Ledger.WebhookReceiptTTLHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FULFILLMENT_STORE_DRIVER", "postgres")
	t.Setenv("FULFILLMENT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("FULFILLMENT_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validServe returns a Config that passes serve-mode validation.
func validServe() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "fulfillment.db"},
		Chain: ChainConfig{
			RPCURL:            "https://eth.example.com",
			ChainID:           1,
			Recipient:         "0x1111111111111111111111111111111111111111",
			SlippageTolerance: 0.02,
		},
		Stripe:    StripeConfig{WebhookSecret: "whsec_x"},
		Coinbase:  CoinbaseConfig{WebhookSecret: "cb_secret"},
		Anthropic: AnthropicConfig{Key: "sk-ant-key"},
		Pricing: PricingConfig{
			TiersUSD: map[string]float64{"basic": 40, "standard": 200, "full": 1000},
		},
		Server: ServerConfig{Port: 8080},
	}
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validServe().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 8080}}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "chain.rpc_url is required")
	assert.Contains(t, err.Error(), "stripe.webhook_secret is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "pricing.tiers_usd.full must be > 0")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validServe()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_SlippageOutOfRange(t *testing.T) {
	cfg := validServe()
	cfg.Chain.SlippageTolerance = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slippage_tolerance")
}

func TestValidateAdmin(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "sqlite", DatabaseURL: "fulfillment.db"}}
	assert.NoError(t, cfg.Validate("admin"))

	cfg.Store.DatabaseURL = ""
	assert.Error(t, cfg.Validate("admin"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validServe().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
