package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Chain      ChainConfig      `yaml:"chain" mapstructure:"chain"`
	Stripe     StripeConfig     `yaml:"stripe" mapstructure:"stripe"`
	Coinbase   CoinbaseConfig   `yaml:"coinbase" mapstructure:"coinbase"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend for sessions and the kv store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// SweepIntervalMins is how often expired kv entries are purged.
	SweepIntervalMins int `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
}

// ChainConfig configures on-chain payment verification.
type ChainConfig struct {
	RPCURL            string  `yaml:"rpc_url" mapstructure:"rpc_url"`
	ChainID           int64   `yaml:"chain_id" mapstructure:"chain_id"`
	Recipient         string  `yaml:"recipient" mapstructure:"recipient"`
	SlippageTolerance float64 `yaml:"slippage_tolerance" mapstructure:"slippage_tolerance"`
}

// StripeConfig holds Stripe webhook settings.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
}

// CoinbaseConfig holds Coinbase Commerce webhook settings.
type CoinbaseConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// PricingConfig holds tier prices and exchange-rate feed settings.
type PricingConfig struct {
	TiersUSD    map[string]float64 `yaml:"tiers_usd" mapstructure:"tiers_usd"`
	FeedURL     string             `yaml:"feed_url" mapstructure:"feed_url"`
	FeedTTLSecs int                `yaml:"feed_ttl_secs" mapstructure:"feed_ttl_secs"`
}

// GenerationConfig configures the analysis stage machine.
type GenerationConfig struct {
	StageTimeoutSecs int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
}

// LedgerConfig configures idempotency and replay protection.
type LedgerConfig struct {
	MaxAttempts             int `yaml:"max_attempts" mapstructure:"max_attempts"`
	WebhookReceiptTTLHours  int `yaml:"webhook_receipt_ttl_hours" mapstructure:"webhook_receipt_ttl_hours"`
	StuckClaimThresholdMins int `yaml:"stuck_claim_threshold_mins" mapstructure:"stuck_claim_threshold_mins"`
	StuckClaimScanMins      int `yaml:"stuck_claim_scan_mins" mapstructure:"stuck_claim_scan_mins"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the configuration required by the given run mode is
// present. Modes map to subcommands: "serve" needs the full stack, "admin"
// only the stores.
func (c *Config) Validate(mode string) error {
	var missing []string
	requireStore := func() {
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			missing = append(missing, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
	}

	switch mode {
	case "serve":
		requireStore()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
		if c.Chain.RPCURL == "" {
			missing = append(missing, "chain.rpc_url is required")
		}
		if c.Chain.Recipient == "" {
			missing = append(missing, "chain.recipient is required")
		}
		if c.Chain.SlippageTolerance < 0 || c.Chain.SlippageTolerance >= 1 {
			missing = append(missing, "chain.slippage_tolerance must be in [0, 1)")
		}
		if c.Stripe.WebhookSecret == "" {
			missing = append(missing, "stripe.webhook_secret is required")
		}
		if c.Coinbase.WebhookSecret == "" {
			missing = append(missing, "coinbase.webhook_secret is required")
		}
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		for _, tier := range []string{"basic", "standard", "full"} {
			if c.Pricing.TiersUSD[tier] <= 0 {
				missing = append(missing, "pricing.tiers_usd."+tier+" must be > 0")
			}
		}
	case "admin":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: invalid configuration:\n  - %s", strings.Join(missing, "\n  - "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FULFILLMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sweep_interval_mins", 10)
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.slippage_tolerance", 0.02)
	v.SetDefault("pricing.tiers_usd", map[string]float64{
		"basic":    40,
		"standard": 200,
		"full":     1000,
	})
	v.SetDefault("pricing.feed_url", "https://api.coinbase.com/v2/prices/ETH-USD/spot")
	v.SetDefault("pricing.feed_ttl_secs", 60)
	v.SetDefault("generation.stage_timeout_secs", 600)
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.webhook_receipt_ttl_hours", 72)
	v.SetDefault("ledger.stuck_claim_threshold_mins", 120)
	v.SetDefault("ledger.stuck_claim_scan_mins", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
