// Package config loads runtime configuration from YAML files and SYNTHEX_*
// environment variables via viper, with working defaults for every knob so a
// bare binary starts an in-memory exchange.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Environment string       `mapstructure:"environment"`
	LogLevel    string       `mapstructure:"log_level"`
	Server      ServerConfig `mapstructure:"server"`
	Store       StoreConfig  `mapstructure:"store"`
	Redis       RedisConfig  `mapstructure:"redis"`
	Kafka       KafkaConfig  `mapstructure:"kafka"`
	Oracle      OracleConfig `mapstructure:"oracle"`
	Trading     Trading      `mapstructure:"trading"`
	Instruments []Instrument `mapstructure:"instruments"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend. Driver is one of "memory",
// "sqlite" or "postgres".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
}

// OracleConfig points at the external price feed. An empty URL leaves the
// static oracle in place, driven by whatever prices operators push.
type OracleConfig struct {
	FeedURL   string        `mapstructure:"feed_url"`
	Staleness time.Duration `mapstructure:"staleness"`
}

type Instrument struct {
	Symbol      string `mapstructure:"symbol"`
	DisplayName string `mapstructure:"display_name"`
}

// Trading groups the risk and scheduling knobs of the core services.
type Trading struct {
	MarginRate           float64       `mapstructure:"margin_rate"`
	WarningThreshold     float64       `mapstructure:"warning_threshold"`
	DangerThreshold      float64       `mapstructure:"danger_threshold"`
	LiquidationInterval  time.Duration `mapstructure:"liquidation_interval"`
	FundingInterval      time.Duration `mapstructure:"funding_interval"`
	FundingDeviationW    float64       `mapstructure:"funding_deviation_weight"`
	FundingImbalanceW    float64       `mapstructure:"funding_imbalance_weight"`
	FundingMaxRate       float64       `mapstructure:"funding_max_rate"`
	TriggerInterval      time.Duration `mapstructure:"trigger_interval"`
	MakerEnabled         bool          `mapstructure:"maker_enabled"`
	MakerInterval        time.Duration `mapstructure:"maker_interval"`
	MakerLevels          int           `mapstructure:"maker_levels"`
	MakerBaseSpread      float64       `mapstructure:"maker_base_spread"`
	MakerLevelStep       float64       `mapstructure:"maker_level_step"`
	MakerQuoteSize       float64       `mapstructure:"maker_quote_size"`
	MakerInventoryCap    float64       `mapstructure:"maker_inventory_cap"`
	MakerFundingWeight   float64       `mapstructure:"maker_funding_weight"`
	MakerInitialDeposit  float64       `mapstructure:"maker_initial_deposit"`
}

// Load reads configuration from the named file (optional), then the
// environment, then defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNTHEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("synthex")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("oracle.feed_url", "")
	v.SetDefault("oracle.staleness", 30*time.Second)
	v.SetDefault("trading.margin_rate", 0.20)
	v.SetDefault("trading.warning_threshold", 0.50)
	v.SetDefault("trading.danger_threshold", 0.25)
	v.SetDefault("trading.liquidation_interval", time.Second)
	v.SetDefault("trading.funding_interval", time.Minute)
	v.SetDefault("trading.funding_deviation_weight", 0.5)
	v.SetDefault("trading.funding_imbalance_weight", 0.1)
	v.SetDefault("trading.funding_max_rate", 0.0075)
	v.SetDefault("trading.trigger_interval", 500*time.Millisecond)
	v.SetDefault("trading.maker_enabled", true)
	v.SetDefault("trading.maker_interval", 5*time.Second)
	v.SetDefault("trading.maker_levels", 3)
	v.SetDefault("trading.maker_base_spread", 0.002)
	v.SetDefault("trading.maker_level_step", 0.001)
	v.SetDefault("trading.maker_quote_size", 1.0)
	v.SetDefault("trading.maker_inventory_cap", 50.0)
	v.SetDefault("trading.maker_funding_weight", 2.0)
	v.SetDefault("trading.maker_initial_deposit", 1_000_000.0)
	v.SetDefault("instruments", []map[string]any{
		{"symbol": "BTC-PERP", "display_name": "Bitcoin Perpetual"},
		{"symbol": "ETH-PERP", "display_name": "Ether Perpetual"},
	})
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if cfg.Trading.MarginRate <= 0 || cfg.Trading.MarginRate > 1 {
		return fmt.Errorf("trading.margin_rate must be in (0, 1], got %v", cfg.Trading.MarginRate)
	}
	if cfg.Trading.DangerThreshold >= cfg.Trading.WarningThreshold {
		return fmt.Errorf("trading.danger_threshold must be below trading.warning_threshold")
	}
	if len(cfg.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	return nil
}
