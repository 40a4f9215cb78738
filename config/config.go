package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perpflow/internal/model"
)

// Duration wraps time.Duration so yaml values can use Go duration
// strings ("8h", "30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Perpflow PerpflowConfig `yaml:"perpflow"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Channels ChannelsConfig `yaml:"channels"`
	Markets  []MarketConfig `yaml:"markets"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	Journal  JournalConfig  `yaml:"journal"`
	Storage  StorageConfig  `yaml:"storage"`
}

type PerpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

type ChannelsConfig struct {
	QuoteBuffer   int `yaml:"quote_buffer"`
	JournalBuffer int `yaml:"journal_buffer"`
}

// MarketConfig carries the per-market risk parameters. Ratios and rates
// are plain decimals in the yaml (0.05 = 5%).
type MarketConfig struct {
	Symbol     string `yaml:"symbol"`
	QuoteAsset string `yaml:"quote_asset"`
	Authority  string `yaml:"authority"`

	FundingInterval    Duration `yaml:"funding_interval"`
	BaseFundingRate    float64  `yaml:"base_funding_rate"`
	FundingSensitivity float64  `yaml:"funding_sensitivity"`
	MaxFundingRate     float64  `yaml:"max_funding_rate"`

	InitialMarginRatio     float64 `yaml:"initial_margin_ratio"`
	MaintenanceMarginRatio float64 `yaml:"maintenance_margin_ratio"`

	StartingDiscount     float64 `yaml:"starting_discount"`
	DiscountGrowthPerSec float64 `yaml:"discount_growth_per_sec"`
	MaxDiscount          float64 `yaml:"max_discount"`
	LiquidationFeeShare  float64 `yaml:"liquidation_fee_share"`

	PriceMaxAge Duration `yaml:"price_max_age"`
}

// Params converts the yaml numbers into the engine's decimal params.
func (mc MarketConfig) Params() model.MarketParams {
	return model.MarketParams{
		FundingInterval:        mc.FundingInterval.Std(),
		BaseFundingRate:        decimal.NewFromFloat(mc.BaseFundingRate),
		FundingSensitivity:     decimal.NewFromFloat(mc.FundingSensitivity),
		MaxFundingRate:         decimal.NewFromFloat(mc.MaxFundingRate),
		InitialMarginRatio:     decimal.NewFromFloat(mc.InitialMarginRatio),
		MaintenanceMarginRatio: decimal.NewFromFloat(mc.MaintenanceMarginRatio),
		StartingDiscount:       decimal.NewFromFloat(mc.StartingDiscount),
		DiscountGrowthPerSec:   decimal.NewFromFloat(mc.DiscountGrowthPerSec),
		MaxDiscount:            decimal.NewFromFloat(mc.MaxDiscount),
		LiquidationFeeShare:    decimal.NewFromFloat(mc.LiquidationFeeShare),
		PriceMaxAge:            mc.PriceMaxAge.Std(),
	}
}

type OracleConfig struct {
	// Source selects the quote transport: "websocket" streams mark
	// prices, "rest" polls the premium index.
	Source         string   `yaml:"source"`
	URL            string   `yaml:"url"`
	Symbols        []string `yaml:"symbols"`
	PollInterval   Duration `yaml:"poll_interval"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	// RequestsPerSecond bounds REST polling across all symbols.
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type KeeperConfig struct {
	Workers int `yaml:"workers"`
	// ScansPerSecond bounds liquidation and bracket sweeps; funding
	// refreshes run on every quote since mid-interval calls are no-ops.
	ScansPerSecond int `yaml:"scans_per_second"`
	BurstSize      int `yaml:"burst_size"`
}

type JournalConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Dir           string   `yaml:"dir"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			QuoteBuffer:   1024,
			JournalBuffer: 4096,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available.
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Perpflow.Name == "" {
		return fmt.Errorf("perpflow.name is required")
	}
	if cfg.Perpflow.Version == "" {
		return fmt.Errorf("perpflow.version is required")
	}

	if cfg.Channels.QuoteBuffer <= 0 {
		return fmt.Errorf("channels.quote_buffer must be greater than 0")
	}
	if cfg.Channels.JournalBuffer <= 0 {
		return fmt.Errorf("channels.journal_buffer must be greater than 0")
	}

	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	seen := make(map[string]bool, len(cfg.Markets))
	for _, m := range cfg.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("markets[].symbol is required")
		}
		if seen[m.Symbol] {
			return fmt.Errorf("duplicate market symbol %q", m.Symbol)
		}
		seen[m.Symbol] = true
		if m.QuoteAsset == "" {
			return fmt.Errorf("market %s: quote_asset is required", m.Symbol)
		}
		if m.Authority == "" {
			return fmt.Errorf("market %s: authority is required", m.Symbol)
		}
		if m.FundingInterval.Std() <= 0 {
			return fmt.Errorf("market %s: funding_interval must be greater than 0", m.Symbol)
		}
		if m.InitialMarginRatio <= 0 || m.MaintenanceMarginRatio <= 0 {
			return fmt.Errorf("market %s: margin ratios must be greater than 0", m.Symbol)
		}
		if m.MaintenanceMarginRatio >= m.InitialMarginRatio {
			return fmt.Errorf("market %s: maintenance_margin_ratio must be below initial_margin_ratio", m.Symbol)
		}
		if m.MaxDiscount < m.StartingDiscount {
			return fmt.Errorf("market %s: max_discount must be at least starting_discount", m.Symbol)
		}
		if m.LiquidationFeeShare < 0 || m.LiquidationFeeShare >= 1 {
			return fmt.Errorf("market %s: liquidation_fee_share must be in [0, 1)", m.Symbol)
		}
		if m.PriceMaxAge.Std() <= 0 {
			return fmt.Errorf("market %s: price_max_age must be greater than 0", m.Symbol)
		}
	}

	switch cfg.Oracle.Source {
	case "", "websocket", "rest":
	default:
		return fmt.Errorf("oracle.source must be websocket or rest")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.BatchSize <= 0 {
			return fmt.Errorf("journal.batch_size must be greater than 0")
		}
		if cfg.Journal.FlushInterval.Std() <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0")
		}
		if !cfg.Storage.S3.Enabled && cfg.Journal.Dir == "" {
			return fmt.Errorf("journal.dir is required when S3 is disabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
