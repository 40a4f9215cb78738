package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), "config-*.yml")
	if err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	if _, err := file.WriteString(contents); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("failed to close temp config: %v", err)
	}
	return file.Name()
}

const validConfig = `
perpflow:
  name: perpflow
  version: 1.0.0

logging:
  level: info
  format: json
  output: stdout

channels:
  quote_buffer: 256
  journal_buffer: 512

markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    base_funding_rate: 0.0001
    funding_sensitivity: 0.03
    max_funding_rate: 0.0075
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    starting_discount: 0.02
    discount_growth_per_sec: 0.0001
    max_discount: 0.1
    liquidation_fee_share: 0.2
    price_max_age: 30s

oracle:
  source: websocket
  url: wss://fstream.binance.com/ws
  symbols: [BTCUSDT]
  reconnect_delay: 5s

keeper:
  workers: 2
  scans_per_second: 4
  burst_size: 2

journal:
  enabled: true
  dir: /tmp/perpflow-journal
  batch_size: 100
  flush_interval: 10s
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTempConfig(t, validConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Perpflow.Name != "perpflow" {
		t.Errorf("unexpected name %q", cfg.Perpflow.Name)
	}
	if len(cfg.Markets) != 1 {
		t.Fatalf("expected 1 market, got %d", len(cfg.Markets))
	}

	m := cfg.Markets[0]
	if m.FundingInterval.Std() != 8*time.Hour {
		t.Errorf("funding_interval = %v, want 8h", m.FundingInterval.Std())
	}
	if m.PriceMaxAge.Std() != 30*time.Second {
		t.Errorf("price_max_age = %v, want 30s", m.PriceMaxAge.Std())
	}

	params := m.Params()
	if params.MaintenanceMarginRatio.GreaterThanOrEqual(params.InitialMarginRatio) {
		t.Errorf("maintenance ratio %s not below initial %s",
			params.MaintenanceMarginRatio, params.InitialMarginRatio)
	}
	if !params.MaxFundingRate.Equal(decimal.NewFromFloat(0.0075)) {
		t.Errorf("max funding rate = %s, want 0.0075", params.MaxFundingRate)
	}
}

func TestLoadConfigDefaultsChannelBuffers(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: ETHUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 1h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
`))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Channels.QuoteBuffer != 1024 {
		t.Errorf("quote_buffer default = %d, want 1024", cfg.Channels.QuoteBuffer)
	}
	if cfg.Channels.JournalBuffer != 4096 {
		t.Errorf("journal_buffer default = %d, want 4096", cfg.Channels.JournalBuffer)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name     string
		mutation string
	}{
		{
			name: "missing name",
			mutation: `
perpflow:
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
`,
		},
		{
			name: "no markets",
			mutation: `
perpflow:
  name: perpflow
  version: 1.0.0
markets: []
`,
		},
		{
			name: "maintenance above initial",
			mutation: `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.05
    maintenance_margin_ratio: 0.1
    max_discount: 0.1
    price_max_age: 30s
`,
		},
		{
			name: "duplicate symbols",
			mutation: `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
`,
		},
		{
			name: "bad oracle source",
			mutation: `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
oracle:
  source: carrier-pigeon
`,
		},
		{
			name: "journal enabled without sink",
			mutation: `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: 8h
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
journal:
  enabled: true
  batch_size: 100
  flush_interval: 10s
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeTempConfig(t, tc.mutation)); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	_, err := LoadConfig(writeTempConfig(t, `
perpflow:
  name: perpflow
  version: 1.0.0
markets:
  - symbol: BTCUSDT
    quote_asset: USDT
    authority: ops
    funding_interval: eight hours
    initial_margin_ratio: 0.1
    maintenance_margin_ratio: 0.05
    max_discount: 0.1
    price_max_age: 30s
`))
	if err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	if got := ResolveConfigPath(""); got != "config/config.production.yml" {
		t.Errorf("ResolveConfigPath(\"\") = %q", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("ResolveConfigPath(custom) = %q", got)
	}

	t.Setenv(appEnvVar, "")
	if got := ResolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("ResolveConfigPath default = %q", got)
	}
}
