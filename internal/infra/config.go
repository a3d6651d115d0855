package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"relaybot/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
// Secrets can be overridden through environment variables after load.
type Config struct {
	App struct {
		Name   string `yaml:"name"`
		Symbol string `yaml:"symbol"` // monitored symbol for telemetry, e.g. BTCUSDT
	} `yaml:"app"`

	Server struct {
		Addr       string `yaml:"addr"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"server"`

	Binance struct {
		RestURL   string `yaml:"rest_url"`
		WSURL     string `yaml:"ws_url"`
		APIKey    string `yaml:"api_key"`
		SecretKey string `yaml:"secret_key"`
		Testnet   bool   `yaml:"testnet"`
	} `yaml:"binance"`

	Trading struct {
		MinNotional      decimal.Decimal `yaml:"min_notional"`      // skip threshold in quote units
		DustFactor       decimal.Decimal `yaml:"dust_factor"`       // residual/sold ratio treated as zero
		SlippagePercent  decimal.Decimal `yaml:"slippage_percent"`  // limit price adjustment, 0 disables
		DefaultOrderType string          `yaml:"default_order_type"`
	} `yaml:"trading"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Refresh struct {
		IntervalSec    int `yaml:"interval_sec"`
		TelemetryEvery int `yaml:"telemetry_every"` // publish telemetry every Nth iteration
	} `yaml:"refresh"`

	Queue struct {
		RetryDelaySec int `yaml:"retry_delay_sec"`
	} `yaml:"queue"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides for secrets, fills defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Trading.MinNotional.IsZero() {
		c.Trading.MinNotional = decimal.NewFromInt(10)
	}
	if c.Trading.DustFactor.IsZero() {
		c.Trading.DustFactor = decimal.NewFromFloat(0.01)
	}
	if c.Trading.DefaultOrderType == "" {
		c.Trading.DefaultOrderType = "MARKET"
	}
	if c.Refresh.IntervalSec <= 0 {
		c.Refresh.IntervalSec = 10
	}
	if c.Refresh.TelemetryEvery <= 0 {
		c.Refresh.TelemetryEvery = 4
	}
	if c.Queue.RetryDelaySec <= 0 {
		c.Queue.RetryDelaySec = 5
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/relaybot.db"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Passphrase == "" {
		return fmt.Errorf("webhook passphrase is required")
	}
	if c.App.Symbol == "" {
		return fmt.Errorf("monitored symbol is required")
	}
	if c.Binance.RestURL != "" && !strings.HasPrefix(c.Binance.RestURL, "http") {
		return fmt.Errorf("invalid Binance REST URL: %s", c.Binance.RestURL)
	}
	if c.Binance.WSURL != "" && !strings.HasPrefix(c.Binance.WSURL, "ws") {
		return fmt.Errorf("invalid Binance WS URL: %s", c.Binance.WSURL)
	}
	if c.Trading.MinNotional.IsNegative() {
		return fmt.Errorf("min notional must not be negative")
	}
	if c.Trading.DustFactor.IsNegative() || c.Trading.DustFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("dust factor must be within [0, 1]")
	}
	return nil
}

// RefreshInterval returns the refresher period as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalSec) * time.Second
}

// QueueRetryDelay returns the write queue back-off as a duration.
func (c *Config) QueueRetryDelay() time.Duration {
	return time.Duration(c.Queue.RetryDelaySec) * time.Second
}

// overrideWithEnv applies environment variables over file values when set.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("RELAY_BINANCE_API_KEY"); key != "" {
		cfg.Binance.APIKey = key
	}
	if secret := os.Getenv("RELAY_BINANCE_SECRET_KEY"); secret != "" {
		cfg.Binance.SecretKey = secret
	}
	if pass := os.Getenv("RELAY_WEBHOOK_PASSPHRASE"); pass != "" {
		cfg.Server.Passphrase = pass
	}
}
