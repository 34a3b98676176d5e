package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Exchange string

type Strategy string

const (
	ExchangeKraken Exchange = "kraken"
)

const (
	// StrategyGridHODL accumulates base currency by selling slightly less
	// than was bought per grid step.
	StrategyGridHODL Strategy = "grid_hodl"
	// StrategyGridSell sells exactly the bought volume, taking profit in
	// quote currency.
	StrategyGridSell Strategy = "grid_sell"
	// StrategySwing is GridHODL plus an extra sell above the highest buy.
	StrategySwing Strategy = "swing"
	// StrategyCDCA never sells; pure cost averaging.
	StrategyCDCA Strategy = "cdca"
)

type Config struct {
	Name          string        `yaml:"name"`
	Exchange      Exchange      `yaml:"exchange"`
	Strategy      Strategy      `yaml:"strategy"`
	Userref       int64         `yaml:"userref"`
	BaseCurrency  string        `yaml:"base_currency"`
	QuoteCurrency string        `yaml:"quote_currency"`
	Grid          GridConfig    `yaml:"grid"`
	API           APIConfig     `yaml:"api"`
	Database      DBConfig      `yaml:"database"`
	Telegram      TelegramConfig `yaml:"telegram"`
	DryRun        bool          `yaml:"dry_run"`
	// SkipPriceTimeout disables the 600s no-ticker watchdog.
	SkipPriceTimeout bool `yaml:"skip_price_timeout"`
}

type GridConfig struct {
	AmountPerGrid  Decimal `yaml:"amount_per_grid"`
	Interval       Decimal `yaml:"interval"`
	NOpenBuyOrders int     `yaml:"n_open_buy_orders"`
	MaxInvestment  Decimal `yaml:"max_investment"`
	// Fee overrides the maker fee taken from the asset pair when set.
	Fee *Decimal `yaml:"fee"`
	// TrailingStopProfit enables the TSP sub-strategy when > 0.
	TrailingStopProfit Decimal `yaml:"trailing_stop_profit"`
}

type APIConfig struct {
	PublicKey      string `yaml:"public_key"`
	SecretKey      string `yaml:"secret_key"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	WSAuthBaseURL  string `yaml:"ws_auth_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Exchange = Exchange(strings.ToLower(strings.TrimSpace(string(c.Exchange))))
	c.Strategy = Strategy(strings.ToLower(strings.TrimSpace(string(c.Strategy))))
	c.BaseCurrency = strings.ToUpper(strings.TrimSpace(c.BaseCurrency))
	c.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.QuoteCurrency))
	c.API.PublicKey = strings.TrimSpace(c.API.PublicKey)
	c.API.SecretKey = strings.TrimSpace(c.API.SecretKey)
	c.API.RestBaseURL = strings.TrimSpace(c.API.RestBaseURL)
	c.API.WSBaseURL = strings.TrimSpace(c.API.WSBaseURL)
	c.API.WSAuthBaseURL = strings.TrimSpace(c.API.WSAuthBaseURL)
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	c.Telegram.BotToken = strings.TrimSpace(c.Telegram.BotToken)
}

func (c *Config) applyDefaults() {
	if c.Exchange == "" {
		c.Exchange = ExchangeKraken
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s %s/%s", c.Strategy, c.BaseCurrency, c.QuoteCurrency)
	}
	if c.Grid.NOpenBuyOrders == 0 {
		c.Grid.NOpenBuyOrders = 5
	}
	if c.API.HTTPTimeoutSec == 0 {
		c.API.HTTPTimeoutSec = 15
	}
	if c.API.RestBaseURL == "" {
		c.API.RestBaseURL = "https://api.kraken.com"
	}
	if c.API.WSBaseURL == "" {
		c.API.WSBaseURL = "wss://ws.kraken.com/v2"
	}
	if c.API.WSAuthBaseURL == "" {
		c.API.WSAuthBaseURL = "wss://ws-auth.kraken.com/v2"
	}
	if c.Database.Path == "" {
		c.Database.Path = "gridbot.db"
	}
}

func (c Config) Validate() error {
	if c.Exchange != ExchangeKraken {
		return fmt.Errorf("unsupported exchange %q", c.Exchange)
	}
	switch c.Strategy {
	case StrategyGridHODL, StrategyGridSell, StrategySwing, StrategyCDCA:
	default:
		return fmt.Errorf("strategy must be one of grid_hodl, grid_sell, swing, cdca")
	}
	if c.Userref <= 0 {
		return fmt.Errorf("userref must be > 0")
	}
	if c.BaseCurrency == "" || c.QuoteCurrency == "" {
		return fmt.Errorf("base_currency and quote_currency are required")
	}
	if c.Grid.AmountPerGrid.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid amount_per_grid must be > 0")
	}
	if c.Grid.Interval.Cmp(decimal.Zero) <= 0 || c.Grid.Interval.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("grid interval must be in (0, 1)")
	}
	if c.Grid.NOpenBuyOrders < 1 {
		return fmt.Errorf("grid n_open_buy_orders must be >= 1")
	}
	if c.Grid.MaxInvestment.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid max_investment must be > 0")
	}
	if c.Grid.Fee != nil && (c.Grid.Fee.Cmp(decimal.Zero) < 0 || c.Grid.Fee.Cmp(decimal.NewFromInt(1)) >= 0) {
		return fmt.Errorf("grid fee must be in [0, 1)")
	}
	if c.Grid.TrailingStopProfit.Cmp(decimal.Zero) < 0 || c.Grid.TrailingStopProfit.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("grid trailing_stop_profit must be in [0, 1)")
	}
	if c.Strategy == StrategyCDCA && c.Grid.TrailingStopProfit.Cmp(decimal.Zero) > 0 {
		return fmt.Errorf("trailing_stop_profit is not supported for the cdca strategy")
	}
	if !c.DryRun {
		if c.API.PublicKey == "" || c.API.SecretKey == "" {
			return fmt.Errorf("api public_key/secret_key are required")
		}
	}
	if c.API.HTTPTimeoutSec < 1 || c.API.HTTPTimeoutSec > 120 {
		return fmt.Errorf("api http_timeout_sec must be between 1 and 120")
	}
	if err := validateURL(c.API.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api rest_base_url %v", err)
	}
	if err := validateURL(c.API.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("api ws_base_url %v", err)
	}
	if err := validateURL(c.API.WSAuthBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("api ws_auth_base_url %v", err)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot_token is required when telegram enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram chat_id is required when telegram enabled")
		}
	}
	return nil
}

// TSPEnabled reports whether the trailing-stop-profit sub-strategy is on.
func (c Config) TSPEnabled() bool {
	return c.Grid.TrailingStopProfit.Cmp(decimal.Zero) > 0
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
