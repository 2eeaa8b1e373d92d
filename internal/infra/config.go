package infra

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application settings. Secrets are overridden from the
// environment after the file is parsed.
type Config struct {
	App struct {
		Name         string `yaml:"name"`
		Version      string `yaml:"version"`
		MetricsAddr  string `yaml:"metrics_addr"`
		SignalDir    string `yaml:"signal_dir"`
		CycleSeconds int    `yaml:"cycle_seconds"`
	} `yaml:"app"`

	Broker struct {
		BaseURL    string `yaml:"base_url"`
		StreamURL  string `yaml:"stream_url"`
		Env        string `yaml:"env"` // SIM or LIVE
		Token      string `yaml:"token"`
		AccountKey string `yaml:"account_key"`
		ClientKey  string `yaml:"client_key"`
	} `yaml:"broker"`

	Trading struct {
		DryRun             bool                `yaml:"dry_run"`
		MaxDailyTrades     int                 `yaml:"max_daily_trades"`
		MutationsPerSecond float64             `yaml:"mutations_per_second"`
		MutationBurst      int                 `yaml:"mutation_burst"`
		DuplicateBuyPolicy string              `yaml:"duplicate_buy_policy"` // block or warn
		AllowShortCovering bool                `yaml:"allow_short_covering"`
		DisclaimerPolicy   string              `yaml:"disclaimer_policy"` // block_all, auto_accept_normal, manual_review
		AllowUnknownState  bool                `yaml:"allow_unknown_market_state"`
		MarketStateAllowed map[string][]string `yaml:"market_state_allowed"` // per asset type overrides
		DefaultBuyAmount   float64             `yaml:"default_buy_amount"`
		Instruments        []InstrumentRef     `yaml:"instruments"`
	} `yaml:"trading"`

	Cache struct {
		InstrumentTTLSeconds int `yaml:"instrument_ttl_seconds"`
		PositionTTLSeconds   int `yaml:"position_ttl_seconds"`
		DisclaimerTTLSeconds int `yaml:"disclaimer_ttl_seconds"`
	} `yaml:"cache"`

	Timeouts struct {
		PlacementSeconds      int `yaml:"placement_seconds"`
		ReconciliationSeconds int `yaml:"reconciliation_seconds"`
	} `yaml:"timeouts"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, loads a local .env if present,
// applies env overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; environment already set wins inside godotenv.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
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

// InstrumentRef names one tradable instrument in config.
type InstrumentRef struct {
	AssetType string `yaml:"asset_type"`
	Uic       int    `yaml:"uic"`
}

func (c *Config) applyDefaults() {
	if c.App.SignalDir == "" {
		c.App.SignalDir = "signals"
	}
	if c.App.CycleSeconds <= 0 {
		c.App.CycleSeconds = 30
	}
	if c.Trading.DefaultBuyAmount <= 0 {
		c.Trading.DefaultBuyAmount = 1
	}
	if c.Trading.MutationsPerSecond <= 0 {
		c.Trading.MutationsPerSecond = 1
	}
	if c.Trading.MutationBurst <= 0 {
		c.Trading.MutationBurst = 1
	}
	if c.Trading.DuplicateBuyPolicy == "" {
		c.Trading.DuplicateBuyPolicy = "block"
	}
	if c.Trading.DisclaimerPolicy == "" {
		c.Trading.DisclaimerPolicy = "block_all"
	}
	if c.Trading.MaxDailyTrades <= 0 {
		c.Trading.MaxDailyTrades = 10
	}
	if c.Cache.InstrumentTTLSeconds <= 0 {
		c.Cache.InstrumentTTLSeconds = 600
	}
	if c.Cache.PositionTTLSeconds <= 0 {
		c.Cache.PositionTTLSeconds = 30
	}
	if c.Cache.DisclaimerTTLSeconds <= 0 {
		c.Cache.DisclaimerTTLSeconds = 300
	}
	if c.Timeouts.PlacementSeconds <= 0 {
		c.Timeouts.PlacementSeconds = 30
	}
	if c.Timeouts.ReconciliationSeconds <= 0 {
		c.Timeouts.ReconciliationSeconds = 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "state/journal.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Broker.BaseURL, "https://") && !strings.HasPrefix(c.Broker.BaseURL, "http://") {
		return fmt.Errorf("invalid broker base URL: %s", c.Broker.BaseURL)
	}
	if c.Broker.Token == "" {
		return fmt.Errorf("broker token is required (set SAXO_TOKEN)")
	}
	if c.Broker.AccountKey == "" || c.Broker.ClientKey == "" {
		return fmt.Errorf("broker account_key and client_key are required")
	}
	switch c.Trading.DuplicateBuyPolicy {
	case "block", "warn":
	default:
		return fmt.Errorf("invalid duplicate_buy_policy: %s", c.Trading.DuplicateBuyPolicy)
	}
	switch c.Trading.DisclaimerPolicy {
	case "block_all", "auto_accept_normal", "manual_review":
	default:
		return fmt.Errorf("invalid disclaimer_policy: %s", c.Trading.DisclaimerPolicy)
	}
	env := strings.ToUpper(c.Broker.Env)
	if env != "" && env != "SIM" && env != "LIVE" {
		return fmt.Errorf("invalid broker env: %s", c.Broker.Env)
	}
	if env == "LIVE" && c.Trading.DryRun {
		// Allowed, but nothing to check. LIVE without dry-run needs the latch.
		return nil
	}
	if env == "LIVE" && os.Getenv("CONFIRM_REAL_MONEY") != "true" {
		return fmt.Errorf("LIVE trading requires CONFIRM_REAL_MONEY=true in the environment")
	}
	return nil
}

// overrideWithEnv applies environment variables over file values. Env wins
// so secrets never need to live in the config file.
func overrideWithEnv(cfg *Config) {
	if cfg.Broker.Token != "" {
		slog.Warn("broker token found in config file; prefer the SAXO_TOKEN environment variable")
	}
	if v := os.Getenv("SAXO_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v := os.Getenv("SAXO_REST_BASE"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("SAXO_STREAM_BASE"); v != "" {
		cfg.Broker.StreamURL = v
	}
	if v := os.Getenv("SAXO_ENV"); v != "" {
		cfg.Broker.Env = v
	}
	if v := os.Getenv("SAXO_ACCOUNT_KEY"); v != "" {
		cfg.Broker.AccountKey = v
	}
	if v := os.Getenv("SAXO_CLIENT_KEY"); v != "" {
		cfg.Broker.ClientKey = v
	}
}
