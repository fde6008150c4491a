package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the static application configuration. Secrets may be
// overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode          string   `yaml:"mode"` // PAPER or REAL
		QuoteCurrency string   `yaml:"quote_currency"`
		Symbols       []string `yaml:"symbols"`
	} `yaml:"trading"`

	Feed struct {
		Enabled bool   `yaml:"enabled"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"feed"`

	Policy struct {
		Path string `yaml:"path"` // user_config.yaml with live policy settings
	} `yaml:"policy"`

	Server struct {
		MetricsAddr string `yaml:"metrics_addr"`
		SignalAddr  string `yaml:"signal_addr"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	mode := strings.ToUpper(c.Trading.Mode)
	if mode != "PAPER" && mode != "REAL" {
		return fmt.Errorf("invalid trading mode: %q (want PAPER or REAL)", c.Trading.Mode)
	}
	c.Trading.Mode = mode

	if c.Trading.QuoteCurrency == "" {
		c.Trading.QuoteCurrency = "USDT"
	}

	if c.Feed.Enabled {
		if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
			return fmt.Errorf("invalid feed WS URL: %s", c.Feed.WSURL)
		}
		if len(c.Trading.Symbols) == 0 {
			return fmt.Errorf("at least one symbol is required when the feed is enabled")
		}
	}

	if c.Policy.Path == "" {
		c.Policy.Path = "user_config.yaml"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "localhost:9090"
	}
	if c.Server.SignalAddr == "" {
		c.Server.SignalAddr = "localhost:5000"
	}

	return nil
}

// overrideWithEnv lets the environment win over the config file.
func overrideWithEnv(cfg *Config) {
	if mode := os.Getenv("ALGOBOT_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
	if path := os.Getenv("ALGOBOT_POLICY_PATH"); path != "" {
		cfg.Policy.Path = path
	}
	if level := os.Getenv("ALGOBOT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
