// Package config provides centralized configuration loaded from a YAML file
// with environment-variable overrides. Shared by every cmd/ingest subcommand.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLockOrder is the canonical table write order used when the config
// file does not declare one. All concurrent transactions write multi-table
// batches in this sequence so lock acquisition never crosses.
var DefaultLockOrder = []string{
	"regions", "venues", "cups", "schedules", "races", "race_status",
	"players", "entries", "player_records", "line_predictions",
	"odds_exacta", "odds_quinella", "odds_quinella_place", "odds_trifecta",
	"odds_trio", "odds_bracket_exacta", "odds_bracket_quinella",
	"odds_statuses", "race_results", "race_comments", "lap_positions",
	"inspection_reports", "lap_data_status",
}

// MySQL holds connection settings for the store.
type MySQL struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	PoolName string `yaml:"pool_name"`
	PoolSize int    `yaml:"pool_size"`
}

// DSN builds the go-sql-driver connection string.
func (m MySQL) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		m.User, m.Password, m.Host, m.Port, m.Database)
}

// Stage holds per-stage tuning knobs.
type Stage struct {
	MaxWorkers    int     `yaml:"max_workers"`
	RateLimitWait float64 `yaml:"rate_limit_wait"` // seconds
}

// API holds tuning for the JSON API client.
type API struct {
	BaseURL         string  `yaml:"base_url"`
	RequestInterval float64 `yaml:"request_interval"` // seconds
	RetryCount      int     `yaml:"retry_count"`
	Jitter          float64 `yaml:"jitter"`
}

// HTML holds tuning for the HTML source client.
type HTML struct {
	BaseURL       string  `yaml:"base_url"`
	RetryCount    int     `yaml:"retry_count"`
	RateLimitWait float64 `yaml:"rate_limit_wait"` // seconds between batches
}

// Config is the full pipeline configuration.
type Config struct {
	MySQL     MySQL    `yaml:"mysql"`
	LockOrder []string `yaml:"lock_order"`
	API       API      `yaml:"api"`
	HTML      HTML     `yaml:"html"`

	CupDetail Stage `yaml:"cup_detail"`
	RaceCard  Stage `yaml:"race_card"`
	Odds      Stage `yaml:"odds"`
	Results   Stage `yaml:"results"`
}

// Load reads the YAML config file, applies env overrides and defaults, and
// validates what the pipeline cannot run without. An empty path skips the
// file and uses env + defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.MySQL.Host == "" || cfg.MySQL.User == "" || cfg.MySQL.Database == "" {
		return nil, fmt.Errorf("mysql host, user and database must be configured")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MySQL.Host = envOr("KEIRIN_MYSQL_HOST", c.MySQL.Host)
	c.MySQL.Port = envInt("KEIRIN_MYSQL_PORT", c.MySQL.Port)
	c.MySQL.User = envOr("KEIRIN_MYSQL_USER", c.MySQL.User)
	c.MySQL.Password = envOr("KEIRIN_MYSQL_PASSWORD", c.MySQL.Password)
	c.MySQL.Database = envOr("KEIRIN_MYSQL_DATABASE", c.MySQL.Database)
	c.MySQL.PoolSize = envInt("KEIRIN_MYSQL_POOL_SIZE", c.MySQL.PoolSize)

	c.API.BaseURL = envOr("KEIRIN_API_BASE_URL", c.API.BaseURL)
	c.HTML.BaseURL = envOr("KEIRIN_HTML_BASE_URL", c.HTML.BaseURL)

	if v := envOr("KEIRIN_LOCK_ORDER", ""); v != "" {
		c.LockOrder = envList(v)
	}
}

func (c *Config) applyDefaults() {
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.PoolSize == 0 {
		c.MySQL.PoolSize = 5
	}
	if len(c.LockOrder) == 0 {
		c.LockOrder = DefaultLockOrder
	}
	if c.API.RequestInterval == 0 {
		c.API.RequestInterval = 1.0
	}
	if c.API.RetryCount == 0 {
		c.API.RetryCount = 3
	}
	if c.HTML.RetryCount == 0 {
		c.HTML.RetryCount = 3
	}
	if c.CupDetail.MaxWorkers == 0 {
		c.CupDetail.MaxWorkers = 3
	}
	if c.RaceCard.MaxWorkers == 0 {
		c.RaceCard.MaxWorkers = 3
	}
	if c.Odds.MaxWorkers == 0 {
		c.Odds.MaxWorkers = 3
	}
	if c.Results.MaxWorkers == 0 {
		c.Results.MaxWorkers = 5
	}
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
