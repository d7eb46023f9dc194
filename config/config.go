// Package config loads the rased YAML configuration and applies
// defaults and environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rasedhq/rased/monitor"
	"github.com/rasedhq/rased/source"
)

// SourceConfig declares one upstream adapter.
type SourceConfig struct {
	// Type is "api" or "html_report".
	Type string                  `yaml:"type"`
	API  source.APIConfig        `yaml:"api"`
	HTML source.HTMLReportConfig `yaml:"html"`
}

// Config is the full rased configuration.
type Config struct {
	DBPath            string        `yaml:"db_path"`
	ListenAddr        string        `yaml:"listen_addr"`
	LogLevel          string        `yaml:"log_level"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	OperatorTokenHash string        `yaml:"operator_token_hash"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	RateLimitPerMin   int           `yaml:"rate_limit_per_min"`

	// Sources and Dashboards override the built-in tables. Leaving both
	// empty runs the stock Gaza and West Bank dashboards.
	Sources    map[string]SourceConfig `yaml:"sources"`
	Dashboards []source.Dashboard      `yaml:"dashboards"`

	Monitoring monitor.Config `yaml:"monitoring"`
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "rased.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.RateLimitPerMin <= 0 {
		c.RateLimitPerMin = 120
	}
	// A fully zero monitoring block means "not configured", not
	// "disabled": run with the stock settings.
	if !c.Monitoring.Enabled && c.Monitoring.CheckInterval == 0 &&
		c.Monitoring.Thresholds == (monitor.Thresholds{}) &&
		len(c.Monitoring.NotificationChannels) == 0 {
		c.Monitoring = monitor.DefaultConfig()
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = net.JoinHostPort("", v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OPERATOR_TOKEN_HASH"); v != "" {
		c.OperatorTokenHash = v
	}
}

// Load reads the YAML file, then applies env overrides and defaults.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// BuildRegistry constructs the source registry from the configuration,
// falling back to the built-in dashboards and adapters when none are
// configured.
func (c *Config) BuildRegistry() (*source.Registry, error) {
	dashboards := c.Dashboards
	if len(dashboards) == 0 {
		dashboards = source.DefaultDashboards()
	}
	reg := source.NewRegistry(dashboards)

	if len(c.Sources) == 0 {
		for _, f := range source.DefaultAdapters() {
			reg.Register(f)
		}
		return reg, nil
	}
	for id, sc := range c.Sources {
		switch sc.Type {
		case "api":
			reg.Register(source.NewAPIAdapter(id, sc.API))
		case "html_report":
			reg.Register(source.NewHTMLReportAdapter(id, sc.HTML))
		default:
			return nil, fmt.Errorf("config: source %q has unknown type %q", id, sc.Type)
		}
	}
	return reg, nil
}
