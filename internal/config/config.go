// Package config loads and validates the conduitd YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Asset declares one asset the conduit manages and its rate parameters in
// basis points per year.
type Asset struct {
	Symbol     string `yaml:"symbol"`
	Enabled    bool   `yaml:"enabled"`
	MaxRateBPS uint64 `yaml:"max_rate_bps"`
	SpreadBPS  uint64 `yaml:"spread_bps"`
	SubsidyBPS uint64 `yaml:"subsidy_bps"`
	BaseBPS    uint64 `yaml:"base_bps"`
}

// Domain declares a treasury sub-account and its external buffer account.
type Domain struct {
	Name   string `yaml:"name"`
	Buffer string `yaml:"buffer"`
}

// Permission grants callers the right to act for a domain. An empty
// Operations list grants all operations.
type Permission struct {
	Domain     string   `yaml:"domain"`
	Callers    []string `yaml:"callers"`
	Operations []string `yaml:"operations"`
}

// Config is the full conduitd configuration.
type Config struct {
	ListenAddress  string `yaml:"listen_address"`
	MetricsAddress string `yaml:"metrics_address"`

	PostgresDSN   string `yaml:"postgres_dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
	NATSURL       string `yaml:"nats_url"`
	PoolURL       string `yaml:"pool_url"`

	AdminToken string `yaml:"admin_token"`

	PersistBatchSize int `yaml:"persist_batch_size"`
	PersistFlushMs   int `yaml:"persist_flush_ms"`
	PersistBuffer    int `yaml:"persist_buffer"`
	PublishBuffer    int `yaml:"publish_buffer"`

	Assets      []Asset      `yaml:"assets"`
	Domains     []Domain     `yaml:"domains"`
	Permissions []Permission `yaml:"permissions"`
}

// Default returns the config used when a field is left unset.
func Default() Config {
	return Config{
		ListenAddress:    ":8080",
		MetricsAddress:   ":9090",
		MigrationsDir:    "migrations",
		NATSURL:          "nats://127.0.0.1:4222",
		PersistBatchSize: 100,
		PersistFlushMs:   200,
		PersistBuffer:    1024,
		PublishBuffer:    4096,
	}
}

// Load reads, normalizes, and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	def := Default()

	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	c.MetricsAddress = strings.TrimSpace(c.MetricsAddress)
	if c.MetricsAddress == "" {
		c.MetricsAddress = def.MetricsAddress
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.MigrationsDir == "" {
		c.MigrationsDir = def.MigrationsDir
	}
	c.NATSURL = strings.TrimSpace(c.NATSURL)
	if c.NATSURL == "" {
		c.NATSURL = def.NATSURL
	}
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)
	c.PoolURL = strings.TrimSpace(c.PoolURL)
	c.AdminToken = strings.TrimSpace(c.AdminToken)

	if c.PersistBatchSize <= 0 {
		c.PersistBatchSize = def.PersistBatchSize
	}
	if c.PersistFlushMs <= 0 {
		c.PersistFlushMs = def.PersistFlushMs
	}
	if c.PersistBuffer <= 0 {
		c.PersistBuffer = def.PersistBuffer
	}
	if c.PublishBuffer <= 0 {
		c.PublishBuffer = def.PublishBuffer
	}

	for i := range c.Assets {
		c.Assets[i].Symbol = strings.TrimSpace(c.Assets[i].Symbol)
	}
	for i := range c.Domains {
		c.Domains[i].Name = strings.TrimSpace(c.Domains[i].Name)
		c.Domains[i].Buffer = strings.TrimSpace(c.Domains[i].Buffer)
	}
}

// Validate rejects configs that cannot produce a working service.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres_dsn is required")
	}
	if c.PoolURL == "" {
		return fmt.Errorf("config: pool_url is required")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one asset is required")
	}

	seenAssets := make(map[string]bool)
	for _, a := range c.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("config: asset with empty symbol")
		}
		if seenAssets[a.Symbol] {
			return fmt.Errorf("config: duplicate asset %s", a.Symbol)
		}
		seenAssets[a.Symbol] = true
		if a.MaxRateBPS == 0 {
			return fmt.Errorf("config: asset %s: max_rate_bps must be positive", a.Symbol)
		}
		if a.SpreadBPS > a.MaxRateBPS {
			return fmt.Errorf("config: asset %s: spread_bps %d exceeds max_rate_bps %d",
				a.Symbol, a.SpreadBPS, a.MaxRateBPS)
		}
	}

	seenDomains := make(map[string]bool)
	for _, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("config: domain with empty name")
		}
		if d.Buffer == "" {
			return fmt.Errorf("config: domain %s: buffer is required", d.Name)
		}
		if seenDomains[d.Name] {
			return fmt.Errorf("config: duplicate domain %s", d.Name)
		}
		seenDomains[d.Name] = true
	}

	for _, p := range c.Permissions {
		if !seenDomains[p.Domain] {
			return fmt.Errorf("config: permission references unknown domain %s", p.Domain)
		}
		if len(p.Callers) == 0 {
			return fmt.Errorf("config: permission for domain %s has no callers", p.Domain)
		}
	}

	return nil
}
