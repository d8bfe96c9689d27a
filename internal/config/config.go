// Package config defines the proxy's configuration file shape and
// loading, grounded on the teacher's cmd/karoo/main.go loadConfig
// idiom (JSON file unmarshalled over a defaults value, then
// validated) but factored into its own package so cmd/coinhive-proxy
// stays a thin wiring layer.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/PeterWem/coin-hive-stratum/internal/difficulty"
	"github.com/PeterWem/coin-hive-stratum/internal/ratelimit"
	"github.com/PeterWem/coin-hive-stratum/internal/upstream"
)

// DonationConfig describes one configured donation address (§6's
// `donations` option).
type DonationConfig struct {
	Address    string  `json:"address"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Pass       string  `json:"pass"`
	SSL        bool    `json:"ssl"`
	Percentage float64 `json:"percentage"`
}

// Config is the proxy's full recognized configuration: every option of
// §6 plus the ambient options a complete deployment needs.
type Config struct {
	// Default upstream (§6).
	Host string `json:"host"`
	Port int    `json:"port"`
	Pass string `json:"pass"`
	SSL  bool   `json:"ssl"`

	// Identity override (§6).
	Address string `json:"address"`
	User    string `json:"user"`

	// Diff forces a fixed target difficulty; 0 means unset, deferring
	// to the adaptive retargeter.
	Diff int64 `json:"diff"`

	DynamicPool            bool `json:"dynamic_pool"`
	MaxMinersPerConnection int  `json:"max_miners_per_connection"`

	Donations []DonationConfig `json:"donations"`

	// HTTP(S) server (§6).
	Key           string `json:"key"`
	Cert          string `json:"cert"`
	Path          string `json:"path"`
	Listen        string `json:"listen"`
	PurgeInterval int     `json:"purge_interval_ms"`

	// [NEW] ambient options.
	LogLevel      string                  `json:"log_level"`
	Ratelimit     ratelimit.Config        `json:"ratelimit"`
	Vardiff       difficulty.VardiffConfig `json:"vardiff"`
	SocksProxy    upstream.SocksConfig    `json:"socks_proxy"`

	KeepaliveIntervalSeconds int `json:"keepalive_interval_seconds"`
}

// Default returns a Config with every documented default filled in,
// matching the teacher's loadConfig default-filling pass.
func Default() Config {
	return Config{
		Port:                     3333,
		Path:                     "/",
		Listen:                   "0.0.0.0:8080",
		MaxMinersPerConnection:   100,
		PurgeInterval:            60000,
		LogLevel:                 "info",
		KeepaliveIntervalSeconds: 30,
		Vardiff: difficulty.VardiffConfig{
			Enabled:       false,
			TargetSeconds: 15,
			MinDiff:       1,
			MaxDiff:       65536,
			AdjustEveryMs: 60000,
		},
	}
}

// Load reads and parses a JSON configuration file at path, filling in
// defaults for anything left unset and validating required fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields and internal consistency of a
// loaded Config, mirroring the teacher's loadConfig validation pass.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.MaxMinersPerConnection <= 0 {
		return fmt.Errorf("max_miners_per_connection must be positive")
	}
	for i, d := range c.Donations {
		if d.Address == "" || d.Host == "" || d.Port == 0 {
			return fmt.Errorf("donations[%d]: address, host, and port are required", i)
		}
		if d.Percentage <= 0 || d.Percentage > 1 {
			return fmt.Errorf("donations[%d]: percentage must be in (0, 1], got %v", i, d.Percentage)
		}
	}
	if (c.Key == "") != (c.Cert == "") {
		return fmt.Errorf("key and cert must both be set or both be empty")
	}
	return nil
}
