// Package config loads the housekeeper service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the TOML-backed configuration for rewards-housekeeper.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseDriver string `toml:"DatabaseDriver"`
	DatabaseDSN    string `toml:"DatabaseDSN"`

	SweepInterval  Duration `toml:"SweepInterval"`
	SweepBatchSize int      `toml:"SweepBatchSize"`
	SweepRate      float64  `toml:"SweepRate"`

	LogFile string `toml:"LogFile"`

	TelemetryEndpoint string `toml:"TelemetryEndpoint"`
	TelemetryInsecure bool   `toml:"TelemetryInsecure"`
}

// Duration wraps time.Duration for TOML decoding of values like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8391",
		Environment:    "dev",
		DatabaseDriver: "sqlite",
		DatabaseDSN:    "rewards.db",
		SweepInterval:  Duration{5 * time.Minute},
		SweepBatchSize: 200,
		SweepRate:      50,
	}
}

// Load reads the configuration from the given path. A missing path returns
// the defaults so local runs need no file at all.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for operator mistakes.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must be set")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DatabaseDSN must be set")
	}
	if c.SweepInterval.Duration <= 0 {
		return fmt.Errorf("SweepInterval must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SweepBatchSize must be positive")
	}
	if c.SweepRate <= 0 {
		return fmt.Errorf("SweepRate must be positive")
	}
	return nil
}
