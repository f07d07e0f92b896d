// Package config loads the TOML configuration file and applies environment
// overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type MemgraphConfig struct {
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type PipelineConfig struct {
	BatchSize      int    `toml:"batch_size"`
	MaxAttempts    int    `toml:"max_attempts"`
	Workers        int    `toml:"workers"`
	AddressTimeout string `toml:"address_timeout"`
}

// Timeout parses the per-address timeout, falling back to two minutes.
func (p PipelineConfig) Timeout() time.Duration {
	return parseDuration(p.AddressTimeout, 2*time.Minute)
}

type DetectConfig struct {
	FundingWindow   string  `toml:"funding_window"`
	TemporalWindow  string  `toml:"temporal_window"`
	DepositMaxFanIn int     `toml:"deposit_max_fan_in"`
	NoiseFraction   float64 `toml:"noise_fraction"`
	MinOverlap      float64 `toml:"min_overlap"`
}

func (d DetectConfig) FundingWindowDuration() time.Duration {
	return parseDuration(d.FundingWindow, time.Hour)
}

func (d DetectConfig) TemporalWindowDuration() time.Duration {
	return parseDuration(d.TemporalWindow, 30*time.Second)
}

type PropagateConfig struct {
	Floor float64 `toml:"floor"`
}

type SourcesConfig struct {
	EtherscanURL    string `toml:"etherscan_url"`
	EtherscanAPIKey string `toml:"etherscan_api_key"`
	OSINTURL        string `toml:"osint_url"`
	RateLimit       int    `toml:"rate_limit"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type Config struct {
	Memgraph  MemgraphConfig  `toml:"memgraph"`
	Log       LogConfig       `toml:"log"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Detect    DetectConfig    `toml:"detect"`
	Propagate PropagateConfig `toml:"propagate"`
	Sources   SourcesConfig   `toml:"sources"`
	Server    ServerConfig    `toml:"server"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Memgraph: MemgraphConfig{URI: "bolt://localhost:7687"},
		Log:      LogConfig{Level: "info", File: "whaletrace.log"},
		Pipeline: PipelineConfig{
			BatchSize:      50,
			MaxAttempts:    3,
			Workers:        1,
			AddressTimeout: "2m",
		},
		Detect: DetectConfig{
			FundingWindow:   "1h",
			TemporalWindow:  "30s",
			DepositMaxFanIn: 10,
			NoiseFraction:   0.02,
			MinOverlap:      0.5,
		},
		Propagate: PropagateConfig{Floor: 0.30},
		Sources: SourcesConfig{
			EtherscanURL: "https://api.etherscan.io",
			RateLimit:    5,
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads the TOML file at path, layered over Default. A missing file is
// not an error; environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment environments override file settings, mainly for
// secrets that should not live in the config file.
func (c *Config) applyEnv() {
	setString(&c.Memgraph.URI, "MEMGRAPH_URI")
	setString(&c.Memgraph.User, "MEMGRAPH_USER")
	setString(&c.Memgraph.Password, "MEMGRAPH_PASSWORD")
	setString(&c.Sources.EtherscanAPIKey, "ETHERSCAN_API_KEY")
	setString(&c.Sources.EtherscanURL, "ETHERSCAN_URL")
	setString(&c.Sources.OSINTURL, "OSINT_URL")
	setString(&c.Log.Level, "WHALETRACE_LOG_LEVEL")
	setString(&c.Log.File, "WHALETRACE_LOG_FILE")
	setString(&c.Server.Addr, "WHALETRACE_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
