// Package config loads the orchestrator's YAML configuration file, mirroring
// the flat-nested-struct-with-validation idiom of AgSys's
// cmd/agsys-controller/main.go loadConfig.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file structure for sidecharged.
type Config struct {
	Gateway struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"gateway"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Scheduler struct {
		MOERThreshold   float64 `yaml:"moer_threshold"`
		TickInterval    int     `yaml:"tick_interval_seconds"`
		CarbonLoginURL  string  `yaml:"carbon_login_url"`
		CarbonMOERURL   string  `yaml:"carbon_moer_url"`
		CarbonUsername  string  `yaml:"carbon_username"`
		CarbonPassword  string  `yaml:"carbon_password"` // overridden by SIDECHARGE_CARBON_PASSWORD
	} `yaml:"scheduler"`

	OTA struct {
		Bucket           string `yaml:"bucket"`
		CacheDir         string `yaml:"cache_dir"`
		ChunkSize        int    `yaml:"chunk_size"`
		RetryInterval    int    `yaml:"retry_interval_seconds"`
		SigningPublicKey string `yaml:"signing_public_key_path"`
	} `yaml:"ota"`

	CmdAuth struct {
		Enabled bool   `yaml:"enabled"`
		KeyHex  string `yaml:"key_hex"` // overridden by SIDECHARGE_CMDAUTH_KEY
	} `yaml:"cmd_auth"`

	CloudLink struct {
		URL         string `yaml:"url"`
		PropertyUID string `yaml:"property_uid"`
		APIKey      string `yaml:"api_key"` // overridden by SIDECHARGE_CLOUDLINK_KEY
	} `yaml:"cloud_link"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a Config with the standard operating-point defaults
// (5 min scheduler tick, 60 s OTA retry timer, 15 B OTA chunks).
func Default() Config {
	var c Config
	c.Database.Path = "/var/lib/sidecharge/orchestrator.db"
	c.Scheduler.TickInterval = 300
	c.OTA.CacheDir = "/var/cache/sidecharge/firmware"
	c.OTA.ChunkSize = 15
	c.OTA.RetryInterval = 60
	c.Logging.Level = "info"
	return c
}

// Load reads and parses the YAML config file at path, applying environment
// overrides for secrets the way cmd/agsys-controller/main.go does
// hex.DecodeString on AGSYS_AES_KEY.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if v := os.Getenv("SIDECHARGE_CARBON_PASSWORD"); v != "" {
		cfg.Scheduler.CarbonPassword = v
	}
	if v := os.Getenv("SIDECHARGE_CMDAUTH_KEY"); v != "" {
		cfg.CmdAuth.KeyHex = v
	}
	if v := os.Getenv("SIDECHARGE_CLOUDLINK_KEY"); v != "" {
		cfg.CloudLink.APIKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields field-by-field, the way
// cmd/agsys-controller/main.go validates cfg.Controller.ID and
// cfg.Cloud.APIKey immediately after unmarshal.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.OTA.ChunkSize <= 0 || c.OTA.ChunkSize > 15 {
		return fmt.Errorf("config: ota.chunk_size must be in 1..15, got %d", c.OTA.ChunkSize)
	}
	if c.CmdAuth.Enabled && len(c.CmdAuth.KeyHex) != 64 {
		return fmt.Errorf("config: cmd_auth.key_hex must be 64 hex characters (32 bytes) when enabled")
	}
	return nil
}

// SchedulerTickInterval returns the scheduler tick interval as a Duration.
func (c *Config) SchedulerTickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickInterval) * time.Second
}

// OTARetryInterval returns the OTA retry-timer interval as a Duration.
func (c *Config) OTARetryInterval() time.Duration {
	return time.Duration(c.OTA.RetryInterval) * time.Second
}
