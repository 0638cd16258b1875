// Package config loads process configuration for both the API server
// and the orchestrator worker, grounded on the teacher's
// pkg/jobs/config.go DefaultXConfig()/XConfigFromEnv() pair.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §6 "Configuration" plus
// the ambient server/store settings it's silent on.
type Config struct {
	// Store.
	DBDriver string `yaml:"dbDriver"`
	DBDSN    string `yaml:"dbDSN"`

	// spec.md §6.
	PollInterval          time.Duration `yaml:"pollInterval"`
	RecoveryTokenDuration time.Duration `yaml:"recoveryTokenDuration"`
	HistoryDuration       time.Duration `yaml:"historyDuration"`
	InstanceUUID          string        `yaml:"instanceUuid"`
	TestBucketPrefix      string        `yaml:"testBucketPrefix"`

	// HTTP server (ambient).
	ListenAddr       string   `yaml:"listenAddr"`
	ServerName       string   `yaml:"serverName"`
	CORSAllowOrigins []string `yaml:"corsAllowOrigins"`
	AdminPublicKey   string   `yaml:"adminPublicKey"` // SSH-line-formatted

	// Orchestrator (ambient).
	DefaultConcurrency int `yaml:"defaultConcurrency"`
}

// Default returns the built-in defaults before env/file overrides.
func Default() *Config {
	return &Config{
		DBDriver:              "postgres",
		PollInterval:          5 * time.Second,
		RecoveryTokenDuration: 24 * time.Hour,
		HistoryDuration:       90 * 24 * time.Hour,
		ListenAddr:            ":8080",
		ServerName:            "kbmapi",
		DefaultConcurrency:    5,
	}
}

// FromFile loads YAML config from path, overlaying onto Default().
func FromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment-variable overrides, mirroring the
// teacher's JobConfigFromEnv naming convention (KBMAPI_* prefix here).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("KBMAPI_DB_DRIVER"); v != "" {
		c.DBDriver = v
	}
	if v := os.Getenv("KBMAPI_DB_DSN"); v != "" {
		c.DBDSN = v
	}
	if v := os.Getenv("KBMAPI_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KBMAPI_RECOVERY_TOKEN_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RecoveryTokenDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KBMAPI_HISTORY_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HistoryDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KBMAPI_INSTANCE_UUID"); v != "" {
		c.InstanceUUID = v
	}
	if v := os.Getenv("KBMAPI_TEST_BUCKET_PREFIX"); v != "" {
		c.TestBucketPrefix = v
	}
	if v := os.Getenv("KBMAPI_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("KBMAPI_SERVER_NAME"); v != "" {
		c.ServerName = v
	}
	if v := os.Getenv("KBMAPI_ADMIN_PUBLIC_KEY"); v != "" {
		c.AdminPublicKey = v
	}
	if v := os.Getenv("KBMAPI_DEFAULT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DefaultConcurrency = n
		}
	}
}
