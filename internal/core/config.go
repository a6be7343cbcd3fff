package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SensitivityProfile selects how aggressively requests are blocked.
type SensitivityProfile string

const (
	// ProfileStrict is for production-like deployments.
	ProfileStrict SensitivityProfile = "strict"
	// ProfileRelaxed is for development: generic command-injection rules are off
	// and the blocking threshold is raised so local testing is rarely blocked.
	ProfileRelaxed SensitivityProfile = "relaxed"
)

// Valid reports whether p names a known profile.
func (p SensitivityProfile) Valid() bool {
	return p == ProfileStrict || p == ProfileRelaxed
}

// Config holds the entire reqguard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Detection DetectionConfig `yaml:"detection"`
	Stores    StoresConfig    `yaml:"stores"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds admin API settings.
type ServerConfig struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	APIKeys []string `yaml:"api_keys"`
}

// ProxyConfig holds the guarded reverse proxy settings.
type ProxyConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
}

// DetectionConfig holds scoring and decision policy.
type DetectionConfig struct {
	Profile               SensitivityProfile `yaml:"profile"`
	BlockingThreshold     int                `yaml:"blocking_threshold"`
	NotableThreshold      int                `yaml:"notable_threshold"`
	ActiveThreatScore     int                `yaml:"active_threat_score"`
	VolumeThreshold       int                `yaml:"volume_threshold"`
	CommandInjectionScore int                `yaml:"command_injection_score"`
	ThrottleDelay         time.Duration      `yaml:"throttle_delay"`
	MaxBodyBytes          int64              `yaml:"max_body_bytes"`
	MaxFieldBytes         int                `yaml:"max_field_bytes"`
	TrustProxy            bool               `yaml:"trust_proxy"`
	TrustUserHeader       bool               `yaml:"trust_user_header"`
}

// StoresConfig holds TTLs and capacities of the in-memory stores.
type StoresConfig struct {
	VolumeCapacity  int           `yaml:"volume_capacity"`
	HistoryTTL      time.Duration `yaml:"history_ttl"`
	HistorySweep    time.Duration `yaml:"history_sweep"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SessionCapacity int           `yaml:"session_capacity"`
	MaxAnomalyLog   int           `yaml:"max_anomaly_log"`
}

// MetricsConfig holds the periodic snapshot reporter settings.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Embedded  bool   `yaml:"embedded"`
	DataDir   string `yaml:"data_dir"`
	Port      int    `yaml:"port"`
	QueueSize int    `yaml:"queue_size"` // events buffered ahead of the bus; overflow is dropped
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config for the strict profile.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 1790,
		},
		Proxy: ProxyConfig{
			Listen:   "0.0.0.0:8080",
			Upstream: "http://127.0.0.1:3000",
		},
		Detection: DetectionConfig{
			Profile:           ProfileStrict,
			NotableThreshold:  50,
			ActiveThreatScore: 70,
			VolumeThreshold:   100,
			ThrottleDelay:     time.Second,
			MaxBodyBytes:      64 << 10,
			MaxFieldBytes:     16 << 10,
			TrustProxy:        false,
		},
		Stores: StoresConfig{
			VolumeCapacity:  100000,
			HistoryTTL:      time.Hour,
			HistorySweep:    time.Hour,
			SessionTTL:      30 * time.Minute,
			SessionCapacity: 100000,
			MaxAnomalyLog:   100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Bus: BusConfig{
			Enabled:   false,
			URL:       "nats://127.0.0.1:4222",
			Embedded:  true,
			DataDir:   "./data/nats",
			Port:      4222,
			QueueSize: DefaultQueueSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
	cfg.ApplyProfileDefaults()
	return cfg
}

// ApplyProfileDefaults fills the profile-dependent settings that were left at
// zero. Explicit values in the config file always win.
func (c *Config) ApplyProfileDefaults() {
	if !c.Detection.Profile.Valid() {
		c.Detection.Profile = ProfileStrict
	}
	relaxed := c.Detection.Profile == ProfileRelaxed
	if c.Detection.BlockingThreshold == 0 {
		c.Detection.BlockingThreshold = 100
		if relaxed {
			c.Detection.BlockingThreshold = 1000
		}
	}
	if c.Detection.CommandInjectionScore == 0 {
		c.Detection.CommandInjectionScore = 100
		if relaxed {
			c.Detection.CommandInjectionScore = 150
		}
	}
	if c.Metrics.ReportInterval == 0 {
		c.Metrics.ReportInterval = 5 * time.Minute
		if relaxed {
			c.Metrics.ReportInterval = 30 * time.Minute
		}
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	// profile-dependent values are recomputed after the file and env are applied
	cfg.Detection.BlockingThreshold = 0
	cfg.Detection.CommandInjectionScore = 0
	cfg.Metrics.ReportInterval = 0

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if p := os.Getenv("REQGUARD_PROFILE"); p != "" {
		cfg.Detection.Profile = SensitivityProfile(strings.ToLower(p))
	}
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("REQGUARD_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if up := os.Getenv("REQGUARD_UPSTREAM"); up != "" {
		cfg.Proxy.Upstream = up
	}

	if cfg.Detection.Profile != "" && !cfg.Detection.Profile.Valid() {
		return nil, fmt.Errorf("unknown detection profile %q (want strict or relaxed)", cfg.Detection.Profile)
	}
	cfg.ApplyProfileDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Detection.VolumeThreshold <= 0 {
		problems = append(problems, "detection.volume_threshold must be positive")
	}
	if c.Detection.ThrottleDelay < 0 {
		problems = append(problems, "detection.throttle_delay must not be negative")
	}
	if c.Detection.MaxFieldBytes <= 0 {
		problems = append(problems, "detection.max_field_bytes must be positive")
	}
	if c.Stores.HistoryTTL <= 0 || c.Stores.SessionTTL <= 0 {
		problems = append(problems, "stores ttl values must be positive")
	}
	if c.Stores.VolumeCapacity <= 0 || c.Stores.SessionCapacity <= 0 {
		problems = append(problems, "stores capacities must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
