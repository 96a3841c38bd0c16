package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the governor configuration.
const (
	DefaultScanInterval     = time.Second
	DefaultDetectorTimeout  = 500 * time.Millisecond
	DefaultSessionTimeout   = 30 * time.Minute
	DefaultMaxAttempts      = 5
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultSensitivity      = 0.5
	DefaultEventLogCap      = 1000
	DefaultHTTPAddr         = ":8080"
	DefaultMaxSignalsPerSec = 100
)

// Config holds the governor configuration
type Config struct {
	// Threat detection
	Sensitivity      float64       `yaml:"sensitivity"`      // detector confidence floor, [0,1]
	ScanInterval     time.Duration `yaml:"scanInterval"`     // scan-evaluate-respond cycle period
	DetectorTimeout  time.Duration `yaml:"detectorTimeout"`  // per-detector bound
	MaxSignalsPerSec int           `yaml:"maxSignalsPerSec"` // per-source intake rate limit

	// Authentication
	SessionTimeout  time.Duration `yaml:"sessionTimeout"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	LockoutDuration time.Duration `yaml:"lockoutDuration"`
	// Factor requirements: risk score boundaries adding a second/third factor
	SecondFactorRisk float64 `yaml:"secondFactorRisk"`
	ThirdFactorRisk  float64 `yaml:"thirdFactorRisk"`

	// Audit
	EventLogCap int `yaml:"eventLogCap"`

	// Surfaces
	HTTPAddr  string `yaml:"httpAddr"`
	AuthToken string `yaml:"authToken"` // API bearer token, empty disables auth

	// Notifications
	WebhookURL  string `yaml:"webhookURL"`
	NATSURL     string `yaml:"natsURL"`
	NATSSubject string `yaml:"natsSubject"`

	// Persistence (empty disables the port)
	DatabasePath string `yaml:"databasePath"`

	// Logging
	LogLevel       string `yaml:"logLevel"`
	LogDevelopment bool   `yaml:"logDevelopment"`
}

// Default returns a configuration populated with defaults and environment
// overrides applied on top.
func Default() *Config {
	cfg := &Config{
		Sensitivity:      DefaultSensitivity,
		ScanInterval:     DefaultScanInterval,
		DetectorTimeout:  DefaultDetectorTimeout,
		MaxSignalsPerSec: DefaultMaxSignalsPerSec,
		SessionTimeout:   DefaultSessionTimeout,
		MaxAttempts:      DefaultMaxAttempts,
		LockoutDuration:  DefaultLockoutDuration,
		SecondFactorRisk: 50,
		ThirdFactorRisk:  75,
		EventLogCap:      DefaultEventLogCap,
		HTTPAddr:         DefaultHTTPAddr,
		NATSSubject:      "governor.incidents",
		LogLevel:         "INFO",
	}
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML configuration file, merges it over defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.applyEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("GOVERNOR_HTTP_ADDR", c.HTTPAddr)
	c.AuthToken = getEnv("GOVERNOR_AUTH_TOKEN", c.AuthToken)
	c.WebhookURL = getEnv("GOVERNOR_WEBHOOK_URL", c.WebhookURL)
	c.NATSURL = getEnv("GOVERNOR_NATS_URL", c.NATSURL)
	c.DatabasePath = getEnv("GOVERNOR_DB_PATH", c.DatabasePath)
	c.LogLevel = getEnv("GOVERNOR_LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("GOVERNOR_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ScanInterval = d
		}
	}
	if v := os.Getenv("GOVERNOR_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.SessionTimeout = d
		}
	}
	if v := os.Getenv("GOVERNOR_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxAttempts = n
		}
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// Validate checks every field and returns the first violation found.
func (c *Config) Validate() error {
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		return fieldError("sensitivity", "must be within [0,1]")
	}
	if c.ScanInterval <= 0 {
		return fieldError("scanInterval", "must be positive")
	}
	if c.DetectorTimeout <= 0 {
		return fieldError("detectorTimeout", "must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fieldError("sessionTimeout", "must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fieldError("maxAttempts", "must be positive")
	}
	if c.LockoutDuration <= 0 {
		return fieldError("lockoutDuration", "must be positive")
	}
	if c.EventLogCap <= 0 {
		return fieldError("eventLogCap", "must be positive")
	}
	if c.MaxSignalsPerSec <= 0 {
		return fieldError("maxSignalsPerSec", "must be positive")
	}
	if c.SecondFactorRisk < 0 || c.SecondFactorRisk > 100 {
		return fieldError("secondFactorRisk", "must be within [0,100]")
	}
	if c.ThirdFactorRisk < c.SecondFactorRisk || c.ThirdFactorRisk > 100 {
		return fieldError("thirdFactorRisk", "must be within [secondFactorRisk,100]")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
