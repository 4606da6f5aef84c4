// Package config loads the daemon configuration from CREDKEEPER_ prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	platform "github.com/layer-3/credkeeper/adapters/biometric"
	"github.com/layer-3/credkeeper/adapters/tokenizer"
	"github.com/layer-3/credkeeper/service"
)

const Prefix = "CREDKEEPER_"

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the daemon configuration
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:9000"`
	ControlKey string `env:"CONTROL_KEY"`
	LogLevel   int    `env:"LOG_LEVEL" envDefault:"0"`

	IdentityURL     string        `env:"IDENTITY_URL"`
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"30s"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"credkeeper.db"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	StorageSecret  string `env:"STORAGE_SECRET"`

	RefreshThreshold  time.Duration `env:"REFRESH_THRESHOLD" envDefault:"10m"`
	CheckInterval     time.Duration `env:"CHECK_INTERVAL" envDefault:"60s"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	PauseInBackground bool          `env:"PAUSE_IN_BACKGROUND" envDefault:"false"`
	ForegroundOnly    bool          `env:"FOREGROUND_ONLY" envDefault:"false"`

	BiometricMode    string `env:"BIOMETRIC_MODE" envDefault:"auto"`
	RequireBiometric bool   `env:"REQUIRE_BIOMETRIC" envDefault:"true"`

	Grace        time.Duration `env:"GRACE" envDefault:"30s"`
	ClockSkew    time.Duration `env:"CLOCK_SKEW" envDefault:"5m"`
	Issuers      []string      `env:"ISSUERS" envSeparator:","`
	Audiences    []string      `env:"AUDIENCES" envSeparator:","`
	StrictAccess bool          `env:"STRICT_ACCESS" envDefault:"true"`

	MaxInactivity time.Duration `env:"MAX_INACTIVITY" envDefault:"168h"`
	MaxSessionAge time.Duration `env:"MAX_SESSION_AGE" envDefault:"720h"`
	DeviceBinding bool          `env:"DEVICE_BINDING" envDefault:"true"`

	Platform  string `env:"PLATFORM"`
	OSVersion string `env:"OS_VERSION"`
	DeviceID  string `env:"DEVICE_ID"`

	EventLogCapacity int           `env:"EVENT_LOG_CAPACITY" envDefault:"100"`
	AnomalyThreshold int           `env:"ANOMALY_THRESHOLD" envDefault:"3"`
	AnomalyWindow    time.Duration `env:"ANOMALY_WINDOW" envDefault:"5m"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	// EventStream publishes security events and alerts to Redis streams at
	// RedisURL
	EventStream bool   `env:"EVENT_STREAM" envDefault:"false"`
	EventsTopic string `env:"EVENTS_TOPIC" envDefault:"credkeeper.security_events"`
	AlertsTopic string `env:"ALERTS_TOPIC" envDefault:"credkeeper.alerts"`
}

// Load parses the process environment and validates the result
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom is Load over an explicit environment. Keys carry the prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ControlKey == "" {
		fail("%sCONTROL_KEY is required", Prefix)
	}
	if c.IdentityURL == "" {
		fail("%sIDENTITY_URL is required", Prefix)
	} else if u, err := url.Parse(c.IdentityURL); err != nil || u.Scheme == "" || u.Host == "" {
		fail("%sIDENTITY_URL %q is not an absolute URL", Prefix, c.IdentityURL)
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendSQLite, BackendRedis:
		if c.StorageSecret == "" {
			fail("%sSTORAGE_SECRET is required for the %s backend", Prefix, c.StorageBackend)
		}
	default:
		fail("unknown storage backend %q", c.StorageBackend)
	}

	if _, ok := platform.FromMode(c.BiometricMode); !ok {
		fail("unknown biometric mode %q", c.BiometricMode)
	} else if c.RequireBiometric && (c.BiometricMode == "" || c.BiometricMode == "none") {
		fail("biometric mode %q cannot satisfy %sREQUIRE_BIOMETRIC", c.BiometricMode, Prefix)
	}

	for name, d := range map[string]time.Duration{
		"REFRESH_THRESHOLD": c.RefreshThreshold,
		"CHECK_INTERVAL":    c.CheckInterval,
		"RETRY_BASE_DELAY":  c.RetryBaseDelay,
		"RETRY_MAX_DELAY":   c.RetryMaxDelay,
		"MAX_INACTIVITY":    c.MaxInactivity,
		"MAX_SESSION_AGE":   c.MaxSessionAge,
		"ANOMALY_WINDOW":    c.AnomalyWindow,
	} {
		if d <= 0 {
			fail("%s%s must be positive", Prefix, name)
		}
	}
	if c.Grace < 0 || c.ClockSkew < 0 {
		fail("grace and clock skew must not be negative")
	}
	if c.RetryMultiplier < 1 {
		fail("%sRETRY_MULTIPLIER must be at least 1", Prefix)
	}
	if c.RetryMaxAttempts < 1 {
		fail("%sRETRY_MAX_ATTEMPTS must be at least 1", Prefix)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		fail("%sRETRY_MAX_DELAY must not be below the base delay", Prefix)
	}
	if c.EventLogCapacity < 1 {
		fail("%sEVENT_LOG_CAPACITY must be at least 1", Prefix)
	}
	if c.AnomalyThreshold < 1 {
		fail("%sANOMALY_THRESHOLD must be at least 1", Prefix)
	}

	return errors.Join(errs...)
}

// Rules returns the credential validation rules
func (c Config) Rules() tokenizer.Rules {
	rules := tokenizer.DefaultRules()
	rules.Grace = c.Grace
	rules.ClockSkew = c.ClockSkew
	if len(c.Issuers) > 0 {
		rules = rules.WithIssuers(c.Issuers...)
	}
	if len(c.Audiences) > 0 {
		rules = rules.WithAudiences(c.Audiences...)
	}
	return rules
}

// Service maps the configuration onto the auth service components
func (c Config) Service() service.Config {
	cfg := service.DefaultConfig()

	cfg.Lifecycle.RefreshThreshold = c.RefreshThreshold
	cfg.Lifecycle.RenewalTimeout = c.IdentityTimeout
	cfg.Lifecycle.RequireBiometric = c.RequireBiometric
	cfg.Lifecycle.StrictAccess = c.StrictAccess
	cfg.Lifecycle.Rules = c.Rules()

	cfg.Scheduler.Interval = c.CheckInterval
	cfg.Scheduler.Retry.BaseDelay = c.RetryBaseDelay
	cfg.Scheduler.Retry.Multiplier = c.RetryMultiplier
	cfg.Scheduler.Retry.MaxDelay = c.RetryMaxDelay
	cfg.Scheduler.Retry.MaxAttempts = c.RetryMaxAttempts
	cfg.Scheduler.PauseInBackground = c.PauseInBackground
	cfg.Scheduler.ForegroundOnly = c.ForegroundOnly

	cfg.Session.MaxInactivity = c.MaxInactivity
	cfg.Session.MaxSessionAge = c.MaxSessionAge
	cfg.Session.DeviceBinding = c.DeviceBinding

	cfg.Monitor.Capacity = c.EventLogCapacity
	cfg.Monitor.AnomalyThreshold = c.AnomalyThreshold
	cfg.Monitor.AnomalyWindow = c.AnomalyWindow

	return cfg
}
